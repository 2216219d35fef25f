package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/config"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/scheduler"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// memStore keeps persisted documents in memory
type memStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (m *memStore) Persist(key string, v any) {
	data, _ := json.Marshal(v)
	m.mu.Lock()
	m.docs[key] = data
	m.mu.Unlock()
}

// mockSender records every send
type mockSender struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockSender) Send(ctx context.Context, address string, item dispatch.Item) error {
	m.mu.Lock()
	m.calls = append(m.calls, address+":"+item.Title)
	m.mu.Unlock()
	return nil
}

func (m *mockSender) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type testEnv struct {
	server *Server
	sender *mockSender
	reg    *destination.Registry
	queue  *dispatch.Queue
	bulk   *bulk.Dispatcher
	sched  *scheduler.Scheduler
	clock  *clock.Manual
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := &memStore{docs: make(map[string][]byte)}
	clk := clock.NewManual(testNow)
	sender := &mockSender{}

	reg := destination.NewRegistry(ms, logger)
	fanout := dispatch.NewFanout(reg, dispatch.Adapters{
		destination.KindTelegram: sender,
		destination.KindWhatsApp: sender,
	}, clk, logger)
	q := dispatch.NewQueue(fanout, clk, ms, 0, logger)
	b := bulk.New(sender, clk, ms, bulk.Config{Kind: destination.KindWhatsApp}, logger)
	sched := scheduler.New(fanout.ForEngine("scheduler"), clk, ms, scheduler.Config{Location: time.UTC}, logger)
	if err := sched.Start(nil); err != nil {
		t.Fatalf("scheduler Start() error = %v", err)
	}
	t.Cleanup(sched.Stop)

	if cfg == nil {
		cfg = &config.APIConfig{ListenAddr: ":8080"}
	}
	server := NewServer(Services{
		Destinations: reg,
		Queue:        q,
		Bulk:         b,
		Scheduler:    sched,
		Clock:        clk,
		Version:      "test",
	}, cfg, logger)

	return &testEnv{server: server, sender: sender, reg: reg, queue: q, bulk: b, sched: sched, clock: clk}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("HealthResponse = %+v", resp)
	}
	if resp.Queue == nil || resp.Queue.Running {
		t.Errorf("Queue = %+v, want idle queue", resp.Queue)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		cfg    *config.APIConfig
		header string
		value  string
		want   int
	}{
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
		{"no auth", &config.APIConfig{APIKey: "secret-key"}, "", "", http.StatusUnauthorized},
		{"wrong key", &config.APIConfig{APIKey: "secret-key"}, "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"correct key", &config.APIConfig{APIKey: "secret-key"}, "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", &config.APIConfig{APIKey: "secret-key"}, "X-API-Key", "secret-key", http.StatusOK},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "Authorization", "Bearer hashed-key", http.StatusOK},
		{"bcrypt hash wrong key", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.cfg)
			req := httptest.NewRequest("GET", "/api/v1/destinations", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	env := setupTestServer(t, &config.APIConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	req := httptest.NewRequest("GET", "/api/v1/destinations", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusForbidden)
	}

	// health stays reachable for liveness checks
	if w := env.do(t, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestDestinationEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/v1/destinations", `{"name":"Offers","kind":"telegram","address":"@offers"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create Status = %d, want %d. Body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	created := decode[destination.Destination](t, w)
	if created.ID == "" || !created.Enabled {
		t.Errorf("created = %+v, want id and enabled", created)
	}

	w = env.do(t, "POST", "/api/v1/destinations/"+created.ID+"/disable", "")
	if w.Code != http.StatusOK || decode[destination.Destination](t, w).Enabled {
		t.Errorf("disable Status = %d", w.Code)
	}

	w = env.do(t, "PATCH", "/api/v1/destinations/"+created.ID, `{"name":"Daily offers","enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if got := decode[destination.Destination](t, w); got.Name != "Daily offers" || !got.Enabled {
		t.Errorf("patched = %+v", got)
	}

	w = env.do(t, "GET", "/api/v1/destinations", "")
	list := decode[map[string][]destination.Destination](t, w)
	if len(list["destinations"]) != 1 {
		t.Errorf("list = %+v, want 1 destination", list)
	}

	if w := env.do(t, "DELETE", "/api/v1/destinations/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := env.do(t, "GET", "/api/v1/destinations/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDestinationValidation(t *testing.T) {
	env := setupTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{invalid}`, http.StatusBadRequest},
		{"unknown kind", `{"name":"x","kind":"fax","address":"1"}`, http.StatusBadRequest},
		{"missing address", `{"name":"x","kind":"telegram"}`, http.StatusBadRequest},
		{"missing name", `{"kind":"telegram","address":"1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/destinations", tt.body); w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := env.do(t, "PATCH", "/api/v1/destinations/missing", `{"name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("patch missing Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestQueueDrain(t *testing.T) {
	env := setupTestServer(t, nil)
	env.reg.Add(destination.Destination{Name: "A", Kind: destination.KindTelegram, Address: "-100", Enabled: true})
	env.reg.Add(destination.Destination{Name: "B", Kind: destination.KindWhatsApp, Address: "5511999999999", Enabled: true})

	w := env.do(t, "POST", "/api/v1/queue/items", `{"items":[{"title":"one","body":"1"},{"title":"two","body":"2"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if resp := decode[QueueResponse](t, w); len(resp.Items) != 2 || resp.Items[0].ID == "" {
		t.Errorf("enqueued = %+v", resp.Items)
	}

	if w := env.do(t, "POST", "/api/v1/queue/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if err := env.queue.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	want := []string{"-100:one", "5511999999999:one", "-100:two", "5511999999999:two"}
	got := env.sender.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	w = env.do(t, "GET", "/api/v1/queue", "")
	st := decode[QueueResponse](t, w).Status
	if st.Running || st.Current != 2 || st.Sent != 4 {
		t.Errorf("status = %+v", st)
	}

	// drained queue has nothing to start
	if w := env.do(t, "POST", "/api/v1/queue/start", ""); w.Code != http.StatusBadRequest {
		t.Errorf("start drained Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestQueueStartStopClear(t *testing.T) {
	env := setupTestServer(t, nil)
	env.reg.Add(destination.Destination{Name: "A", Kind: destination.KindTelegram, Address: "-100", Enabled: true})

	if w := env.do(t, "PUT", "/api/v1/queue/interval", `{"interval_seconds":3600}`); w.Code != http.StatusOK {
		t.Fatalf("interval Status = %d", w.Code)
	}
	env.do(t, "POST", "/api/v1/queue/items", `{"items":[{"title":"one","body":"1"},{"title":"two","body":"2"}]}`)

	if w := env.do(t, "POST", "/api/v1/queue/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start Status = %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.queue.Status().Current != 1 || env.clock.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for first item")
		}
		time.Sleep(time.Millisecond)
	}

	if w := env.do(t, "POST", "/api/v1/queue/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start Status = %d, want %d", w.Code, http.StatusConflict)
	}

	w := env.do(t, "POST", "/api/v1/queue/stop", "")
	if resp := decode[map[string]any](t, w); resp["stopped"] != true {
		t.Errorf("stop = %v, want stopped", resp)
	}
	w = env.do(t, "POST", "/api/v1/queue/stop", "")
	if resp := decode[map[string]any](t, w); resp["stopped"] != false {
		t.Errorf("second stop = %v, want not stopped", resp)
	}

	if w := env.do(t, "DELETE", "/api/v1/queue", ""); w.Code != http.StatusNoContent {
		t.Errorf("clear Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if st := env.queue.Status(); st.Total != 0 || st.Current != 0 {
		t.Errorf("status after clear = %+v", st)
	}
	if len(env.sender.Calls()) != 1 {
		t.Errorf("calls = %v, want only the first item", env.sender.Calls())
	}
}

func TestQueueValidation(t *testing.T) {
	env := setupTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"invalid json", "POST", "/api/v1/queue/items", `{`},
		{"no items", "POST", "/api/v1/queue/items", `{"items":[]}`},
		{"blank body", "POST", "/api/v1/queue/items", `{"items":[{"title":"t","body":"  "}]}`},
		{"empty queue start", "POST", "/api/v1/queue/start", ``},
		{"negative interval", "PUT", "/api/v1/queue/interval", `{"interval_seconds":-1}`},
		{"missing interval", "PUT", "/api/v1/queue/interval", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
	if len(env.queue.Items()) != 0 {
		t.Error("invalid requests enqueued items")
	}
}

func TestBulkEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)

	if w := env.do(t, "GET", "/api/v1/bulk", ""); w.Code != http.StatusNotFound {
		t.Errorf("status before job = %d, want %d", w.Code, http.StatusNotFound)
	}

	w := env.do(t, "POST", "/api/v1/bulk/parse", `{"recipients":"5511999999999,notanumber\n5511888888888"}`)
	parsed := decode[ParseResponse](t, w)
	if parsed.Count != 2 {
		t.Errorf("parse = %+v, want 2 recipients", parsed)
	}

	tests := []struct {
		name string
		body string
	}{
		{"no valid recipients", `{"recipients":"abc","body":"hi"}`},
		{"blank body", `{"recipients":"5511999999999","body":" "}`},
		{"negative interval", `{"recipients":"5511999999999","body":"hi","interval_seconds":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/bulk", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
	if len(env.sender.Calls()) != 0 {
		t.Fatalf("validation failures sent messages: %v", env.sender.Calls())
	}

	w = env.do(t, "POST", "/api/v1/bulk", `{"recipients":"5511999999999,notanumber\n5511888888888","body":"hi","interval_seconds":0}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if err := env.bulk.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	job := decode[bulk.Job](t, env.do(t, "GET", "/api/v1/bulk", ""))
	if job.Stats.Total != 2 || job.Stats.Sent != 2 || job.Running {
		t.Errorf("job = %+v", job.Stats)
	}

	w = env.do(t, "POST", "/api/v1/bulk/stop", "")
	if resp := decode[map[string]bool](t, w); resp["stopped"] {
		t.Error("stop on finished job reported stopped")
	}
}

func TestScheduleEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)
	future := testNow.Add(time.Hour).Format(time.RFC3339)
	past := testNow.Add(-time.Minute).Format(time.RFC3339)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"past time", `{"payload":{"title":"t","body":"b"},"scheduled_for":"` + past + `"}`, http.StatusBadRequest},
		{"now", `{"payload":{"title":"t","body":"b"},"scheduled_for":"` + testNow.Format(time.RFC3339) + `"}`, http.StatusBadRequest},
		{"missing time", `{"payload":{"title":"t","body":"b"}}`, http.StatusBadRequest},
		{"blank payload", `{"payload":{"title":"t"},"scheduled_for":"` + future + `"}`, http.StatusBadRequest},
		{"bad unit", `{"payload":{"body":"b"},"scheduled_for":"` + future + `","recurrence":{"unit":"year","interval":1}}`, http.StatusBadRequest},
		{"zero interval", `{"payload":{"body":"b"},"scheduled_for":"` + future + `","recurrence":{"unit":"day","interval":0}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/schedules", tt.body); w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := env.do(t, "POST", "/api/v1/schedules", `{"payload":{"title":"Promo","body":"b"},"scheduled_for":"`+future+`","recurrence":{"unit":"week","interval":1}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create Status = %d. Body: %s", w.Code, w.Body.String())
	}
	entry := decode[scheduler.Entry](t, w)
	if entry.Status != scheduler.StatusPending || entry.Recurrence == nil {
		t.Errorf("entry = %+v", entry)
	}

	if w := env.do(t, "GET", "/api/v1/schedules/"+entry.ID, ""); w.Code != http.StatusOK {
		t.Errorf("get Status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/schedules/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("get unknown Status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := env.do(t, "GET", "/api/v1/schedules?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad filter Status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	list := decode[map[string][]scheduler.Entry](t, env.do(t, "GET", "/api/v1/schedules?status=pending", ""))
	if len(list["schedules"]) != 1 {
		t.Errorf("pending list = %d entries, want 1", len(list["schedules"]))
	}

	w = env.do(t, "POST", "/api/v1/schedules/"+entry.ID+"/cancel", "")
	if w.Code != http.StatusOK || decode[scheduler.Entry](t, w).Status != scheduler.StatusCancelled {
		t.Errorf("cancel Status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/schedules/"+entry.ID+"/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("second cancel Status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := env.do(t, "POST", "/api/v1/schedules/unknown/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown Status = %d, want %d", w.Code, http.StatusNotFound)
	}

	// nothing fires after cancel
	env.clock.Advance(2 * time.Hour)
	if len(env.sender.Calls()) != 0 {
		t.Errorf("cancelled entry sent: %v", env.sender.Calls())
	}
}
