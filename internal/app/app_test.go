package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/config"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

func testConfig(t *testing.T, dir, extra string) *config.Config {
	t.Helper()
	data := `
storage:
  path: ` + filepath.Join(dir, "state.db") + `
  flush_interval: 10ms
logging:
  level: error
  format: text
scheduler:
  timezone: UTC
  retention: 24h
transports:
  telegram:
    token: "123:abc"
` + extra
	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestNewSeedsDestinationsOnce(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig(t, dir, `
destinations:
  - name: Offers
    kind: telegram
    address: "@offers"
  - name: Archive
    kind: telegram
    address: "-1001"
    enabled: false
`)
	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	list := a.registry.List()
	if len(list) != 2 {
		t.Fatalf("destinations = %d, want 2", len(list))
	}
	if !list[0].Enabled || list[1].Enabled {
		t.Errorf("enabled flags = %v, %v, want true, false", list[0].Enabled, list[1].Enabled)
	}
	a.queue.Enqueue(dispatch.Item{Title: "kept", Body: "b"})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// a non-empty registry is never reseeded
	cfg = testConfig(t, dir, `
destinations:
  - name: Other
    kind: telegram
    address: "@other"
`)
	a, err = New(cfg, "test")
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer a.Shutdown(context.Background())

	list = a.registry.List()
	if len(list) != 2 || list[0].Name != "Offers" {
		t.Errorf("destinations after restart = %+v", list)
	}
	if st := a.queue.Status(); st.Total != 1 || st.NextItemTitle != "kept" {
		t.Errorf("queue after restart = %+v", st)
	}
}

func TestNewInvalidSeed(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), "")
	cfg.Destinations = []config.DestinationConfig{{Name: "", Kind: "telegram", Address: "1"}}

	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("New() expected error for invalid seed")
	}
}

func TestBuildAdapters(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	adapters, err := buildAdapters(config.TransportsConfig{
		Telegram: &config.TelegramConfig{Token: "123:abc"},
		WhatsApp: &config.WhatsAppConfig{BaseURL: "http://localhost:8081", Instance: "main", APIKey: "k"},
		Email:    &config.EmailConfig{Host: "localhost", Port: 25, From: "news@example.com", TLS: "none"},
	}, logger)
	if err != nil {
		t.Fatalf("buildAdapters() error = %v", err)
	}
	for _, k := range []destination.Kind{destination.KindTelegram, destination.KindWhatsApp, destination.KindEmail} {
		if adapters[k] == nil {
			t.Errorf("adapter %s missing", k)
		}
	}

	_, err = buildAdapters(config.TransportsConfig{
		Email: &config.EmailConfig{
			Host: "localhost", Port: 25, From: "news@example.com", TLS: "none",
			DKIM: &config.DKIMConfig{Enabled: true, Domain: "example.com", Selector: "s1", KeyFile: "/nonexistent/key.pem"},
		},
	}, logger)
	if err == nil {
		t.Error("buildAdapters() expected error for missing DKIM key")
	}
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aci.log")
	logger := SetupLogger(config.LoggingConfig{
		Level:  "warn",
		Format: "json",
		File:   &config.FileLogConfig{Path: path, MaxSizeMB: 1},
	})

	logger.Info("hidden")
	logger.Warn("visible", "component", "test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, `"msg":"visible"`) {
		t.Errorf("log file = %q, want visible record", out)
	}
}

func TestRetentionJob(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), "")
	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if n := len(a.cron.Entries()); n != 1 {
		t.Fatalf("cron entries = %d, want 1", n)
	}
	next := a.cron.Entries()[0].Schedule.Next(time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC))
	if want := time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next cleanup = %v, want %v", next, want)
	}
}
