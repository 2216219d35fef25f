package email

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/mail"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	user string
	helo string
	tls  bool
	from string
	to   []string
	data []byte
}

// relay is an in-process SMTP server recording accepted messages
type relay struct {
	mu       sync.Mutex
	messages []received
	password string
	rejectTo string
	tls      *tls.Config
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &relaySession{relay: r, helo: c.Hostname(), tls: isTLS}, nil
}

func (r *relay) Messages() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.messages...)
}

type relaySession struct {
	relay *relay
	user  string
	helo  string
	tls   bool
	cur   received
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if password != s.relay.password {
			return smtp.ErrAuthFailed
		}
		s.user = username
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if to == s.relay.rejectTo {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = data
	s.cur.user = s.user
	s.cur.helo = s.helo
	s.cur.tls = s.tls
	s.relay.mu.Lock()
	s.relay.messages = append(s.relay.messages, s.cur)
	s.relay.mu.Unlock()
	return nil
}

func (s *relaySession) Reset() {
	s.cur = received{}
}

func (s *relaySession) Logout() error {
	return nil
}

func startRelay(t *testing.T, r *relay) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	srv := smtp.NewServer(r)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.TLSConfig = r.tls
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func newTestSender(t *testing.T, r *relay, user string) *Sender {
	t.Helper()
	return newTLSTestSender(t, r, user, TLSNone)
}

func newTLSTestSender(t *testing.T, r *relay, user, mode string) *Sender {
	t.Helper()
	host, port := startRelay(t, r)
	s, err := New(Config{
		Host:               host,
		Port:               port,
		Username:           user,
		Password:           "pw",
		From:               "Offers <offers@shop.example.com>",
		Hostname:           "sender.test",
		TLS:                mode,
		InsecureSkipVerify: true,
		Timeout:            5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing host", Config{From: "a@b.c"}},
		{"bad from", Config{Host: "localhost", From: "not an address"}},
		{"bad tls mode", Config{Host: "localhost", From: "a@b.c", TLS: "ssl3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, testLogger()); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestSend(t *testing.T) {
	r := &relay{password: "pw"}
	s := newTestSender(t, r, "mailer")

	item := dispatch.Item{ID: "i1", Title: "Flash sale", Body: "Everything 20% off", TargetURL: "https://shop.example.com/sale"}
	if err := s.Send(context.Background(), "customer@example.org", item); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("relay got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.user != "mailer" {
		t.Errorf("auth user = %q, want mailer", m.user)
	}
	if m.from != "offers@shop.example.com" || len(m.to) != 1 || m.to[0] != "customer@example.org" {
		t.Errorf("envelope = %s -> %v", m.from, m.to)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(m.data))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got := parsed.Header.Get("Subject"); got != "Flash sale" {
		t.Errorf("Subject = %q, want Flash sale", got)
	}
	body, _ := io.ReadAll(parsed.Body)
	if !strings.Contains(string(body), "https://shop.example.com/sale") {
		t.Errorf("body = %q, want target url", body)
	}
}

// selfSignedTLS returns a server config with a throwaway certificate for 127.0.0.1
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestSendStartTLS(t *testing.T) {
	r := &relay{password: "pw", tls: selfSignedTLS(t)}
	s := newTLSTestSender(t, r, "mailer", TLSStartTLS)

	if err := s.Send(context.Background(), "customer@example.org", dispatch.Item{Title: "Hi", Body: "over tls"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("relay got %d messages, want 1", len(msgs))
	}
	if !msgs[0].tls {
		t.Error("message was submitted without TLS")
	}
	if msgs[0].user != "mailer" {
		t.Errorf("auth user = %q, want mailer", msgs[0].user)
	}
	if msgs[0].helo != "sender.test" {
		t.Errorf("EHLO name = %q, want sender.test", msgs[0].helo)
	}
}

func TestSendStartTLSUnsupported(t *testing.T) {
	r := &relay{password: "pw"}
	s := newTLSTestSender(t, r, "", TLSStartTLS)

	err := s.Send(context.Background(), "customer@example.org", dispatch.Item{Body: "x"})
	var sf *dispatch.SendFailure
	if !errors.As(err, &sf) {
		t.Fatalf("Send() error = %v, want SendFailure", err)
	}
	if !strings.Contains(err.Error(), "STARTTLS") {
		t.Errorf("Send() error = %v, want STARTTLS stage", err)
	}
	if len(r.Messages()) != 0 {
		t.Error("relay accepted a plaintext message in starttls mode")
	}
}

func TestSendFailures(t *testing.T) {
	tests := []struct {
		name     string
		password string
		address  string
		wantCode int
	}{
		{"invalid address", "pw", "not-an-email", 0},
		{"rejected recipient", "pw", "gone@example.org", 550},
		{"bad credentials", "other", "customer@example.org", 535},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &relay{password: tt.password, rejectTo: "gone@example.org"}
			s := newTestSender(t, r, "mailer")

			err := s.Send(context.Background(), tt.address, dispatch.Item{Body: "x"})
			var sf *dispatch.SendFailure
			if !errors.As(err, &sf) {
				t.Fatalf("Send() error = %v, want SendFailure", err)
			}
			if sf.Kind != destination.KindEmail {
				t.Errorf("Kind = %v, want email", sf.Kind)
			}
			if tt.wantCode != 0 && ReplyCode(err) != tt.wantCode {
				t.Errorf("ReplyCode() = %d, want %d", ReplyCode(err), tt.wantCode)
			}
			if len(r.Messages()) != 0 {
				t.Error("relay accepted a message")
			}
		})
	}
}

func TestSendSigned(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "dkim", "shop.key")
	if err := SaveKey(key, path); err != nil {
		t.Fatalf("SaveKey() error = %v", err)
	}
	signer, err := NewSignerFromFile(path, "shop.example.com", "aci")
	if err != nil {
		t.Fatalf("NewSignerFromFile() error = %v", err)
	}

	r := &relay{password: "pw"}
	s := newTestSender(t, r, "")
	s.SetSigner(signer)

	if err := s.Send(context.Background(), "customer@example.org", dispatch.Item{Title: "Hi", Body: "signed"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	name, value, err := DNSRecord(key, "shop.example.com", "aci")
	if err != nil {
		t.Fatalf("DNSRecord() error = %v", err)
	}
	if name != "aci._domainkey.shop.example.com" {
		t.Errorf("DNSRecord() name = %q", name)
	}

	msgs := r.Messages()
	if len(msgs) != 1 {
		t.Fatalf("relay got %d messages, want 1", len(msgs))
	}
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(msgs[0].data), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != name {
				return nil, errors.New("no such record")
			}
			return []string{value}, nil
		},
	})
	if err != nil {
		t.Fatalf("VerifyWithOptions() error = %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Errorf("verifications = %+v, want one valid signature", verifications)
	}
}

func TestLoadKeyErrors(t *testing.T) {
	if _, err := LoadKey("/nonexistent/key.pem"); err == nil {
		t.Error("LoadKey() on missing file succeeded")
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		item dispatch.Item
		want string
	}{
		{"title", dispatch.Item{Title: " Deal ", Body: "x"}, "Deal"},
		{"first body line", dispatch.Item{Body: "Line one\nLine two"}, "Line one"},
		{"truncated", dispatch.Item{Title: strings.Repeat("a", 100)}, strings.Repeat("a", 75) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Subject(tt.item); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}
