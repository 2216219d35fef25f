// Package email delivers dispatch items by SMTP submission to a relay.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"regexp"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// TLS modes for the relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config holds relay settings
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	Hostname           string
	TLS                string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Sender submits one message per send to the relay
type Sender struct {
	cfg    Config
	from   *mail.Address
	signer *Signer
	logger *slog.Logger
}

// New creates an SMTP sender
func New(cfg Config, logger *slog.Logger) (*Sender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	switch cfg.TLS {
	case "":
		cfg.TLS = TLSStartTLS
	case TLSNone, TLSStartTLS, TLSImplicit:
	default:
		return nil, fmt.Errorf("unknown tls mode %q", cfg.TLS)
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Sender{
		cfg:    cfg,
		from:   from,
		logger: logger.With("component", "email"),
	}, nil
}

// SetSigner enables DKIM signing of outgoing messages
func (s *Sender) SetSigner(signer *Signer) {
	s.signer = signer
}

// Send delivers one item to one mailbox
func (s *Sender) Send(ctx context.Context, address string, item dispatch.Item) error {
	to, err := mail.ParseAddress(address)
	if err != nil {
		return &dispatch.SendFailure{Kind: destination.KindEmail, Address: address, Reason: "invalid email address", Err: err}
	}

	data, err := BuildMessage(s.from, to, item, time.Now())
	if err != nil {
		return &dispatch.SendFailure{Kind: destination.KindEmail, Address: address, Reason: err.Error(), Err: err}
	}

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned", "domain", s.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	if err := s.submit(ctx, to.Address, data); err != nil {
		s.logger.Warn("email delivery failed", "to", to.Address, "smtp_code", ReplyCode(err), "error", err)
		return &dispatch.SendFailure{Kind: destination.KindEmail, Address: address, Reason: err.Error(), Err: err}
	}

	s.logger.Debug("email sent", "to", to.Address, "item_id", item.ID)
	return nil
}

// dial connects to the relay. In starttls mode the connection is upgraded
// before the client is returned, so a relay without STARTTLS is an error.
func (s *Sender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	switch s.cfg.TLS {
	case TLSImplicit:
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn), nil
	case TLSStartTLS:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		client, err := smtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			return nil, stageError("STARTTLS", err)
		}
		return client, nil
	default:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn), nil
	}
}

func (s *Sender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
}

func (s *Sender) submit(ctx context.Context, to string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer client.Close()

	client.CommandTimeout = s.cfg.Timeout
	client.SubmissionTimeout = s.cfg.Timeout

	// closes the connection if the caller gives up mid-conversation
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Hello(s.cfg.Hostname); err != nil {
		return stageError("HELO", err)
	}

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return stageError("AUTH", err)
		}
	}

	if err := client.Mail(s.from.Address, nil); err != nil {
		return stageError("MAIL FROM", err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return stageError("RCPT TO", err)
	}

	wc, err := client.Data()
	if err != nil {
		return stageError("DATA", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return stageError("DATA close", err)
	}

	return client.Quit()
}

// smtpCodePattern matches SMTP reply codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// ReplyCode returns the SMTP reply code carried by err, or 0
func ReplyCode(err error) int {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se.Code
	}
	if err == nil {
		return 0
	}
	m := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(m) < 2 {
		return 0
	}
	var code int
	fmt.Sscan(m[1], &code)
	return code
}

func stageError(stage string, err error) error {
	return fmt.Errorf("%s failed: %w", stage, err)
}
