// Package whatsapp delivers dispatch items through an HTTP WhatsApp
// gateway that exposes sendText and sendMedia endpoints per instance.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// Config holds gateway settings
type Config struct {
	BaseURL    string
	Instance   string
	APIKey     string
	RatePerSec int
	Timeout    time.Duration
}

// Sender posts messages to the gateway
type Sender struct {
	baseURL  string
	instance string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a gateway sender
func New(cfg Config, logger *slog.Logger) (*Sender, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid whatsapp base url: %w", err)
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("whatsapp instance is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}

	return &Sender{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		instance: cfg.Instance,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		logger:   logger.With("component", "whatsapp"),
	}, nil
}

type textRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type mediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

// Send delivers one item to one phone number
func (s *Sender) Send(ctx context.Context, address string, item dispatch.Item) error {
	numbers := bulk.ParseRecipients(address)
	if len(numbers) != 1 {
		return &dispatch.SendFailure{Kind: destination.KindWhatsApp, Address: address, Reason: "invalid phone number"}
	}
	number := numbers[0]

	text := item.Text()
	if item.TargetURL != "" {
		text = strings.TrimSpace(text + "\n\n" + item.TargetURL)
	}

	var (
		endpoint string
		payload  any
	)
	if item.MediaURL != "" {
		endpoint = "sendMedia"
		payload = mediaRequest{Number: number, MediaType: "image", Media: item.MediaURL, Caption: text}
	} else {
		endpoint = "sendText"
		payload = textRequest{Number: number, Text: text}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := s.post(ctx, endpoint, payload); err != nil {
		return &dispatch.SendFailure{Kind: destination.KindWhatsApp, Address: address, Reason: err.Error(), Err: err}
	}

	s.logger.Debug("whatsapp message sent", "number", number, "item_id", item.ID)
	return nil
}

func (s *Sender) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/message/%s/%s", s.baseURL, endpoint, url.PathEscape(s.instance))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, gatewayMessage(raw))
}

// gatewayMessage extracts a readable error from the gateway response body
func gatewayMessage(raw []byte) string {
	var parsed struct {
		Message  any    `json:"message"`
		Error    string `json:"error"`
		Response struct {
			Message any `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		for _, m := range []any{parsed.Response.Message, parsed.Message} {
			switch v := m.(type) {
			case string:
				if v != "" {
					return v
				}
			case []any:
				if len(v) > 0 {
					return fmt.Sprint(v...)
				}
			}
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "empty response"
}
