// Package telegram delivers dispatch items through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// captionLimit is the longest photo caption the Bot API accepts
const captionLimit = 1024

// Config holds Telegram sender settings
type Config struct {
	Token          string
	APIURL         string
	ParseMode      string
	ButtonText     string
	DisablePreview bool
	RatePerSec     int
	Timeout        time.Duration
}

// Sender sends items to Telegram chats and channels
type Sender struct {
	bot        *tele.Bot
	limiter    *rate.Limiter
	parseMode  tele.ParseMode
	buttonText string
	noPreview  bool
	logger     *slog.Logger
}

// New creates a Sender. The bot is created offline so no request is made
// until the first send.
func New(cfg Config, logger *slog.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.ButtonText == "" {
		cfg.ButtonText = "Open"
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Sender{
		bot:        bot,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		parseMode:  tele.ParseMode(cfg.ParseMode),
		buttonText: cfg.ButtonText,
		noPreview:  cfg.DisablePreview,
		logger:     logger.With("component", "telegram"),
	}, nil
}

// chat is a Telegram recipient: a numeric chat id or an @channel username
type chat string

func (c chat) Recipient() string {
	return string(c)
}

// ParseAddress validates a destination address and returns the recipient
// form the Bot API expects.
func ParseAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("empty chat address")
	}
	if strings.HasPrefix(address, "@") {
		if len(address) < 2 || strings.ContainsAny(address[1:], " @/") {
			return "", fmt.Errorf("invalid channel username %q", address)
		}
		return address, nil
	}
	if _, err := strconv.ParseInt(address, 10, 64); err != nil {
		return "", fmt.Errorf("invalid chat id %q", address)
	}
	return address, nil
}

// Send delivers one item to one chat
func (s *Sender) Send(ctx context.Context, address string, item dispatch.Item) error {
	to, err := ParseAddress(address)
	if err != nil {
		return &dispatch.SendFailure{Kind: destination.KindTelegram, Address: address, Reason: err.Error(), Err: err}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	opts := &tele.SendOptions{
		ParseMode:             s.parseMode,
		DisableWebPagePreview: s.noPreview,
	}
	if item.TargetURL != "" {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL(s.buttonText, item.TargetURL)))
		opts.ReplyMarkup = rm
	}

	text := item.Text()
	if item.MediaURL == "" {
		if _, err := s.bot.Send(chat(to), text, opts); err != nil {
			return s.failure(address, err)
		}
		return nil
	}

	// captions over the limit go out as a separate text message
	photo := &tele.Photo{File: tele.FromURL(item.MediaURL)}
	overflow := utf8.RuneCountInString(text) > captionLimit
	if !overflow {
		photo.Caption = text
	}
	photoOpts := opts
	if overflow {
		photoOpts = &tele.SendOptions{ParseMode: s.parseMode}
	}
	if _, err := s.bot.Send(chat(to), photo, photoOpts); err != nil {
		return s.failure(address, err)
	}
	if overflow {
		if _, err := s.bot.Send(chat(to), text, opts); err != nil {
			return s.failure(address, err)
		}
	}

	s.logger.Debug("telegram message sent", "chat", to, "item_id", item.ID)
	return nil
}

func (s *Sender) failure(address string, err error) error {
	reason := err.Error()
	var te *tele.Error
	if errors.As(err, &te) {
		reason = fmt.Sprintf("telegram api %d: %s", te.Code, te.Description)
	}
	return &dispatch.SendFailure{Kind: destination.KindTelegram, Address: address, Reason: reason, Err: err}
}
