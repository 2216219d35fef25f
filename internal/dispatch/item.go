// Package dispatch fans message items out to destinations and drains an
// ordered queue of items with a fixed delay between them.
package dispatch

import (
	"context"
	"strings"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
)

// Item is one message payload. It is immutable once enqueued.
type Item struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	MediaURL  string `json:"media_url,omitempty"`
	TargetURL string `json:"target_url,omitempty"`
}

// Validate checks that the item carries some content
func (i Item) Validate() error {
	if strings.TrimSpace(i.Body) == "" && strings.TrimSpace(i.MediaURL) == "" {
		return NewValidationError("body", "message body is blank")
	}
	return nil
}

// Text returns the message text: the title on its own line followed by
// the body.
func (i Item) Text() string {
	title := strings.TrimSpace(i.Title)
	body := strings.TrimSpace(i.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}

// Sender delivers one item to one address over one transport
type Sender interface {
	Send(ctx context.Context, address string, item Item) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, address string, item Item) error

func (f SenderFunc) Send(ctx context.Context, address string, item Item) error {
	return f(ctx, address, item)
}

// Adapters maps each transport kind to its sender
type Adapters map[destination.Kind]Sender
