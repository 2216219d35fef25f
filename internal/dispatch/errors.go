package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
)

var (
	// ErrAlreadyRunning reports a start request on a running engine. It is
	// informational: nothing is started twice.
	ErrAlreadyRunning = errors.New("already running")

	// ErrEmptyQueue is returned by Start when nothing is left to send
	ErrEmptyQueue = &ValidationError{Field: "items", Reason: "queue has no pending items"}
)

// ValidationError is a pre-flight failure surfaced before any send
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SendFailure is one destination's failed delivery. It is recorded and
// never retried.
type SendFailure struct {
	Kind    destination.Kind
	Address string
	Reason  string
	Err     error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to %s %s failed: %s", e.Kind, e.Address, e.Reason)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

// AsSendFailure wraps err into a SendFailure unless it already is one
func AsSendFailure(kind destination.Kind, address string, err error) *SendFailure {
	if err == nil {
		return nil
	}
	var sf *SendFailure
	if errors.As(err, &sf) {
		return sf
	}
	return &SendFailure{Kind: kind, Address: address, Reason: err.Error(), Err: err}
}

// SchedulingDrift describes a timer that fired after its target time.
// It is logged and observed, never returned to callers.
type SchedulingDrift struct {
	Target time.Time
	Fired  time.Time
}

// Late returns how late the timer fired
func (d SchedulingDrift) Late() time.Duration {
	return d.Fired.Sub(d.Target)
}

func (d SchedulingDrift) Error() string {
	return fmt.Sprintf("timer for %s fired %s late", d.Target.Format(time.RFC3339), d.Late().Round(time.Millisecond))
}
