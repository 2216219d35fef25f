// Package scheduler fires future-dated dispatches at their wall-clock
// time, with optional calendar recurrence.
//
// Entries move pending -> sent or pending -> cancelled and never leave a
// terminal state. A recurring entry that fires is kept as sent and a new
// pending entry is appended for the next occurrence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/metrics"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/store"
)

// DocumentKey is the store key of the persisted entries
const DocumentKey = "schedules"

var (
	ErrNotFound = errors.New("scheduled entry not found")
	// ErrNotPending reports a cancel on an entry that already fired or
	// was cancelled. Nothing changes.
	ErrNotPending = errors.New("scheduled entry is not pending")
)

// Status of a scheduled entry
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// Entry is one scheduled dispatch
type Entry struct {
	ID           string        `json:"id"`
	Payload      dispatch.Item `json:"payload"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Recurrence   *Recurrence   `json:"recurrence,omitempty"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`

	SeriesID    string    `json:"series_id"`
	SeriesStart time.Time `json:"series_start"`
	Occurrence  int       `json:"occurrence"`
	PreviousID  string    `json:"previous_id,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Delivered   int        `json:"delivered"`
	Failed      int        `json:"failed"`
	LastError   string     `json:"last_error,omitempty"`
}

func (e *Entry) clone() Entry {
	c := *e
	if e.Recurrence != nil {
		r := *e.Recurrence
		c.Recurrence = &r
	}
	return c
}

// Filter narrows List results; zero fields match everything
type Filter struct {
	Status   Status
	SeriesID string
}

// Config configures a Scheduler
type Config struct {
	// Location is the calendar used for recurrence arithmetic
	Location *time.Location
	// DriftThreshold is the lateness above which a firing is logged
	DriftThreshold time.Duration
}

// Scheduler owns scheduled entries and their timers
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*Entry
	timers  map[string]clock.Timer
	firing  map[string]bool
	stopped bool

	deliver        dispatch.Deliverer
	clock          clock.Clock
	persist        store.Persister
	loc            *time.Location
	driftThreshold time.Duration
	logger         *slog.Logger
}

// New creates a scheduler delivering through deliver
func New(deliver dispatch.Deliverer, clk clock.Clock, persist store.Persister, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = time.Second
	}
	return &Scheduler{
		entries:        make(map[string]*Entry),
		timers:         make(map[string]clock.Timer),
		firing:         make(map[string]bool),
		deliver:        deliver,
		clock:          clk,
		persist:        persist,
		loc:            cfg.Location,
		driftThreshold: cfg.DriftThreshold,
		logger:         logger,
	}
}

// CheckFuture is the caller-side check that at is strictly after now
func CheckFuture(now, at time.Time) error {
	if !at.After(now) {
		return dispatch.NewValidationError("scheduled_for", "must be in the future")
	}
	return nil
}

// Start loads persisted entries and arms every pending one. Entries
// already overdue fire immediately.
func (s *Scheduler) Start(loader store.Loader) error {
	var entries []Entry
	if loader != nil {
		if _, err := loader.Load(DocumentKey, &entries); err != nil {
			return fmt.Errorf("failed to load schedules: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = false
	for i := range entries {
		e := entries[i]
		if _, exists := s.entries[e.ID]; exists {
			continue
		}
		if e.Recurrence != nil {
			first := e.SeriesStart
			if first.IsZero() {
				first = e.ScheduledFor
			}
			if err := e.Recurrence.Validate(first); err != nil {
				s.logger.Warn("dropping invalid recurrence from stored entry", "id", e.ID, "series_id", e.SeriesID, "error", err)
				e.Recurrence = nil
			}
		}
		s.entries[e.ID] = &e
	}

	pending := 0
	for _, e := range s.entries {
		if e.Status == StatusPending {
			s.armLocked(e)
			pending++
		}
	}
	s.saveLocked()

	s.logger.Info("scheduler started", "entries", len(s.entries), "pending", pending)
	return nil
}

// Stop disarms every timer. Statuses are left untouched so a later
// Start re-arms them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("scheduler stopped")
}

// Schedule adds a pending entry for at and arms it. A time that is not
// in the future fires immediately; callers that must reject it use
// CheckFuture first.
func (s *Scheduler) Schedule(payload dispatch.Item, at time.Time, rec *Recurrence) (Entry, error) {
	if at.IsZero() {
		return Entry{}, dispatch.NewValidationError("scheduled_for", "is required")
	}
	if err := payload.Validate(); err != nil {
		return Entry{}, err
	}
	if rec != nil {
		r := *rec
		if err := r.Validate(at); err != nil {
			return Entry{}, err
		}
		rec = &r
	}
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}

	at = at.In(s.loc)
	e := &Entry{
		ID:           uuid.New().String(),
		Payload:      payload,
		ScheduledFor: at,
		Recurrence:   rec,
		Status:       StatusPending,
		CreatedAt:    s.clock.Now(),
		SeriesStart:  at,
	}
	e.SeriesID = e.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.ID] = e
	s.armLocked(e)
	s.saveLocked()

	s.logger.Info("entry scheduled",
		"id", e.ID,
		"title", payload.Title,
		"scheduled_for", e.ScheduledFor,
		"recurring", rec != nil,
	)
	return e.clone(), nil
}

// Cancel clears the timer of a pending entry and marks it cancelled.
// Entries that already fired, are firing, or were cancelled are left
// unchanged and ErrNotPending is returned with their current state.
func (s *Scheduler) Cancel(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusPending || s.firing[id] {
		return e.clone(), ErrNotPending
	}

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	now := s.clock.Now()
	e.Status = StatusCancelled
	e.CancelledAt = &now
	s.saveLocked()

	metrics.IncSchedulerCancelled()
	s.logger.Info("entry cancelled", "id", id)
	return e.clone(), nil
}

// Get returns an entry by id
func (s *Scheduler) Get(id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.clone(), nil
}

// List returns matching entries ordered by scheduled time
func (s *Scheduler) List(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.SeriesID != "" && e.SeriesID != f.SeriesID {
			continue
		}
		out = append(out, e.clone())
	}
	sortEntries(out)
	return out
}

// Prune drops terminal entries that finished before cutoff. Pending
// entries are never removed.
func (s *Scheduler) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		var finished *time.Time
		switch e.Status {
		case StatusSent:
			finished = e.SentAt
		case StatusCancelled:
			finished = e.CancelledAt
		default:
			continue
		}
		if finished == nil {
			finished = &e.ScheduledFor
		}
		if finished.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.saveLocked()
		s.logger.Info("pruned scheduled entries", "removed", removed, "cutoff", cutoff)
	}
	return removed
}

func (s *Scheduler) armLocked(e *Entry) {
	if s.stopped {
		return
	}
	if t, ok := s.timers[e.ID]; ok {
		t.Stop()
	}

	delay := e.ScheduledFor.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id := e.ID
	s.timers[id] = s.clock.AfterFunc(delay, func() { s.fire(id) })
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.Status != StatusPending || s.stopped || s.firing[id] {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.firing[id] = true
	payload := e.Payload
	target := e.ScheduledFor
	s.mu.Unlock()

	drift := dispatch.SchedulingDrift{Target: target, Fired: s.clock.Now()}
	if drift.Late() > s.driftThreshold {
		s.logger.Debug("scheduled entry fired late", "id", id, "error", drift)
	}
	metrics.ObserveSchedulerFired(drift.Late().Seconds())

	report := s.deliver.Send(context.Background(), payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.firing, id)
	now := s.clock.Now()
	e.Status = StatusSent
	e.SentAt = &now
	e.Delivered = report.Sent
	e.Failed = report.Failed
	for _, r := range report.Results {
		if r.Error != "" {
			e.LastError = r.Error
		}
	}

	s.logger.Info("scheduled entry sent",
		"id", id,
		"title", payload.Title,
		"delivered", report.Sent,
		"failed", report.Failed,
	)

	if e.Recurrence != nil {
		s.spawnNextLocked(e, now)
	}
	s.saveLocked()
}

// spawnNextLocked appends the next occurrence of e's series. Occurrences
// that are already in the past are skipped rather than replayed.
func (s *Scheduler) spawnNextLocked(e *Entry, now time.Time) {
	rec := *e.Recurrence
	start := e.SeriesStart.In(s.loc)

	n := e.Occurrence + 1
	next := rec.Advance(start, n)
	for !next.After(now) {
		n++
		later := rec.Advance(start, n)
		if !later.After(next) {
			s.logger.Error("recurrence does not advance, series stopped", "series_id", e.SeriesID, "unit", rec.Unit, "interval", rec.Interval)
			return
		}
		next = later
	}
	if skipped := n - e.Occurrence - 1; skipped > 0 {
		s.logger.Warn("skipped missed occurrences", "series_id", e.SeriesID, "skipped", skipped)
	}

	if rec.Ended(next) {
		s.logger.Info("recurrence ended", "series_id", e.SeriesID, "end_date", rec.EndDate)
		return
	}

	succ := &Entry{
		ID:           uuid.New().String(),
		Payload:      e.Payload,
		ScheduledFor: next,
		Recurrence:   &rec,
		Status:       StatusPending,
		CreatedAt:    now,
		SeriesID:     e.SeriesID,
		SeriesStart:  e.SeriesStart,
		Occurrence:   n,
		PreviousID:   e.ID,
	}
	s.entries[succ.ID] = succ
	s.armLocked(succ)

	s.logger.Info("next occurrence scheduled", "id", succ.ID, "series_id", succ.SeriesID, "scheduled_for", next)
}

func (s *Scheduler) saveLocked() {
	pending := 0
	all := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Status == StatusPending {
			pending++
		}
		all = append(all, e.clone())
	}
	metrics.SetSchedulerPending(pending)

	if s.persist == nil {
		return
	}
	sortEntries(all)
	s.persist.Persist(DocumentKey, all)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ScheduledFor.Equal(entries[j].ScheduledFor) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
	})
}
