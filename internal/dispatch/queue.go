package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/metrics"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/store"
)

// QueueDocumentKey is the store key of the persisted queue
const QueueDocumentKey = "dispatch_queue"

// State of the queue drain loop
type State string

const (
	// StateIdle: no timer armed and no send owned by the current run
	StateIdle State = "idle"
	// StateRunning: waiting on the inter-item timer
	StateRunning State = "running"
	// StateDraining: an item is being fanned out
	StateDraining State = "draining"
)

// Deliverer sends one item to every enabled destination
type Deliverer interface {
	Send(ctx context.Context, item Item) Report
}

// Status is a read-only snapshot of the queue
type Status struct {
	Total         int           `json:"total"`
	Current       int           `json:"current"`
	Remaining     int           `json:"remaining"`
	Running       bool          `json:"running"`
	State         State         `json:"state"`
	NextItemTitle string        `json:"next_item_title,omitempty"`
	Interval      time.Duration `json:"interval"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	LastReport    *Report       `json:"last_report,omitempty"`
}

type queueDocument struct {
	Items    []Item        `json:"items"`
	Cursor   int           `json:"cursor"`
	Interval time.Duration `json:"interval"`
}

// Queue is an ordered list of items drained one at a time. Each item is
// fanned out, then the next one is scheduled interval later, so a slow
// send stretches the pacing instead of overlapping.
//
// Stop and Clear bump the run generation so stale timer callbacks are
// ignored. A send already in flight is never aborted: its result is
// recorded and it still advances the cursor unless the queue was cleared.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	cursor   int
	interval time.Duration
	state    State
	timer    clock.Timer
	gen      uint64
	epoch    uint64
	inflight bool
	idle     chan struct{}

	sent   int
	failed int
	last   *Report

	deliver Deliverer
	clock   clock.Clock
	persist store.Persister
	logger  *slog.Logger
}

// NewQueue creates an empty idle queue
func NewQueue(deliver Deliverer, clk clock.Clock, persist store.Persister, interval time.Duration, logger *slog.Logger) *Queue {
	idle := make(chan struct{})
	close(idle)

	return &Queue{
		interval: interval,
		state:    StateIdle,
		idle:     idle,
		deliver:  deliver,
		clock:    clk,
		persist:  persist,
		logger:   logger,
	}
}

// Restore loads the persisted items and cursor. The queue stays idle.
func (q *Queue) Restore(loader store.Loader) error {
	var doc queueDocument
	found, err := loader.Load(QueueDocumentKey, &doc)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	if !found {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = doc.Items
	q.cursor = min(max(doc.Cursor, 0), len(doc.Items))
	if doc.Interval > 0 {
		q.interval = doc.Interval
	}
	metrics.SetQueueState(len(q.items), q.cursor, false)

	q.logger.Info("queue restored", "items", len(q.items), "cursor", q.cursor)
	return nil
}

// Enqueue appends items to the tail and returns them with ids assigned.
// Cursor and state are untouched; duplicates are sent independently.
func (q *Queue) Enqueue(items ...Item) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		added = append(added, it)
	}
	q.items = append(q.items, added...)
	q.saveLocked()

	q.logger.Info("items enqueued", "count", len(added), "total", len(q.items))
	return added
}

// SetInterval changes the delay used for the next armed timer
func (q *Queue) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.mu.Lock()
	q.interval = d
	q.saveLocked()
	q.mu.Unlock()
}

// Start begins draining from the cursor. It returns ErrAlreadyRunning if a
// run is active and ErrEmptyQueue if nothing is pending; neither changes
// any state.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateIdle {
		return ErrAlreadyRunning
	}
	if q.cursor >= len(q.items) {
		return ErrEmptyQueue
	}

	q.gen++
	q.state = StateRunning
	q.idle = make(chan struct{})

	// With a send still in flight from a stopped run, its completion arms
	// the next step.
	if !q.inflight {
		gen := q.gen
		q.timer = q.clock.AfterFunc(0, func() { q.step(gen) })
	}
	q.saveLocked()

	q.logger.Info("queue started", "cursor", q.cursor, "total", len(q.items), "interval", q.interval)
	return nil
}

// Stop cancels the pending timer. The cursor is kept so Start resumes
// where the queue left off. It reports whether a run was active.
func (q *Queue) Stop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateIdle {
		return false
	}
	q.stopLocked()
	q.logger.Info("queue stopped", "cursor", q.cursor, "total", len(q.items))
	return true
}

// Clear stops the queue and drops every item
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateIdle {
		q.stopLocked()
	}
	q.items = nil
	q.cursor = 0
	q.epoch++
	q.saveLocked()

	q.logger.Info("queue cleared")
}

// Status returns a snapshot of the queue
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		Total:      len(q.items),
		Current:    q.cursor,
		Remaining:  len(q.items) - q.cursor,
		Running:    q.state != StateIdle,
		State:      q.state,
		Interval:   q.interval,
		Sent:       q.sent,
		Failed:     q.failed,
		LastReport: q.last,
	}
	if q.cursor < len(q.items) {
		st.NextItemTitle = q.items[q.cursor].Title
	}
	return st
}

// Items returns a copy of the queued items
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Wait blocks until the queue is idle or ctx is done
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) step(gen uint64) {
	q.mu.Lock()
	if gen != q.gen || q.state != StateRunning || q.inflight {
		q.mu.Unlock()
		return
	}
	if q.cursor >= len(q.items) {
		q.setIdleLocked()
		q.mu.Unlock()
		return
	}

	item := q.items[q.cursor]
	epoch := q.epoch
	index := q.cursor
	q.timer = nil
	q.inflight = true
	q.state = StateDraining
	q.mu.Unlock()

	report := q.deliver.Send(context.Background(), item)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight = false
	q.sent += report.Sent
	q.failed += report.Failed
	q.last = &report
	if epoch == q.epoch {
		q.cursor++
	}

	q.logger.Info("item dispatched",
		"index", index,
		"title", item.Title,
		"sent", report.Sent,
		"failed", report.Failed,
	)

	switch {
	case q.state == StateIdle:
		// stopped or cleared while the send was in flight
		q.saveLocked()
	case gen != q.gen:
		// stopped and started again while in flight
		q.armLocked(q.gen)
	default:
		q.armLocked(gen)
	}
}

func (q *Queue) armLocked(gen uint64) {
	if q.cursor >= len(q.items) {
		q.setIdleLocked()
		q.logger.Info("queue drained", "total", len(q.items), "sent", q.sent, "failed", q.failed)
		return
	}
	q.state = StateRunning
	q.timer = q.clock.AfterFunc(q.interval, func() { q.step(gen) })
	q.saveLocked()
}

func (q *Queue) stopLocked() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.setIdleLocked()
}

func (q *Queue) setIdleLocked() {
	if q.state != StateIdle {
		q.state = StateIdle
		close(q.idle)
	}
	q.saveLocked()
}

func (q *Queue) saveLocked() {
	metrics.SetQueueState(len(q.items), q.cursor, q.state != StateIdle)
	if q.persist == nil {
		return
	}
	q.persist.Persist(QueueDocumentKey, queueDocument{
		Items:    append([]Item(nil), q.items...),
		Cursor:   q.cursor,
		Interval: q.interval,
	})
}
