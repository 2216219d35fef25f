// Package clock abstracts wall-clock time and one-shot timers so the
// dispatch engines can be driven deterministically in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable one-shot timer
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock provides the current time and one-shot timers
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	t := c.AfterFunc(d, func() { close(done) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Manual is a Clock whose time only moves when Advance or Set is called.
// Timers due at or before the new time fire synchronously, in deadline
// order, on the goroutine that moved the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

// NewManual creates a manual clock starting at now
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

type manualTimer struct {
	c       *Manual
	when    time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the current manual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers f to run once the clock reaches now+d.
// Non-positive durations run f on a new goroutine immediately.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{c: m, when: m.now.Add(d), seq: m.seq, f: f}
	if d <= 0 {
		t.fired = true
		go f()
		return t
	}
	m.timers = append(m.timers, t)
	return t
}

// Pending returns the number of armed timers
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires due timers
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to t and fires due timers. Timers armed by a
// firing callback are fired too if they fall due before t.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		next := m.nextDueLocked(t)
		if next == nil {
			if t.After(m.now) {
				m.now = t
			}
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.when.After(m.now) {
			m.now = next.when
		}
		m.mu.Unlock()

		next.f()
	}
}

func (m *Manual) nextDueLocked(t time.Time) *manualTimer {
	live := m.timers[:0]
	for _, tm := range m.timers {
		if !tm.stopped && !tm.fired {
			live = append(live, tm)
		}
	}
	m.timers = live

	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})

	if len(m.timers) == 0 || m.timers[0].when.After(t) {
		return nil
	}
	return m.timers[0]
}
