package store

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Writer persists documents in the background. Each Persist call
// snapshots the value immediately; only the latest snapshot per key is
// written. A write happens at most one debounce interval after the first
// unsaved change, however often updates keep arriving.
type Writer struct {
	store    *Store
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string][]byte

	writeMu sync.Mutex
	signal  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWriter creates a background writer for s
func NewWriter(s *Store, debounce time.Duration, logger *slog.Logger) *Writer {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Writer{
		store:    s,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string][]byte),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop()
	})
}

// Persist schedules v to be written under key. Marshal failures are
// logged and dropped.
func (w *Writer) Persist(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("failed to marshal document", "key", key, "error", err)
		return
	}

	w.mu.Lock()
	w.pending[key] = data
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Flush writes all pending documents now
func (w *Writer) Flush() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string][]byte)
	w.mu.Unlock()

	var firstErr error
	for key, data := range batch {
		if err := w.store.put(key, data); err != nil {
			w.logger.Error("failed to persist document", "key", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop flushes pending writes and stops the loop
func (w *Writer) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
	return w.Flush()
}

func (w *Writer) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	// armed while a flush is scheduled; later signals join that flush
	armed := false
	for {
		select {
		case <-w.signal:
			if !armed {
				timer.Reset(w.debounce)
				armed = true
			}
		case <-timer.C:
			armed = false
			w.Flush()
		case <-w.stopCh:
			timer.Stop()
			return
		}
	}
}
