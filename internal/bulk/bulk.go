// Package bulk sends one message body to a flat list of recipients, one
// at a time, keeping a running log and counters.
//
// Recipients are phone numbers. After notation is stripped a token must
// be 8 to 15 digits long, the E.164 bound; shorter or longer tokens such
// as "12345" are dropped without an error.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/metrics"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/store"
)

// DocumentKey is the store key of the last job snapshot
const DocumentKey = "bulk_job"

// LogStatus classifies a log entry
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogInfo    LogStatus = "info"
)

// LogEntry is one line of the job log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient,omitempty"`
	Text      string    `json:"text"`
	Status    LogStatus `json:"status"`
}

// Stats are the job counters. CurrentIndex is the 1-based position of
// the recipient being processed, so Sent+Errors <= CurrentIndex <= Total.
type Stats struct {
	Total        int `json:"total"`
	Sent         int `json:"sent"`
	Errors       int `json:"errors"`
	CurrentIndex int `json:"current_index"`
}

// Job is a snapshot of a bulk run
type Job struct {
	ID          string        `json:"id"`
	Recipients  []string      `json:"recipients"`
	Body        string        `json:"body"`
	Interval    time.Duration `json:"interval"`
	Stats       Stats         `json:"stats"`
	Log         []LogEntry    `json:"log"`
	Running     bool          `json:"running"`
	Stopped     bool          `json:"stopped"`
	Interrupted bool          `json:"interrupted,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Config configures a Dispatcher
type Config struct {
	// Kind labels metrics and send failures
	Kind destination.Kind
	// LogLimit bounds the job log; the oldest entries are dropped
	LogLimit int
}

// Dispatcher runs at most one bulk job at a time
type Dispatcher struct {
	mu     sync.Mutex
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}

	sender   dispatch.Sender
	clock    clock.Clock
	persist  store.Persister
	kind     destination.Kind
	logLimit int
	logger   *slog.Logger
}

// New creates a bulk dispatcher sending through sender
func New(sender dispatch.Sender, clk clock.Clock, persist store.Persister, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = 500
	}
	if cfg.Kind == "" {
		cfg.Kind = destination.KindWhatsApp
	}
	return &Dispatcher{
		sender:   sender,
		clock:    clk,
		persist:  persist,
		kind:     cfg.Kind,
		logLimit: cfg.LogLimit,
		logger:   logger,
	}
}

// Restore loads the last persisted job for display. A job that was
// running when the process died is marked interrupted.
func (d *Dispatcher) Restore(loader store.Loader) error {
	var job Job
	found, err := loader.Load(DocumentKey, &job)
	if err != nil {
		return fmt.Errorf("failed to load bulk job: %w", err)
	}
	if !found {
		return nil
	}
	if job.Running {
		job.Running = false
		job.Interrupted = true
	}

	d.mu.Lock()
	d.job = &job
	d.mu.Unlock()
	return nil
}

// Start validates the input and launches the job in the background.
// It fails before sending anything if no valid recipient remains or the
// body is blank, and returns ErrAlreadyRunning while a job is active.
func (d *Dispatcher) Start(raw, body string, interval time.Duration) (Job, error) {
	recipients := ParseRecipients(raw)
	if len(recipients) == 0 {
		return Job{}, dispatch.NewValidationError("recipients", "no valid recipient in list")
	}
	if strings.TrimSpace(body) == "" {
		return Job{}, dispatch.NewValidationError("body", "message body is blank")
	}
	if interval < 0 {
		interval = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.job != nil && d.job.Running {
		return Job{}, dispatch.ErrAlreadyRunning
	}

	job := &Job{
		ID:         uuid.New().String(),
		Recipients: recipients,
		Body:       body,
		Interval:   interval,
		Stats:      Stats{Total: len(recipients)},
		Running:    true,
		StartedAt:  d.clock.Now(),
	}
	d.job = job

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.saveLocked()

	metrics.IncBulkJobs()
	d.logger.Info("bulk job started", "job_id", job.ID, "recipients", len(recipients), "interval", interval)

	go d.run(ctx, cancel, job, d.done)

	return d.snapshotLocked(), nil
}

// Stop signals the running job to stop before its next recipient.
// It reports whether a job was running.
func (d *Dispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.job == nil || !d.job.Running || d.cancel == nil {
		return false
	}
	d.cancel()
	d.logger.Info("bulk job stop requested", "job_id", d.job.ID)
	return true
}

// Snapshot returns a copy of the current or last job
func (d *Dispatcher) Snapshot() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.job == nil {
		return Job{}, false
	}
	return d.snapshotLocked(), true
}

// Wait blocks until the running job finishes or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, job *Job, done chan struct{}) {
	defer close(done)
	defer cancel()

	item := dispatch.Item{Body: job.Body}
	// In-flight sends are not aborted by Stop
	sendCtx := context.WithoutCancel(ctx)
	last := len(job.Recipients) - 1

	for i, recipient := range job.Recipients {
		if ctx.Err() != nil {
			d.finish(job, true)
			return
		}

		d.mu.Lock()
		job.Stats.CurrentIndex = i + 1
		d.saveLocked()
		d.mu.Unlock()

		start := d.clock.Now()
		err := d.sender.Send(sendCtx, recipient, item)
		metrics.ObserveSend("bulk", string(d.kind), d.clock.Now().Sub(start).Seconds(), err)

		d.mu.Lock()
		if err != nil {
			failure := dispatch.AsSendFailure(d.kind, recipient, err)
			job.Stats.Errors++
			d.appendLogLocked(job, recipient, failure.Reason, LogError)
			metrics.IncBulkRecipients(string(LogError))
			d.logger.Warn("bulk send failed", "job_id", job.ID, "recipient", recipient, "error", failure.Reason)
		} else {
			job.Stats.Sent++
			d.appendLogLocked(job, recipient, "message sent", LogSuccess)
			metrics.IncBulkRecipients(string(LogSuccess))
		}
		if i < last {
			d.appendLogLocked(job, "", fmt.Sprintf("waiting %s before next recipient", job.Interval), LogInfo)
		}
		d.saveLocked()
		d.mu.Unlock()

		if i < last {
			// an interrupted wait is picked up by the stop check above
			clock.Sleep(ctx, d.clock, job.Interval)
		}
	}

	// a stop during the final send still counts as stopped
	d.finish(job, ctx.Err() != nil)
}

func (d *Dispatcher) finish(job *Job, stopped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	job.Running = false
	job.Stopped = stopped
	job.FinishedAt = &now
	if stopped {
		d.appendLogLocked(job, "", fmt.Sprintf("stopped by user at %d of %d", job.Stats.CurrentIndex, job.Stats.Total), LogInfo)
	}
	d.saveLocked()

	d.logger.Info("bulk job finished",
		"job_id", job.ID,
		"stopped", stopped,
		"sent", job.Stats.Sent,
		"errors", job.Stats.Errors,
		"total", job.Stats.Total,
	)
}

func (d *Dispatcher) appendLogLocked(job *Job, recipient, text string, status LogStatus) {
	job.Log = append(job.Log, LogEntry{
		Timestamp: d.clock.Now(),
		Recipient: recipient,
		Text:      text,
		Status:    status,
	})
	if over := len(job.Log) - d.logLimit; over > 0 {
		job.Log = append([]LogEntry(nil), job.Log[over:]...)
	}
}

func (d *Dispatcher) snapshotLocked() Job {
	j := *d.job
	j.Recipients = append([]string(nil), d.job.Recipients...)
	j.Log = append([]LogEntry(nil), d.job.Log...)
	return j
}

func (d *Dispatcher) saveLocked() {
	if d.persist == nil || d.job == nil {
		return
	}
	d.persist.Persist(DocumentKey, d.snapshotLocked())
}
