package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/clock"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/metrics"
)

// Source provides the destinations a run should reach
type Source interface {
	Enabled() []destination.Destination
}

// Result is the outcome for one destination
type Result struct {
	DestinationID string           `json:"destination_id"`
	Name          string           `json:"name"`
	Kind          destination.Kind `json:"kind"`
	Error         string           `json:"error,omitempty"`

	failure *SendFailure
}

// Failure returns the send failure, or nil on success
func (r Result) Failure() *SendFailure {
	return r.failure
}

// Report summarises one item sent to all enabled destinations
type Report struct {
	ItemID  string    `json:"item_id"`
	Title   string    `json:"title"`
	Results []Result  `json:"results"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	At      time.Time `json:"at"`
}

// Fanout delivers an item to every enabled destination, one at a time,
// through the adapter registered for the destination's kind. A failure
// never stops the remaining destinations and is never retried.
type Fanout struct {
	source   Source
	adapters Adapters
	clock    clock.Clock
	engine   string
	logger   *slog.Logger
}

// NewFanout creates a fan-out over source using adapters. Report times
// and send durations are read from clk.
func NewFanout(source Source, adapters Adapters, clk clock.Clock, logger *slog.Logger) *Fanout {
	return &Fanout{
		source:   source,
		adapters: adapters,
		clock:    clk,
		engine:   "queue",
		logger:   logger,
	}
}

// ForEngine returns a copy that labels metrics and logs with engine
func (f *Fanout) ForEngine(engine string) *Fanout {
	c := *f
	c.engine = engine
	c.logger = f.logger.With("engine", engine)
	return &c
}

// Send delivers item and reports per-destination outcomes
func (f *Fanout) Send(ctx context.Context, item Item) Report {
	report := Report{
		ItemID: item.ID,
		Title:  item.Title,
		At:     f.clock.Now(),
	}

	for _, d := range f.source.Enabled() {
		res := Result{DestinationID: d.ID, Name: d.Name, Kind: d.Kind}

		start := f.clock.Now()
		err := f.sendOne(ctx, d, item)
		elapsed := f.clock.Now().Sub(start)
		metrics.ObserveSend(f.engine, string(d.Kind), elapsed.Seconds(), err)

		if err != nil {
			res.failure = AsSendFailure(d.Kind, d.Address, err)
			res.Error = res.failure.Reason
			report.Failed++
			f.logger.Warn("send failed",
				"item", item.Title,
				"destination", d.Name,
				"kind", d.Kind,
				"error", res.failure.Reason,
			)
		} else {
			report.Sent++
			f.logger.Debug("sent",
				"item", item.Title,
				"destination", d.Name,
				"kind", d.Kind,
				"duration", elapsed,
			)
		}
		report.Results = append(report.Results, res)
	}

	return report
}

func (f *Fanout) sendOne(ctx context.Context, d destination.Destination, item Item) (err error) {
	sender, ok := f.adapters[d.Kind]
	if !ok || sender == nil {
		return &SendFailure{Kind: d.Kind, Address: d.Address, Reason: "no adapter configured for " + string(d.Kind)}
	}

	// A panicking adapter counts as a failed send for this destination only
	defer func() {
		if r := recover(); r != nil {
			err = &SendFailure{Kind: d.Kind, Address: d.Address, Reason: "adapter panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	return sender.Send(ctx, d.Address, item)
}
