package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the dispatch engine
type Metrics struct {
	// Delivery counters, labelled by engine (queue, bulk, scheduler) and transport kind
	SendsTotal        *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	SendDuration      *prometheus.HistogramVec

	// Dispatch queue
	QueueItems   prometheus.Gauge
	QueueCursor  prometheus.Gauge
	QueueRunning prometheus.Gauge

	// Bulk dispatcher
	BulkJobsTotal       prometheus.Counter
	BulkRecipientsTotal *prometheus.CounterVec

	// Scheduler
	SchedulerFiredTotal     prometheus.Counter
	SchedulerPending        prometheus.Gauge
	SchedulerDriftSeconds   prometheus.Histogram
	SchedulerCancelledTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aci_sends_total",
				Help: "Total number of successful send adapter calls",
			},
			[]string{"engine", "kind"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aci_send_failures_total",
				Help: "Total number of failed send adapter calls",
			},
			[]string{"engine", "kind"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aci_send_duration_seconds",
				Help:    "Send adapter call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),

		QueueItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_queue_items",
				Help: "Number of items in the dispatch queue",
			},
		),
		QueueCursor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_queue_cursor",
				Help: "Index of the next dispatch queue item",
			},
		),
		QueueRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_queue_running",
				Help: "1 while the dispatch queue is draining",
			},
		),

		BulkJobsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aci_bulk_jobs_total",
				Help: "Total number of bulk jobs started",
			},
		),
		BulkRecipientsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aci_bulk_recipients_total",
				Help: "Total number of bulk recipients processed",
			},
			[]string{"status"},
		),

		SchedulerFiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aci_scheduler_fired_total",
				Help: "Total number of scheduled entries executed",
			},
		),
		SchedulerPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_scheduler_pending",
				Help: "Number of pending scheduled entries",
			},
		),
		SchedulerDriftSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aci_scheduler_drift_seconds",
				Help:    "Delay between the scheduled time and actual execution",
				Buckets: []float64{.01, .1, 1, 5, 30, 60, 300, 3600, 86400},
			},
		),
		SchedulerCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aci_scheduler_cancelled_total",
				Help: "Total number of cancelled scheduled entries",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aci_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aci_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aci_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aci_storage_used_bytes",
				Help: "BoltDB data size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendFailuresTotal,
		m.SendDuration,
		m.QueueItems,
		m.QueueCursor,
		m.QueueRunning,
		m.BulkJobsTotal,
		m.BulkRecipientsTotal,
		m.SchedulerFiredTotal,
		m.SchedulerPending,
		m.SchedulerDriftSeconds,
		m.SchedulerCancelledTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveSend records the outcome of one send adapter call
func ObserveSend(engine, kind string, seconds float64, err error) {
	m := Global()
	if m == nil {
		return
	}
	if err != nil {
		m.SendFailuresTotal.WithLabelValues(engine, kind).Inc()
	} else {
		m.SendsTotal.WithLabelValues(engine, kind).Inc()
	}
	m.SendDuration.WithLabelValues(kind).Observe(seconds)
}

// SetQueueState updates the dispatch queue gauges
func SetQueueState(items, cursor int, running bool) {
	m := Global()
	if m == nil {
		return
	}
	m.QueueItems.Set(float64(items))
	m.QueueCursor.Set(float64(cursor))
	if running {
		m.QueueRunning.Set(1)
	} else {
		m.QueueRunning.Set(0)
	}
}

// IncBulkJobs increments the bulk job counter
func IncBulkJobs() {
	if m := Global(); m != nil {
		m.BulkJobsTotal.Inc()
	}
}

// IncBulkRecipients increments the bulk recipient counter
func IncBulkRecipients(status string) {
	if m := Global(); m != nil {
		m.BulkRecipientsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveSchedulerFired records one scheduled execution and its lateness
func ObserveSchedulerFired(driftSeconds float64) {
	m := Global()
	if m == nil {
		return
	}
	m.SchedulerFiredTotal.Inc()
	if driftSeconds < 0 {
		driftSeconds = 0
	}
	m.SchedulerDriftSeconds.Observe(driftSeconds)
}

// IncSchedulerCancelled increments the cancelled entry counter
func IncSchedulerCancelled() {
	if m := Global(); m != nil {
		m.SchedulerCancelledTotal.Inc()
	}
}

// SetSchedulerPending sets the pending entry gauge
func SetSchedulerPending(n int) {
	if m := Global(); m != nil {
		m.SchedulerPending.Set(float64(n))
	}
}
