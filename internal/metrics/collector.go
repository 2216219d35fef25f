package metrics

import (
	"runtime"
	"sync"
	"time"
)

// SizeProvider reports the storage size in bytes
type SizeProvider interface {
	Size() int64
}

// Collector periodically refreshes system gauges
type Collector struct {
	metrics   *Metrics
	storage   SizeProvider
	interval  time.Duration
	startTime time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new system gauge collector
func NewCollector(m *Metrics, storage SizeProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:   m,
		storage:   storage,
		interval:  interval,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic collection
func (c *Collector) Start() {
	c.collect()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))
	if c.storage != nil {
		c.metrics.StorageUsedBytes.Set(float64(c.storage.Size()))
	}
}
