package metrics

import (
	"context"
	"time"

	"github.com/migadu/crake/logger"
)

// CacheStatsProvider is an interface for local cache statistics
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
}

// Collector periodically refreshes gauges that snapshot component state,
// as opposed to the event counters updated inline.
type Collector struct {
	cache    CacheStatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(cache CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		cache:    cache,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect retrieves and updates all snapshot metrics
func (c *Collector) collect() {
	if c.cache == nil {
		return
	}
	objectCount, totalSize, err := c.cache.GetStats()
	if err != nil {
		logger.Error("MetricsCollector: error collecting cache metrics", "error", err)
		return
	}
	CacheObjectsTotal.Set(float64(objectCount))
	CacheSizeBytes.Set(float64(totalSize))
	logger.Debug("MetricsCollector: updated cache metrics", "objects", objectCount,
		"size_bytes", totalSize)
}
