package metrics

import (
	"time"
)

// SpaceSource reports pool space usage
type SpaceSource interface {
	Space() (alloc, size uint64, err error)
}

// MinorSource reports the number of registered volumes
type MinorSource interface {
	Minors() int
}

// Collector periodically samples gauges that are not updated inline
type Collector struct {
	pool     SpaceSource
	registry MinorSource
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(pool SpaceSource, registry MinorSource) *Collector {
	return &Collector{
		pool:     pool,
		registry: registry,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	c.collectPoolMetrics()
	c.collectRegistryMetrics()
}

func (c *Collector) collectPoolMetrics() {
	alloc, size, err := c.pool.Space()
	if err != nil {
		UpdateComponent("storage", false, err.Error())
		return
	}
	UpdateComponent("storage", true, "")

	PoolAllocBytes.Set(float64(alloc))
	PoolSizeBytes.Set(float64(size))
}

func (c *Collector) collectRegistryMetrics() {
	if c.registry == nil {
		return
	}
	Minors.Set(float64(c.registry.Minors()))
}
