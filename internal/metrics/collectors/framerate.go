// Package collectors samples derived metrics on a fixed interval.
package collectors

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/smazurov/v4l2shim/internal/metrics"
)

// Source exposes per-device frame totals and accepts sampled rates.
// *metrics.Metrics implements it.
type Source interface {
	All() map[string]metrics.DeviceStats
	SetFrameRate(device string, fps float64)
}

// FrameRateCollector turns frame totals into a frames-per-second gauge.
type FrameRateCollector struct {
	logger   logging.Logger
	source   Source
	interval time.Duration
	now      func() time.Time

	last     map[string]uint64
	lastTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DefaultInterval is used when no positive interval is given.
const DefaultInterval = 5 * time.Second

// NewFrameRateCollector creates a collector sampling source every interval.
func NewFrameRateCollector(source Source, interval time.Duration) *FrameRateCollector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &FrameRateCollector{
		logger:   logging.GetLogger("metrics"),
		source:   source,
		interval: interval,
		now:      time.Now,
		last:     make(map[string]uint64),
	}
}

// Start begins sampling until ctx is cancelled or Stop is called.
func (c *FrameRateCollector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop stops sampling and waits for the loop to exit.
func (c *FrameRateCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *FrameRateCollector) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Debug("Starting frame rate sampling", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

// sample computes rates since the previous call. The first call only
// records the baseline.
func (c *FrameRateCollector) sample() {
	now := c.now()
	elapsed := now.Sub(c.lastTime).Seconds()
	first := c.lastTime.IsZero()
	c.lastTime = now

	for device, stats := range c.source.All() {
		prev, seen := c.last[device]
		c.last[device] = stats.Frames
		if first || !seen || elapsed <= 0 {
			continue
		}
		if stats.Frames < prev {
			prev = 0
		}
		c.source.SetFrameRate(device, float64(stats.Frames-prev)/elapsed)
	}
}
