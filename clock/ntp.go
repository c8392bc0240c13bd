package clock

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	maxTries     = 3
	syncInterval = 30 * time.Minute
)

// DefaultPools are the NTP pools queried when none are configured.
var DefaultPools = []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"}

// NTPClock is a Clock whose offset is adjusted by a periodic NTP query.
// Readings are monotonic-friendly: an offset correction never makes NowMS
// jump backward past a value already handed to a caller.
type NTPClock struct {
	mu       sync.Mutex
	offsetMS int64
	lastMS   uint64

	pools  []string
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNTP creates an NTPClock synchronizing against the given pools.
func NewNTP(pools []string, logger *slog.Logger) *NTPClock {
	if len(pools) == 0 {
		pools = DefaultPools
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NTPClock{pools: pools, logger: logger}
}

// NowMS returns the corrected wall clock in milliseconds.
func (c *NTPClock) NowMS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := uint64(time.Now().UnixMilli() + c.offsetMS)
	if now < c.lastMS {
		// A fresh offset moved us behind a reading we already handed out;
		// hold at the last value until wall time catches up.
		return c.lastMS
	}
	c.lastMS = now
	return now
}

// NowS returns the corrected wall clock in seconds.
func (c *NTPClock) NowS() uint64 {
	return c.NowMS() / 1000
}

// OffsetMS returns the current NTP correction.
func (c *NTPClock) OffsetMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMS
}

// Start syncs the clock once and launches the background adjuster.
func (c *NTPClock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	// sync clock on startup
	c.sync()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// sync clock every 30min to counter drift
				c.sync()
			}
		}
	}()
}

// Stop terminates the background adjuster.
func (c *NTPClock) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

// sync queries the configured pools for maxTries.
func (c *NTPClock) sync() {
	c.logger.Debug("synchronizing clock")
	for t := maxTries; t > 0; t-- {
		pool := c.pools[rand.Intn(len(c.pools))]
		resp, err := ntp.Query(pool)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.offsetMS = resp.ClockOffset.Milliseconds()
		c.mu.Unlock()
		c.logger.Debug("synchronizing clock done", "offset_ms", resp.ClockOffset.Milliseconds(), "pool", pool)
		return
	}
	c.logger.Warn("error while trying to sync clock")
}
