package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock keeps signed request timestamps aligned with venue server time.
type Clock struct {
	serverTime func(ctx context.Context) (int64, error)
	interval   time.Duration
	log        *zap.Logger

	mu       sync.RWMutex
	offset   int64 // ms, server - local
	lastSync time.Time
}

// NewClock builds a clock that resyncs every interval (30m when zero).
func NewClock(serverTime func(ctx context.Context) (int64, error), interval time.Duration, log *zap.Logger) *Clock {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Clock{serverTime: serverTime, interval: interval, log: log}
}

// Run syncs once and then periodically until ctx is done.
func (c *Clock) Run(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		c.log.Warn("time sync: initial sync failed", zap.Error(err))
	}
	go func() {
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.Sync(ctx); err != nil {
					c.log.Warn("time sync: failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset assuming symmetric network latency.
func (c *Clock) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := c.serverTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	c.mu.Lock()
	c.offset = server - local
	c.lastSync = time.Now()
	c.mu.Unlock()

	c.log.Debug("time sync", zap.Int64("offset_ms", server-local))
	return nil
}

// NowMilli returns local time shifted by the last measured offset.
func (c *Clock) NowMilli() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().UnixMilli() + c.offset
}

// Offset returns the current offset in milliseconds.
func (c *Clock) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
