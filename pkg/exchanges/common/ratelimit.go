package common

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WeightTracker follows the venue-reported request weight for the current window.
type WeightTracker struct {
	mu        sync.RWMutex
	used      int
	limit     int
	window    time.Duration
	windowEnd time.Time
	log       *zap.Logger
	now       func() time.Time
}

// NewWeightTracker tracks usage against limit per window (1200/min on Binance spot).
func NewWeightTracker(limit int, window time.Duration, log *zap.Logger) *WeightTracker {
	if log == nil {
		log = zap.NewNop()
	}
	t := &WeightTracker{limit: limit, window: window, log: log, now: time.Now}
	t.windowEnd = t.now().Add(window)
	return t
}

// Observe records the value of a used-weight response header.
func (t *WeightTracker) Observe(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	t.mu.Lock()
	now := t.now()
	if !now.Before(t.windowEnd) {
		t.windowEnd = now.Add(t.window)
	}
	t.used = weight
	pct := t.percentLocked()
	t.mu.Unlock()

	switch {
	case pct >= 95:
		t.log.Error("rate limit: approaching ban threshold", zap.Int("used", weight), zap.Int("limit", t.limit))
	case pct >= 80:
		t.log.Warn("rate limit: high usage", zap.Int("used", weight), zap.Int("limit", t.limit))
	}
}

// Usage returns the weight used in the current window.
func (t *WeightTracker) Usage() (used, limit int, pct float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.now().Before(t.windowEnd) {
		return 0, t.limit, 0
	}
	return t.used, t.limit, t.percentLocked()
}

// Saturated is true once 90% of the window budget is spent.
func (t *WeightTracker) Saturated() bool {
	_, _, pct := t.Usage()
	return pct >= 90
}

func (t *WeightTracker) percentLocked() float64 {
	if t.limit <= 0 {
		return 0
	}
	return float64(t.used) / float64(t.limit) * 100
}
