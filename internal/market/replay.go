package market

import (
	"context"
	"sync"
	"time"

	binance "grid-core/pkg/market/binance"
)

// ReplaySource replays a materialised tick sequence with no pacing.
type ReplaySource struct {
	mu    sync.Mutex
	ticks []Tick
	pos   int
}

// NewReplaySource copies ticks; they are replayed in the given order.
func NewReplaySource(ticks []Tick) *ReplaySource {
	cp := make([]Tick, len(ticks))
	copy(cp, ticks)
	return &ReplaySource{ticks: cp}
}

// NewReplayPrices builds a replay of bare prices one second apart.
func NewReplayPrices(symbol string, start time.Time, prices ...float64) *ReplaySource {
	ticks := make([]Tick, len(prices))
	for i, p := range prices {
		ticks[i] = Tick{Symbol: symbol, Price: p, Time: start.Add(time.Duration(i) * time.Second)}
	}
	return &ReplaySource{ticks: ticks}
}

func (r *ReplaySource) Next(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.ticks) {
		return Tick{}, ErrEndOfData
	}
	t := r.ticks[r.pos]
	r.pos++
	return t, nil
}

// Peek returns the next tick without consuming it.
func (r *ReplaySource) Peek() (Tick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.ticks) {
		return Tick{}, false
	}
	return r.ticks[r.pos], true
}

// Remaining is the number of ticks not yet delivered.
func (r *ReplaySource) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks) - r.pos
}

// Progress reports how far the replay has got.
func (r *ReplaySource) Progress() Progress {
	p := Progress{Source: "replay", Remaining: r.Remaining()}
	if next, ok := r.Peek(); ok {
		p.Live = true
		p.NextTickAt = next.Time
	}
	return p
}

// KlineTicks turns candles into close-price ticks stamped at close time.
func KlineTicks(symbol string, klines []binance.Kline) []Tick {
	out := make([]Tick, 0, len(klines))
	for _, k := range klines {
		if k.Close <= 0 {
			continue
		}
		out = append(out, Tick{Symbol: symbol, Price: k.Close, Time: time.UnixMilli(k.CloseTime)})
	}
	return out
}
