// Package market provides the tick sources that drive the strategy loop.
package market

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfData is returned by finite sources once every tick was delivered.
var ErrEndOfData = errors.New("market: end of data")

// Tick is one observed price.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// Source yields ticks in order. Next blocks until a tick is available,
// ctx is done, or the source is exhausted (ErrEndOfData).
type Source interface {
	Next(ctx context.Context) (Tick, error)
}

// Progress describes a source for status readers.
type Progress struct {
	Source string `json:"source"`
	// Live is true while the source can still deliver fresh ticks.
	Live       bool      `json:"live"`
	Remaining  int       `json:"remaining,omitempty"`
	NextTickAt time.Time `json:"next_tick_at,omitempty"`
}

// Reporter is implemented by sources that can describe their progress.
type Reporter interface {
	Progress() Progress
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Tick, error)

func (f SourceFunc) Next(ctx context.Context) (Tick, error) { return f(ctx) }

// Observe calls fn with every tick src yields before handing it on.
func Observe(src Source, fn func(Tick)) Source {
	return SourceFunc(func(ctx context.Context) (Tick, error) {
		t, err := src.Next(ctx)
		if err == nil && fn != nil {
			fn(t)
		}
		return t, err
	})
}
