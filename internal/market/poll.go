package market

import (
	"context"
	"time"
)

// PriceGetter is the slice of the exchange gateway a PollSource needs.
type PriceGetter interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// PollSource asks the gateway for the current price on every Next.
type PollSource struct {
	Gateway PriceGetter
	Symbol  string
}

func (p PollSource) Next(ctx context.Context) (Tick, error) {
	price, err := p.Gateway.GetCurrentPrice(ctx, p.Symbol)
	if err != nil {
		return Tick{}, err
	}
	return Tick{Symbol: p.Symbol, Price: price, Time: time.Now()}, nil
}
