package common

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleGateway enforces a minimum interval between requests to next.
type ThrottleGateway struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewThrottleGateway allows one request per interval; interval <= 0 disables pacing.
func NewThrottleGateway(next Gateway, interval time.Duration) *ThrottleGateway {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &ThrottleGateway{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (g *ThrottleGateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return NewTransportError(op, err)
	}
	return nil
}

func (g *ThrottleGateway) Ping(ctx context.Context) error {
	if err := g.wait(ctx, "ping"); err != nil {
		return err
	}
	return g.next.Ping(ctx)
}

func (g *ThrottleGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.wait(ctx, "price"); err != nil {
		return 0, err
	}
	return g.next.GetCurrentPrice(ctx, symbol)
}

func (g *ThrottleGateway) GetFilterSpec(ctx context.Context, symbol string) (FilterSpec, error) {
	if err := g.wait(ctx, "filters"); err != nil {
		return FilterSpec{}, err
	}
	return g.next.GetFilterSpec(ctx, symbol)
}

func (g *ThrottleGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := g.wait(ctx, "submit"); err != nil {
		return OrderResult{}, err
	}
	return g.next.SubmitOrder(ctx, req)
}

func (g *ThrottleGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := g.wait(ctx, "cancel"); err != nil {
		return err
	}
	return g.next.CancelOrder(ctx, symbol, exchangeOrderID)
}

// LookupOrder forwards to next when it supports lookups.
func (g *ThrottleGateway) LookupOrder(ctx context.Context, symbol, clientID string) (OrderResult, error) {
	lookup, ok := g.next.(OrderLookup)
	if !ok {
		return OrderResult{}, ErrLookupUnsupported
	}
	if err := g.wait(ctx, "lookup"); err != nil {
		return OrderResult{}, err
	}
	return lookup.LookupOrder(ctx, symbol, clientID)
}
