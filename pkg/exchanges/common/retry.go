package common

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrRetryAborted is returned when the abort check fires between attempts.
var ErrRetryAborted = errors.New("gateway: retry aborted")

// RetryConfig bounds the retry loop around each gateway call.
type RetryConfig struct {
	MaxRetries      uint64        // retries after the first attempt
	InitialInterval time.Duration // first backoff
	MaxInterval     time.Duration // backoff ceiling
	CallTimeout     time.Duration // per-attempt timeout, 0 = caller context only
	// Abort is consulted before every retry; returning true stops the loop.
	Abort func() bool
}

// DefaultRetryConfig returns conservative limits for a REST venue.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CallTimeout:     10 * time.Second,
	}
}

// RetryGateway retries Timeout and RateLimited failures with bounded
// exponential backoff. Other failures are returned after one attempt.
type RetryGateway struct {
	next Gateway
	cfg  RetryConfig
	log  *zap.Logger
}

// NewRetryGateway wraps next.
func NewRetryGateway(next Gateway, cfg RetryConfig, log *zap.Logger) *RetryGateway {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &RetryGateway{next: next, cfg: cfg, log: log.Named("retry")}
}

func (g *RetryGateway) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialInterval
	eb.MaxInterval = g.cfg.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by MaxRetries instead
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, g.cfg.MaxRetries), ctx)
}

func (g *RetryGateway) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		if attempt > 0 && g.cfg.Abort != nil && g.cfg.Abort() {
			return backoff.Permanent(ErrRetryAborted)
		}
		attempt++

		callCtx, cancel := g.callCtx(ctx)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.log.Warn("gateway: retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(operation, g.newBackOff(ctx), notify)
}

func (g *RetryGateway) Ping(ctx context.Context) error {
	return g.do(ctx, "ping", g.next.Ping)
}

func (g *RetryGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.do(ctx, "price", func(ctx context.Context) error {
		p, err := g.next.GetCurrentPrice(ctx, symbol)
		price = p
		return err
	})
	return price, err
}

func (g *RetryGateway) GetFilterSpec(ctx context.Context, symbol string) (FilterSpec, error) {
	var spec FilterSpec
	err := g.do(ctx, "filters", func(ctx context.Context) error {
		s, err := g.next.GetFilterSpec(ctx, symbol)
		spec = s
		return err
	})
	return spec, err
}

// SubmitOrder sends the same ClientID on every attempt. Binance only rejects
// a duplicate newClientOrderId while the first order is still open, so a
// filled IOC or MARKET order would be placed twice. When next supports
// OrderLookup, an attempt that failed without a clear answer is resolved by
// looking the ClientID up before the order is sent again, and once more if
// the retries run out or are aborted.
func (g *RetryGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	lookup, canLookup := g.next.(OrderLookup)
	canLookup = canLookup && req.ClientID != ""

	var (
		res       OrderResult
		ambiguous bool // a submit failed in a way the venue may still have accepted
	)
	err := g.do(ctx, "submit", func(ctx context.Context) error {
		if ambiguous && canLookup {
			found, err := g.lookup(ctx, lookup, req)
			switch {
			case err == nil:
				res = found
				return nil
			case !errors.Is(err, ErrOrderNotFound) && !errors.Is(err, ErrLookupUnsupported):
				return err
			}
		}
		r, err := g.next.SubmitOrder(ctx, req)
		res = r
		ambiguous = err != nil && Retryable(err)
		return err
	})
	if err != nil && ambiguous && canLookup {
		callCtx, cancel := g.callCtx(context.WithoutCancel(ctx))
		defer cancel()
		if found, lerr := g.lookup(callCtx, lookup, req); lerr == nil {
			return found, nil
		}
	}
	return res, err
}

func (g *RetryGateway) lookup(ctx context.Context, lookup OrderLookup, req OrderRequest) (OrderResult, error) {
	found, err := lookup.LookupOrder(ctx, req.Symbol, req.ClientID)
	if err == nil {
		g.log.Warn("gateway: order found after failed submit",
			zap.String("client_id", req.ClientID),
			zap.String("order_id", found.ExchangeOrderID),
			zap.String("status", string(found.Status)))
	}
	return found, err
}

func (g *RetryGateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, g.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (g *RetryGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return g.do(ctx, "cancel", func(ctx context.Context) error {
		return g.next.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}
