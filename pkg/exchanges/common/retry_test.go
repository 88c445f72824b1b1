package common

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyGateway struct {
	calls atomic.Int32
	errs  []error // returned in order; nil once exhausted
}

func (f *flakyGateway) next() error {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) {
		return f.errs[n]
	}
	return nil
}

func (f *flakyGateway) Ping(context.Context) error { return f.next() }
func (f *flakyGateway) GetCurrentPrice(context.Context, string) (float64, error) {
	if err := f.next(); err != nil {
		return 0, err
	}
	return 101.5, nil
}
func (f *flakyGateway) GetFilterSpec(context.Context, string) (FilterSpec, error) {
	return FilterSpec{TickSize: 0.01}, f.next()
}
func (f *flakyGateway) SubmitOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	if err := f.next(); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{ExchangeOrderID: "1", ClientID: req.ClientID, Status: StatusFilled}, nil
}
func (f *flakyGateway) CancelOrder(context.Context, string, string) error { return f.next() }

func fastRetry(maxRetries uint64) RetryConfig {
	return RetryConfig{MaxRetries: maxRetries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryGatewayRetriesTransientErrors(t *testing.T) {
	inner := &flakyGateway{errs: []error{
		NewStatusError("price", http.StatusTooManyRequests, ""),
		NewTransportError("price", context.DeadlineExceeded),
	}}
	g := NewRetryGateway(inner, fastRetry(3), nil)

	price, err := g.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, price)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryGatewayGivesUpAfterMaxRetries(t *testing.T) {
	timeout := NewStatusError("submit", http.StatusServiceUnavailable, "")
	inner := &flakyGateway{errs: []error{timeout, timeout, timeout, timeout, timeout}}
	g := NewRetryGateway(inner, fastRetry(2), nil)

	_, err := g.SubmitOrder(context.Background(), OrderRequest{ClientID: "c1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryGatewayDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   error
	}{
		{"unauthorized", NewStatusError("submit", http.StatusUnauthorized, "bad key"), ErrUnauthorized},
		{"unknown", NewStatusError("submit", http.StatusBadRequest, "filter"), ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyGateway{errs: []error{tt.err}}
			g := NewRetryGateway(inner, fastRetry(5), nil)

			_, err := g.SubmitOrder(context.Background(), OrderRequest{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is))
			assert.Equal(t, int32(1), inner.calls.Load())
		})
	}
}

func TestRetryGatewayAbortsBetweenAttempts(t *testing.T) {
	timeout := NewTransportError("ping", context.DeadlineExceeded)
	inner := &flakyGateway{errs: []error{timeout, timeout, timeout}}
	var aborted atomic.Bool
	cfg := fastRetry(5)
	cfg.Abort = aborted.Load
	aborted.Store(true)

	err := NewRetryGateway(inner, cfg, nil).Ping(context.Background())
	require.ErrorIs(t, err, ErrRetryAborted)
	assert.Equal(t, int32(1), inner.calls.Load(), "first attempt always runs")
}

// venueWithLookup keeps every order it accepted, including those whose
// response was lost on the way back.
type venueWithLookup struct {
	flakyGateway
	mu      sync.Mutex
	orders  []OrderResult
	lookups atomic.Int32
	lookErr error
}

func (v *venueWithLookup) SubmitOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	v.mu.Lock()
	res := OrderResult{ExchangeOrderID: strconv.Itoa(len(v.orders) + 1), ClientID: req.ClientID, Status: StatusFilled, FilledQty: req.Qty}
	v.orders = append(v.orders, res)
	v.mu.Unlock()
	if err := v.next(); err != nil {
		return OrderResult{}, err
	}
	return res, nil
}

func (v *venueWithLookup) LookupOrder(_ context.Context, _ string, clientID string) (OrderResult, error) {
	v.lookups.Add(1)
	if v.lookErr != nil {
		return OrderResult{}, v.lookErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, res := range v.orders {
		if res.ClientID == clientID {
			return res, nil
		}
	}
	return OrderResult{}, ErrOrderNotFound
}

func (v *venueWithLookup) placed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

func TestRetryGatewayLooksUpBeforeResubmitting(t *testing.T) {
	lost := NewTransportError("submit", context.DeadlineExceeded)
	inner := &venueWithLookup{flakyGateway: flakyGateway{errs: []error{lost}}}
	g := NewRetryGateway(NewThrottleGateway(inner, 0), fastRetry(3), nil)

	res, err := g.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Qty: 1, ClientID: "grid-abc"})
	require.NoError(t, err)
	assert.Equal(t, "1", res.ExchangeOrderID)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 1, inner.placed(), "order was not sent twice")
	assert.Equal(t, int32(1), inner.lookups.Load())
}

func TestRetryGatewayResubmitsWhenOrderNotFound(t *testing.T) {
	inner := &venueWithLookup{
		flakyGateway: flakyGateway{errs: []error{NewStatusError("submit", http.StatusTooManyRequests, "")}},
		lookErr:      ErrOrderNotFound,
	}
	g := NewRetryGateway(inner, fastRetry(3), nil)

	_, err := g.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Qty: 1, ClientID: "grid-abc"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.placed())
	assert.Equal(t, int32(1), inner.lookups.Load())
}

func TestRetryGatewayLooksUpWhenAborted(t *testing.T) {
	lost := NewTransportError("submit", context.DeadlineExceeded)
	inner := &venueWithLookup{flakyGateway: flakyGateway{errs: []error{lost}}}
	cfg := fastRetry(3)
	cfg.Abort = func() bool { return true }
	g := NewRetryGateway(inner, cfg, nil)

	res, err := g.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Qty: 1, ClientID: "grid-abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 1, inner.placed())
}

func TestRetryGatewaySkipsLookupWithoutClientID(t *testing.T) {
	lost := NewTransportError("submit", context.DeadlineExceeded)
	inner := &venueWithLookup{flakyGateway: flakyGateway{errs: []error{lost}}}
	g := NewRetryGateway(inner, fastRetry(3), nil)

	_, err := g.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	require.NoError(t, err)
	assert.Zero(t, inner.lookups.Load())
	assert.Equal(t, 2, inner.placed())
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusTeapot, KindRateLimited},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusBadGateway, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusBadRequest, KindUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Fatalf("ClassifyStatus(%d)=%v, expected %v", tt.status, got, tt.want)
		}
	}
}

func TestKindOfPlainErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, Retryable(context.Canceled))
}

func TestThrottleGatewaySpacesRequests(t *testing.T) {
	inner := &flakyGateway{}
	g := NewThrottleGateway(inner, 20*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Ping(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestFilterSpecMerge(t *testing.T) {
	base := FilterSpec{Symbol: "BTCUSDT", TickSize: 0.01, MinNotional: 10, StepSize: 0.00001}
	got := base.Merge(FilterSpec{MinNotional: 5, MaxPriceDeviation: 0.05})
	assert.Equal(t, 0.01, got.TickSize)
	assert.Equal(t, 5.0, got.MinNotional)
	assert.Equal(t, 0.05, got.MaxPriceDeviation)
}
