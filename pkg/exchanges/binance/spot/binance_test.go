package spot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-core/pkg/exchanges/common"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
	fails int
}

func (l *callLog) RecordAPICall(endpoint, method string, _ time.Duration, status int, success bool, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, method+" "+endpoint)
	if !success {
		l.fails++
	}
}

const exchangeInfoBody = `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
 {"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000.00","tickSize":"0.01"},
 {"filterType":"LOT_SIZE","minQty":"0.00001","maxQty":"9000.00","stepSize":"0.00001"},
 {"filterType":"NOTIONAL","minNotional":"5.00","applyMinToMarket":true,"maxNotional":"9000000.00","avgPriceMins":5},
 {"filterType":"PERCENT_PRICE_BY_SIDE","bidMultiplierUp":"5","bidMultiplierDown":"0.2","askMultiplierUp":"5","askMultiplierDown":"0.2","avgPriceMins":5}
]}]}`

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *callLog) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rec := &callLog{}
	c := New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, WithRecorder(rec))
	return c, rec
}

func TestGetFilterSpecParsesExchangeInfo(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(exchangeInfoBody))
	})

	spec, err := c.GetFilterSpec(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, 0.01, spec.TickSize)
	assert.Equal(t, 0.00001, spec.StepSize)
	assert.Equal(t, 9000.0, spec.MaxQty)
	assert.Equal(t, 5.0, spec.MinNotional)
	assert.InDelta(t, 0.8, spec.MaxPriceDeviation, 1e-9)
	assert.Equal(t, []string{"GET /api/v3/exchangeInfo"}, rec.calls)
}

func TestGetCurrentPrice(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"101.50000000"}`))
	})
	price, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, price)
}

func TestSubmitOrderSignsAndParsesFills(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "BUY", r.PostForm.Get("side"))
		assert.Equal(t, "LIMIT", r.PostForm.Get("type"))
		assert.Equal(t, "98.9", r.PostForm.Get("price"))
		assert.Equal(t, "IOC", r.PostForm.Get("timeInForce"))
		assert.Equal(t, "cid-1", r.PostForm.Get("newClientOrderId"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","status":"FILLED","executedQty":"2.00000000","cummulativeQuoteQty":"197.80000000"}`))
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Qty: 2, Price: 98.9, TimeInForce: common.TIFIOC, ClientID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ExchangeOrderID)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.Equal(t, 2.0, res.FilledQty)
	assert.InDelta(t, 98.9, res.AvgPrice, 1e-9)
}

func TestStatusErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		is     error
	}{
		{"rate limited", http.StatusTooManyRequests, common.ErrRateLimited},
		{"ip banned", http.StatusTeapot, common.ErrRateLimited},
		{"bad key", http.StatusUnauthorized, common.ErrUnauthorized},
		{"server error", http.StatusInternalServerError, common.ErrTimeout},
		{"bad request", http.StatusBadRequest, common.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":-1,"msg":"nope"}`))
			})
			_, err := c.GetCurrentPrice(context.Background(), "BTCUSDT")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
			assert.Equal(t, 1, rec.fails)
		})
	}
}

func TestSignedEndpointsRequireCredentials(t *testing.T) {
	c := New(Config{})
	_, err := c.SubmitOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.ErrorIs(t, c.CancelOrder(context.Background(), "BTCUSDT", "1"), ErrMissingCredentials)
	_, err = c.LookupOrder(context.Background(), "BTCUSDT", "cid-1")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestLookupOrderByClientID(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		notFound bool
	}{
		{"filled", http.StatusOK, `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","status":"FILLED","executedQty":"1.00000000","cummulativeQuoteQty":"98.90000000"}`, false},
		{"unknown id", http.StatusBadRequest, `{"code":-2013,"msg":"Order does not exist."}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/api/v3/order", r.URL.Path)
				assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
				assert.Equal(t, "cid-1", r.URL.Query().Get("origClientOrderId"))
				assert.NotEmpty(t, r.URL.Query().Get("signature"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			res, err := c.LookupOrder(context.Background(), "btcusdt", "cid-1")
			if tt.notFound {
				assert.ErrorIs(t, err, common.ErrOrderNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "42", res.ExchangeOrderID)
			assert.Equal(t, common.StatusFilled, res.Status)
			assert.InDelta(t, 98.9, res.AvgPrice, 1e-9)
		})
	}
}

var (
	_ common.Gateway     = (*Client)(nil)
	_ common.OrderLookup = (*Client)(nil)
)
