package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grid-core/internal/events"
	"grid-core/internal/ledger"
	"grid-core/internal/market"
	"grid-core/internal/shutdown"
	"grid-core/internal/strategy"
	"grid-core/pkg/exchanges/common"
	"grid-core/pkg/exchanges/paper"
)

type staticGrid struct{ st strategy.Status }

func (g staticGrid) Status() strategy.Status { return g.st }

const testSecret = "test-secret-0123456789abcdef0123456789"

type testEnv struct {
	srv    *httptest.Server
	ledger *ledger.Ledger
	coord  *shutdown.Coordinator
	bus    *events.Bus
	paper  *paper.Gateway
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := ledger.New(ledger.DefaultConfig())
	coord := shutdown.New(zap.NewNop())
	bus := events.NewBus()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "grid_test_total", Help: "test"}))

	sim := paper.New(paper.Config{InitialBalance: 1000})
	feed := market.NewReplayPrices("BTCUSDT", time.Unix(0, 0), 100, 101)

	server := NewServer(Deps{
		Bus:        bus,
		Grid:       staticGrid{st: strategy.Status{Strategy: "grid", Symbol: "BTCUSDT", State: "running", LastPrice: 101}},
		Ledger:     l,
		Shutdown:   coord,
		Gatherer:   reg,
		Account:    sim,
		Feed:       feed,
		AuthSecret: testSecret,
	}, SystemMeta{Mode: "paper", Venue: "paper", Symbol: "BTCUSDT", Version: "test"})

	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, ledger: l, coord: coord, bus: bus, paper: sim}
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token, err := IssueToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	return token
}

func doJSONRequest(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	return doAuthRequest(t, method, url, "", body)
}

func doAuthRequest(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func seedTrades(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := l.RecordEntry(ledger.Entry{ID: id, Symbol: "BTCUSDT", Strategy: "grid", Direction: ledger.DirectionBuy, EntryPrice: 100, Quantity: 1})
		require.NoError(t, err)
	}
	_, err := l.RecordExit("t1", 105, "profit_target")
	require.NoError(t, err)
	_, err = l.Cancel("t2", "rejected")
	require.NoError(t, err)
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestAPIServer(t)

	resp, body := doJSONRequest(t, http.MethodGet, env.srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	seedTrades(t, env.ledger)
	resp, body = doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, "running", body["state"])
	assert.EqualValues(t, 1, body["active_trades"])
	sd := body["shutdown"].(map[string]any)
	assert.Equal(t, false, sd["requested"])
	assert.Equal(t, "armed", sd["state"])
	assert.EqualValues(t, 1000, body["balance"])
	feed := body["feed"].(map[string]any)
	assert.Equal(t, "replay", feed["source"])
	assert.EqualValues(t, 2, feed["remaining"])
}

func TestAccountEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	env.paper.SetPrice("BTCUSDT", 100)
	_, err := env.paper.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.5, ClientID: "grid-1",
	})
	require.NoError(t, err)

	resp, body := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/account", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	pos := body["position"].(map[string]any)
	assert.EqualValues(t, 0.5, pos["qty"])
	fills := body["fills"].([]any)
	require.Len(t, fills, 1)
	assert.Equal(t, "BUY", fills[0].(map[string]any)["side"])
	assert.Less(t, body["balance"].(float64), 1000.0)
}

func TestListTradesByStatus(t *testing.T) {
	env := newTestAPIServer(t)
	seedTrades(t, env.ledger)

	tests := []struct {
		query string
		code  int
		count int
		first string
	}{
		{"", http.StatusOK, 1, "t3"},
		{"?status=active", http.StatusOK, 1, "t3"},
		{"?status=closed", http.StatusOK, 1, "t1"},
		{"?status=CANCELLED", http.StatusOK, 1, "t2"},
		{"?status=bogus", http.StatusBadRequest, 0, ""},
		{"?limit=abc", http.StatusBadRequest, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, body := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/trades"+tt.query, nil)
			require.Equal(t, tt.code, resp.StatusCode)
			if tt.code != http.StatusOK {
				assert.NotEmpty(t, body["code"])
				return
			}
			trades := body["trades"].([]any)
			require.Len(t, trades, tt.count)
			assert.Equal(t, tt.first, trades[0].(map[string]any)["id"])
		})
	}
}

func TestGetTrade(t *testing.T) {
	env := newTestAPIServer(t)
	seedTrades(t, env.ledger)

	resp, body := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/trades/t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])
	assert.InDelta(t, 5.0, body["pnl"], 1e-9)

	resp, body = doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/trades/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TRADE_NOT_FOUND", body["code"])
}

func TestReportFormats(t *testing.T) {
	env := newTestAPIServer(t)
	seedTrades(t, env.ledger)

	resp, body := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "grid", body["strategy"])
	assert.EqualValues(t, 3, body["total_trades"])
	assert.EqualValues(t, 1, body["wins"])

	resp, err := http.Get(env.srv.URL + "/api/report?format=text")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "BTCUSDT")
}

func TestAPICallsEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	env.ledger.RecordAPICall("/api/v3/order", "POST", 10*time.Millisecond, 200, true, nil)
	env.ledger.RecordAPICall("/api/v3/order", "POST", 30*time.Millisecond, 503, false, assert.AnError)

	resp, body := doJSONRequest(t, http.MethodGet, env.srv.URL+"/api/api-calls?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["calls"].([]any), 2)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["calls"])
	assert.EqualValues(t, 1, stats["errors"])
}

func TestShutdownEndpointIsIdempotent(t *testing.T) {
	env := newTestAPIServer(t)

	token := operatorToken(t)
	resp, body := doAuthRequest(t, http.MethodPost, env.srv.URL+"/api/shutdown", token, shutdownRequest{Reason: "operator"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "operator", body["reason"])
	assert.True(t, env.coord.IsShutdownRequested())

	select {
	case <-env.coord.Done():
	default:
		t.Fatal("done channel not closed")
	}

	resp, body = doAuthRequest(t, http.MethodPost, env.srv.URL+"/api/shutdown", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, "operator", body["reason"])
}

func TestShutdownEndpointRequiresToken(t *testing.T) {
	env := newTestAPIServer(t)

	expired, err := IssueToken(testSecret, "ops", -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("another-secret-0123456789abcdef0123", "ops", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"not bearer", "Basic b3BzOm9wcw==", "INVALID_AUTH_HEADER"},
		{"wrong secret", "Bearer " + forged, "INVALID_TOKEN"},
		{"expired", "Bearer " + expired, "INVALID_TOKEN"},
		{"garbage", "Bearer not-a-jwt", "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/shutdown", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
		})
	}
	assert.False(t, env.coord.IsShutdownRequested())
}

func TestShutdownEndpointDisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	coord := shutdown.New(zap.NewNop())
	server := NewServer(Deps{Shutdown: coord}, SystemMeta{})
	ts := httptest.NewServer(server.Router)
	defer ts.Close()

	resp, body := doAuthRequest(t, http.MethodPost, ts.URL+"/api/shutdown", "anything", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "AUTH_NOT_CONFIGURED", body["code"])
	assert.False(t, coord.IsShutdownRequested())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "grid_test_total")
}

func TestWebsocketRelaysBusEvents(t *testing.T) {
	env := newTestAPIServer(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?topic=" + string(events.EventTradeOpened)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Subscription happens after the upgrade; keep publishing until one lands.
	got := make(chan map[string]any, 1)
	go func() {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		env.bus.Publish(events.EventPriceTick, events.Tick{Symbol: "BTCUSDT", Price: 1})
		env.bus.Publish(events.EventTradeOpened, map[string]string{"id": "t1"})
		select {
		case msg := <-got:
			assert.Equal(t, string(events.EventTradeOpened), msg["event"])
			return
		case <-deadline:
			t.Fatal("no websocket message")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
