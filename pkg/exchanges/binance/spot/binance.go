package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the production/testnet host
	Timeout    time.Duration
}

// Client is a Binance spot REST client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	clock      *common.Clock
	weights    *common.WeightTracker
	recorder   common.Recorder
	log        *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithRecorder reports every request to r.
func WithRecorder(r common.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// ErrMissingCredentials is returned by signed endpoints without a key pair.
var ErrMissingCredentials = errors.New("binance: API key/secret required")

func New(cfg Config, opts ...Option) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		recorder:   common.NopRecorder,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("binance")
	c.clock = common.NewClock(c.GetServerTime, 0, c.log)
	// 1200 weight/min for spot
	c.weights = common.NewWeightTracker(1200, time.Minute, c.log)
	return c
}

// SyncTime keeps the signing clock aligned with the server until ctx is done.
func (c *Client) SyncTime(ctx context.Context) {
	c.clock.Run(ctx)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, "ping", "/api/v3/ping", nil)
	return err
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "time", "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// GetCurrentPrice returns the last traded price for symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.doPublic(ctx, "price", "/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode ticker price: %w", err)
	}
	price, err := strconv.ParseFloat(res.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("binance: invalid price %q for %s", res.Price, symbol)
	}
	return price, nil
}

// GetFilterSpec reads the symbol's trading rules from exchangeInfo.
func (c *Client) GetFilterSpec(ctx context.Context, symbol string) (common.FilterSpec, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.doPublic(ctx, "filters", "/api/v3/exchangeInfo", params)
	if err != nil {
		return common.FilterSpec{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.FilterSpec{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if strings.EqualFold(s.Symbol, symbol) {
			return s.filterSpec(), nil
		}
	}
	return common.FilterSpec{}, fmt.Errorf("binance: symbol %s not in exchange info", symbol)
}

func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, ErrMissingCredentials
	}

	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeLimit
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "FULL")
	if ordType == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, "submit", http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	return decodeOrder(body)
}

// LookupOrder queries an order by the client id it was submitted with.
// Binance answers -2013 for an id it does not know.
func (c *Client) LookupOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, ErrMissingCredentials
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("origClientOrderId", clientID)

	body, err := c.doSigned(ctx, "lookup", http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var gerr *common.GatewayError
		if errors.As(err, &gerr) && strings.Contains(gerr.Body, `"code":-2013`) {
			return common.OrderResult{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, clientID)
		}
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

func decodeOrder(body []byte) (common.OrderResult, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)
	res.FilledQty = executed
	if executed > 0 && quote > 0 {
		res.AvgPrice = quote / executed
	}
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return ErrMissingCredentials
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, "cancel", http.MethodDelete, "/api/v3/order", params)
	return err
}

func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.send(op, path, req)
}

// doSigned timestamps and signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.clock.NowMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Binance expects signed params in the query string here.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(op, path, req)
}

// send performs req, records the call and classifies failures.
func (c *Client) send(op, path string, req *http.Request) ([]byte, error) {
	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		gerr := common.NewTransportError("binance "+op, err)
		c.recorder.RecordAPICall(path, req.Method, time.Since(start), 0, false, gerr)
		return nil, gerr
	}
	defer res.Body.Close()

	c.weights.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, readErr := io.ReadAll(res.Body)
	latency := time.Since(start)
	if res.StatusCode >= 300 {
		gerr := common.NewStatusError(fmt.Sprintf("binance %s %s", req.Method, path), res.StatusCode, string(body))
		c.recorder.RecordAPICall(path, req.Method, latency, res.StatusCode, false, gerr)
		return nil, gerr
	}
	if readErr != nil {
		gerr := common.NewTransportError("binance "+op, readErr)
		c.recorder.RecordAPICall(path, req.Method, latency, res.StatusCode, false, gerr)
		return nil, gerr
	}
	c.recorder.RecordAPICall(path, req.Method, latency, res.StatusCode, true, nil)
	return body, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
