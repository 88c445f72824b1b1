// Package paper simulates a venue in memory for paper trading and backtests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// ErrNoPrice is returned before the first price is fed for a symbol.
var ErrNoPrice = errors.New("paper: no price for symbol")

// Config tunes the simulation.
type Config struct {
	InitialBalance float64 // quote currency
	FeeRate        float64 // decimal, e.g. 0.001 = 10 bps
	SlippageBps    float64 // worst-case adverse slippage applied on fills
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	Seed           int64 // 0 = time-based
	// Filters per symbol; symbols without an entry get DefaultFilters.
	Filters map[string]common.FilterSpec
}

// DefaultFilters resembles a Binance USDT spot pair.
func DefaultFilters(symbol string) common.FilterSpec {
	return common.FilterSpec{
		Symbol:            symbol,
		TickSize:          0.01,
		StepSize:          0.00001,
		MinQty:            0.00001,
		MinNotional:       5,
		MaxPriceDeviation: 0.2,
	}
}

// Fill is one simulated execution.
type Fill struct {
	OrderID  string      `json:"order_id"`
	ClientID string      `json:"client_id,omitempty"`
	Symbol   string      `json:"symbol"`
	Side     common.Side `json:"side"`
	Qty      float64     `json:"qty"`
	Price    float64     `json:"price"`
	Fee      float64     `json:"fee"`
	At       time.Time   `json:"at"`
}

// Position is the net simulated holding of one symbol; negative is short.
type Position struct {
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// Gateway fills every order immediately at the requested (or last) price.
// It implements common.Gateway.
type Gateway struct {
	cfg      Config
	recorder common.Recorder
	log      *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	balance   float64
	positions map[string]*Position
	fills     []Fill
	seq       int64
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithRecorder reports every simulated call to r.
func WithRecorder(r common.Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New creates a paper venue.
func New(cfg Config, opts ...Option) *Gateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	g := &Gateway{
		cfg:       cfg,
		recorder:  common.NopRecorder,
		log:       zap.NewNop(),
		rng:       rand.New(rand.NewSource(seed)),
		prices:    make(map[string]float64),
		balance:   cfg.InitialBalance,
		positions: make(map[string]*Position),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("paper")
	return g
}

// SetPrice feeds the latest market price for symbol.
func (g *Gateway) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	g.mu.Lock()
	g.prices[strings.ToUpper(symbol)] = price
	g.mu.Unlock()
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.call(ctx, "/api/v3/ping", "GET", func() error { return nil })
}

func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.call(ctx, "/api/v3/ticker/price", "GET", func() error {
		g.mu.Lock()
		defer g.mu.Unlock()
		p, ok := g.prices[strings.ToUpper(symbol)]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoPrice, symbol)
		}
		price = p
		return nil
	})
	return price, err
}

func (g *Gateway) GetFilterSpec(ctx context.Context, symbol string) (common.FilterSpec, error) {
	var spec common.FilterSpec
	err := g.call(ctx, "/api/v3/exchangeInfo", "GET", func() error {
		sym := strings.ToUpper(symbol)
		if f, ok := g.cfg.Filters[sym]; ok {
			spec = f
		} else {
			spec = DefaultFilters(sym)
		}
		return nil
	})
	return spec, err
}

func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var res common.OrderResult
	err := g.call(ctx, "/api/v3/order", "POST", func() error {
		var err error
		res, err = g.fill(req)
		return err
	})
	return res, err
}

// CancelOrder is a no-op: every paper order fills on submission.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return g.call(ctx, "/api/v3/order", "DELETE", func() error { return nil })
}

// LookupOrder finds a filled order by client id.
func (g *Gateway) LookupOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	var res common.OrderResult
	err := g.call(ctx, "/api/v3/order", "GET", func() error {
		sym := strings.ToUpper(symbol)
		g.mu.Lock()
		defer g.mu.Unlock()
		for i := len(g.fills) - 1; i >= 0; i-- {
			f := g.fills[i]
			if clientID != "" && f.ClientID == clientID && f.Symbol == sym {
				res = common.OrderResult{
					ExchangeOrderID: f.OrderID,
					Status:          common.StatusFilled,
					ClientID:        f.ClientID,
					FilledQty:       f.Qty,
					AvgPrice:        f.Price,
				}
				return nil
			}
		}
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, clientID)
	})
	return res, err
}

func (g *Gateway) fill(req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper: invalid quantity %v", req.Qty)
	}
	sym := strings.ToUpper(req.Symbol)

	g.mu.Lock()
	defer g.mu.Unlock()

	// Market orders take the last fed price; limits fill at their own price.
	price := req.Price
	if last := g.prices[sym]; last > 0 && (req.Type == common.OrderTypeMarket || price <= 0) {
		price = last
	}
	if price <= 0 {
		return common.OrderResult{}, fmt.Errorf("%w: %s", ErrNoPrice, sym)
	}
	if slip := g.cfg.SlippageBps / 10000; slip > 0 {
		noise := g.rng.Float64() * slip
		if req.Side == common.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	value := price * req.Qty
	fee := value * g.cfg.FeeRate
	if req.Side == common.SideBuy {
		if g.cfg.InitialBalance > 0 && value+fee > g.balance {
			return common.OrderResult{ClientID: req.ClientID, Status: common.StatusRejected},
				fmt.Errorf("paper: insufficient balance: need %.2f, have %.2f", value+fee, g.balance)
		}
		g.balance -= value + fee
	} else {
		g.balance += value - fee
	}
	g.updatePosition(sym, req.Side, req.Qty, price)

	g.seq++
	id := strconv.FormatInt(g.seq, 10)
	g.fills = append(g.fills, Fill{OrderID: id, ClientID: req.ClientID, Symbol: sym, Side: req.Side, Qty: req.Qty, Price: price, Fee: fee, At: time.Now()})
	g.log.Debug("paper: filled",
		zap.String("symbol", sym),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty),
		zap.Float64("price", price),
		zap.Float64("balance", g.balance))

	return common.OrderResult{
		ExchangeOrderID: id,
		Status:          common.StatusFilled,
		ClientID:        req.ClientID,
		FilledQty:       req.Qty,
		AvgPrice:        price,
	}, nil
}

func (g *Gateway) updatePosition(sym string, side common.Side, qty, price float64) {
	signed := qty
	if side == common.SideSell {
		signed = -qty
	}
	pos, ok := g.positions[sym]
	if !ok {
		g.positions[sym] = &Position{Qty: signed, AvgPrice: price}
		return
	}
	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (signed > 0):
		total := pos.Qty*pos.AvgPrice + signed*price
		pos.Qty += signed
		if pos.Qty != 0 {
			pos.AvgPrice = total / pos.Qty
		}
	default:
		pos.Qty += signed
		if pos.Qty == 0 {
			delete(g.positions, sym)
		} else if (pos.Qty > 0) == (signed > 0) {
			// flipped through zero
			pos.AvgPrice = price
		}
	}
}

// call simulates latency and records the request like a REST round trip.
func (g *Gateway) call(ctx context.Context, endpoint, method string, fn func() error) error {
	start := time.Now()
	if d := g.latency(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err := common.NewTransportError("paper "+endpoint, ctx.Err())
			g.recorder.RecordAPICall(endpoint, method, time.Since(start), 0, false, err)
			return err
		}
	}
	err := fn()
	status := 200
	if err != nil {
		status = 400
	}
	g.recorder.RecordAPICall(endpoint, method, time.Since(start), status, err == nil, err)
	return err
}

func (g *Gateway) latency() time.Duration {
	if g.cfg.LatencyMax <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	span := int64(g.cfg.LatencyMax - g.cfg.LatencyMin)
	d := g.cfg.LatencyMin
	if span > 0 {
		d += time.Duration(g.rng.Int63n(span + 1))
	}
	return d
}

// Balance is the simulated quote balance.
func (g *Gateway) Balance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance
}

// Position returns the net holding of symbol.
func (g *Gateway) Position(symbol string) Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.positions[strings.ToUpper(symbol)]; ok {
		return *p
	}
	return Position{}
}

// Fills returns every simulated execution in order.
func (g *Gateway) Fills() []Fill {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Fill, len(g.fills))
	copy(out, g.fills)
	return out
}
