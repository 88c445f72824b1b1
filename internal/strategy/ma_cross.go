package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-core/internal/events"
	"grid-core/internal/ledger"
	"grid-core/internal/report"
	"grid-core/pkg/exchanges/common"
)

// Crossover signals.
const (
	SignalBullish = "bullish"
	SignalBearish = "bearish"
)

// ReasonSignalReversal is recorded on a position closed by an opposite crossover.
const ReasonSignalReversal = "signal_reversal"

// ErrPositionOpen is returned when an entry would stack on an open position.
var ErrPositionOpen = errors.New("strategy: position already open")

// MACrossConfig holds the crossover settings.
type MACrossConfig struct {
	Name            string
	Symbol          string
	FastWindow      int
	SlowWindow      int
	StopLossPct     float64
	ProfitTargetPct float64
	Quantity        float64
	TickInterval    time.Duration
	Filters         common.FilterSpec
	ExitTimeout     time.Duration
	OrderTimeout    time.Duration
}

// Validate checks the crossover parameters.
func (c MACrossConfig) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	case c.FastWindow <= 0 || c.SlowWindow <= 0:
		return fmt.Errorf("%w: windows %d/%d must be positive", ErrInvalidConfig, c.FastWindow, c.SlowWindow)
	case c.FastWindow >= c.SlowWindow:
		return fmt.Errorf("%w: fast window %d must be below slow window %d", ErrInvalidConfig, c.FastWindow, c.SlowWindow)
	case c.Quantity <= 0:
		return fmt.Errorf("%w: quantity %v", ErrInvalidConfig, c.Quantity)
	case c.StopLossPct < 0 || c.StopLossPct >= 1:
		return fmt.Errorf("%w: stop loss %v must be in [0,1)", ErrInvalidConfig, c.StopLossPct)
	case c.ProfitTargetPct < 0:
		return fmt.Errorf("%w: profit target %v", ErrInvalidConfig, c.ProfitTargetPct)
	}
	return nil
}

// MACrossController holds at most one position and flips it when the fast
// simple moving average crosses the slow one. Each position also carries the
// configured stop-loss and profit target.
type MACrossController struct {
	cfg MACrossConfig
	tr  *trader

	state atomic.Int32

	mu      sync.RWMutex
	prices  []float64 // last SlowWindow prices
	fastMA  float64
	slowMA  float64
	signal  string
	tradeID string
}

var _ Controller = (*MACrossController)(nil)

// NewMACrossController validates cfg and wires the collaborators.
func NewMACrossController(cfg MACrossConfig, deps Deps) (*MACrossController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("sma_%d_%d", cfg.FastWindow, cfg.SlowWindow)
	}
	tr, err := newTrader(cfg.Name, cfg.Symbol, "sma", sizing{
		quantity:        cfg.Quantity,
		stopLossPct:     cfg.StopLossPct,
		profitTargetPct: cfg.ProfitTargetPct,
		orderTimeout:    cfg.OrderTimeout,
		exitTimeout:     cfg.ExitTimeout,
	}, deps)
	if err != nil {
		return nil, err
	}
	return &MACrossController{
		cfg:    cfg,
		tr:     tr,
		prices: make([]float64, 0, cfg.SlowWindow),
	}, nil
}

func (m *MACrossController) Name() string { return m.cfg.Name }

func (m *MACrossController) State() State { return State(m.state.Load()) }

// Initialize loads the symbol filters and takes currentPrice as the first sample.
func (m *MACrossController) Initialize(ctx context.Context, currentPrice float64) error {
	if currentPrice <= 0 || math.IsNaN(currentPrice) || math.IsInf(currentPrice, 0) {
		return fmt.Errorf("%w: initial price %v", ErrInvalidConfig, currentPrice)
	}
	spec, err := m.tr.loadFilters(ctx, m.cfg.Filters)
	if err != nil {
		return err
	}
	m.tr.setMarket(spec, currentPrice)
	m.mu.Lock()
	m.prices = append(m.prices[:0], currentPrice)
	m.mu.Unlock()
	m.state.Store(int32(StateRunning))

	m.tr.log.Info("strategy: crossover initialized",
		zap.Int("fast_window", m.cfg.FastWindow),
		zap.Int("slow_window", m.cfg.SlowWindow),
		zap.Float64("price", currentPrice))
	return nil
}

// OnTick adds price to the window and acts on a signal change: an open
// opposite position is closed first, then one in the new direction is
// opened. A change that could not be acted on is retried on the next tick.
func (m *MACrossController) OnTick(ctx context.Context, price float64) {
	if m.State() != StateRunning || price <= 0 {
		return
	}
	m.tr.observe(price)

	m.mu.Lock()
	m.prices = append(m.prices, price)
	if len(m.prices) > m.cfg.SlowWindow {
		m.prices = m.prices[len(m.prices)-m.cfg.SlowWindow:]
	}
	if len(m.prices) < m.cfg.SlowWindow {
		m.mu.Unlock()
		return
	}
	m.fastMA = movingAverage(m.prices, m.cfg.FastWindow)
	m.slowMA = movingAverage(m.prices, m.cfg.SlowWindow)
	fast, slow, prev := m.fastMA, m.slowMA, m.signal
	m.mu.Unlock()

	var signal string
	switch {
	case fast > slow:
		signal = SignalBullish
	case fast < slow:
		signal = SignalBearish
	}
	if signal == "" || signal == prev || m.tr.coord.IsShutdownRequested() {
		return
	}

	want := ledger.DirectionBuy
	if signal == SignalBearish {
		want = ledger.DirectionSell
	}
	m.tr.log.Info("strategy: signal change",
		zap.String("from", prev), zap.String("to", signal),
		zap.Float64("fast_ma", fast), zap.Float64("slow_ma", slow))
	m.tr.bus.Publish(events.EventStrategySignal, events.Signal{
		Strategy: m.cfg.Name,
		Symbol:   m.cfg.Symbol,
		Side:     string(want),
		Level:    slow,
		Price:    price,
	})

	if open, ok := m.openTrade(); ok {
		if open.Direction != want {
			if err := m.CloseTrade(ctx, open, price, ReasonSignalReversal); err != nil {
				return
			}
		}
	}
	if open, ok := m.openTrade(); !ok || open.Direction != want {
		if err := m.ExecuteTrade(ctx, GridLevel{Index: -1, Price: slow, Side: want}, want); err != nil {
			return
		}
	}

	m.mu.Lock()
	m.signal = signal
	m.mu.Unlock()
}

// ExecuteTrade opens a market position in direction at the last price. level
// only carries the signal for logging. It fails while a position is open.
func (m *MACrossController) ExecuteTrade(ctx context.Context, level GridLevel, direction ledger.Direction) error {
	if m.State() != StateRunning {
		return ErrNotInitialized
	}
	if open, ok := m.openTrade(); ok {
		return fmt.Errorf("%w: %s %s", ErrPositionOpen, open.Direction, open.ID)
	}
	price, _ := m.tr.market()
	log := m.tr.log.With(zap.String("side", string(direction)), zap.Float64("signal", level.Price), zap.Float64("price", price))

	id, err := m.tr.open(ctx, direction, common.OrderTypeMarket, log)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tradeID = id
	m.mu.Unlock()
	return nil
}

// CloseTrade exits trade at market. The trade stays active if the exchange
// does not fill the exit.
func (m *MACrossController) CloseTrade(ctx context.Context, trade ledger.Trade, exitPrice float64, reason string) error {
	return m.tr.closeTrade(ctx, trade, exitPrice, reason)
}

// CheckTrades closes the position when its target or stop has been crossed.
func (m *MACrossController) CheckTrades(ctx context.Context, price float64) {
	m.tr.checkTrades(ctx, price)
}

// Step runs one iteration: signal handling, then exits.
func (m *MACrossController) Step(ctx context.Context, price float64) {
	m.OnTick(ctx, price)
	m.CheckTrades(ctx, price)
}

// RunStrategy drives the tick loop until shutdown and returns the final report.
func (m *MACrossController) RunStrategy(ctx context.Context, tickInterval time.Duration) (report.Snapshot, error) {
	if m.State() != StateRunning {
		return report.Snapshot{}, ErrNotInitialized
	}
	return m.tr.run(ctx, tickInterval, m.Step, m.Drain)
}

// Drain closes the open position at the last observed price and builds the
// final snapshot.
func (m *MACrossController) Drain(ctx context.Context) report.Snapshot {
	m.state.Store(int32(StateDraining))
	m.tr.bus.Publish(events.EventShutdown, events.Shutdown{Reason: m.tr.coord.Reason(), State: StateDraining.String()})

	m.tr.closeAll(ctx)
	snap := m.tr.snapshot()

	m.state.Store(int32(StateTerminated))
	m.tr.bus.Publish(events.EventShutdown, events.Shutdown{Reason: m.tr.coord.Reason(), State: StateTerminated.String()})
	return snap
}

// Status reports the position, the last signal and the averages.
func (m *MACrossController) Status() Status {
	last, spec := m.tr.market()
	position := ""
	if open, ok := m.openTrade(); ok {
		position = "long"
		if open.Direction == ledger.DirectionSell {
			position = "short"
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Strategy:   m.cfg.Name,
		Symbol:     m.cfg.Symbol,
		Kind:       KindMACross,
		State:      m.State().String(),
		LastPrice:  last,
		Filters:    spec,
		Position:   position,
		LastSignal: m.signal,
		FastMA:     m.fastMA,
		SlowMA:     m.slowMA,
		Samples:    len(m.prices),
		Ready:      len(m.prices) >= m.cfg.SlowWindow,
	}
}

// openTrade is the position this controller opened, if it is still active.
func (m *MACrossController) openTrade() (ledger.Trade, bool) {
	m.mu.RLock()
	id := m.tradeID
	m.mu.RUnlock()
	if id == "" {
		return ledger.Trade{}, false
	}
	t, ok := m.tr.ledger.Get(id)
	if !ok || t.Status != ledger.StatusActive {
		return ledger.Trade{}, false
	}
	return t, true
}

// movingAverage is the mean of the last n prices.
func movingAverage(prices []float64, n int) float64 {
	if n <= 0 || len(prices) < n {
		return 0
	}
	var sum float64
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n)
}
