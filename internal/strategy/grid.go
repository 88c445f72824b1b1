package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-core/internal/events"
	"grid-core/internal/ledger"
	"grid-core/internal/order"
	"grid-core/internal/report"
	"grid-core/pkg/exchanges/common"
)

// GridController places symmetric grid entries around a centre price and
// exits each trade at its profit target or stop-loss.
//
// All trading methods are meant to be called from the run loop only; Status
// may be called from any goroutine.
type GridController struct {
	cfg GridConfig
	tr  *trader

	state atomic.Int32

	mu     sync.RWMutex
	levels []GridLevel // ascending by price
	center float64
}

var _ Controller = (*GridController)(nil)

// NewGridController validates cfg and wires the collaborators.
func NewGridController(cfg GridConfig, deps Deps) (*GridController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "grid"
	}
	if cfg.Spacing == "" {
		cfg.Spacing = SpacingGeometric
	}
	tr, err := newTrader(cfg.Name, cfg.Symbol, "grid", sizing{
		quantity:        cfg.Quantity,
		stopLossPct:     cfg.StopLossPct,
		profitTargetPct: cfg.ProfitTargetPct,
		orderTimeout:    cfg.OrderTimeout,
		exitTimeout:     cfg.ExitTimeout,
	}, deps)
	if err != nil {
		return nil, err
	}
	return &GridController{cfg: cfg, tr: tr}, nil
}

// Name is the strategy name trades are recorded under.
func (g *GridController) Name() string { return g.cfg.Name }

// State returns the lifecycle state.
func (g *GridController) State() State { return State(g.state.Load()) }

// Initialize loads the symbol filters and lays out the grid around currentPrice.
func (g *GridController) Initialize(ctx context.Context, currentPrice float64) error {
	if currentPrice <= 0 || math.IsNaN(currentPrice) || math.IsInf(currentPrice, 0) {
		return fmt.Errorf("%w: initial price %v", ErrInvalidConfig, currentPrice)
	}

	spec, err := g.tr.loadFilters(ctx, g.cfg.Filters)
	if err != nil {
		return err
	}
	levels, err := BuildLevels(currentPrice, g.cfg.GridCount, g.cfg.SpacingPct, g.cfg.Spacing, spec.TickSize)
	if err != nil {
		return err
	}

	g.tr.setMarket(spec, currentPrice)
	g.mu.Lock()
	g.levels = levels
	g.center = currentPrice
	g.mu.Unlock()
	g.state.Store(int32(StateRunning))

	g.tr.log.Info("strategy: grid initialized",
		zap.Float64("center", currentPrice),
		zap.Int("levels", len(levels)),
		zap.Float64("tick_size", spec.TickSize),
		zap.Float64("min_notional", spec.MinNotional))
	return nil
}

// BuildLevels lays out count buy levels below and count sell levels above
// center, rounded to tick and sorted ascending. It fails if any two levels
// collapse onto the same price or a buy level is not positive.
func BuildLevels(center float64, count int, spacingPct float64, mode Spacing, tick float64) ([]GridLevel, error) {
	if count <= 0 || spacingPct <= 0 || spacingPct >= 1 {
		return nil, fmt.Errorf("%w: count=%d spacing=%v", ErrInvalidConfig, count, spacingPct)
	}
	levels := make([]GridLevel, 0, 2*count)
	for i := 1; i <= count; i++ {
		var down, up float64
		if mode == SpacingLinear {
			down = center * (1 - float64(i)*spacingPct)
			up = center * (1 + float64(i)*spacingPct)
		} else {
			down = center * math.Pow(1-spacingPct, float64(i))
			up = center * math.Pow(1+spacingPct, float64(i))
		}
		down = order.RoundToTick(down, tick)
		up = order.RoundToTick(up, tick)
		if down <= 0 {
			return nil, fmt.Errorf("%w: buy level %d at %v is not positive", ErrInvalidConfig, i, down)
		}
		levels = append(levels,
			GridLevel{Price: down, Side: ledger.DirectionBuy, State: LevelArmed},
			GridLevel{Price: up, Side: ledger.DirectionSell, State: LevelArmed},
		)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	for i := range levels {
		levels[i].Index = i
		if i > 0 && levels[i].Price == levels[i-1].Price {
			return nil, fmt.Errorf("%w: levels overlap at %v; widen spacing or lower grid count", ErrInvalidConfig, levels[i].Price)
		}
	}
	if levels[count-1].Price >= center || levels[count].Price <= center {
		return nil, fmt.Errorf("%w: spacing is below one tick at %v", ErrInvalidConfig, center)
	}
	return levels, nil
}

// OnTick fires every armed level the price has crossed. Buys are visited from
// the highest level down and sells from the lowest up, so the nearest level
// fires first.
func (g *GridController) OnTick(ctx context.Context, price float64) {
	if g.State() != StateRunning || price <= 0 {
		return
	}
	g.tr.observe(price)

	g.mu.RLock()
	var fired []GridLevel
	for i := len(g.levels) - 1; i >= 0; i-- {
		if l := g.levels[i]; l.Side == ledger.DirectionBuy && l.State == LevelArmed && price <= l.Price {
			fired = append(fired, l)
		}
	}
	for _, l := range g.levels {
		if l.Side == ledger.DirectionSell && l.State == LevelArmed && price >= l.Price {
			fired = append(fired, l)
		}
	}
	g.mu.RUnlock()

	for _, l := range fired {
		if g.tr.coord.IsShutdownRequested() {
			return
		}
		g.tr.bus.Publish(events.EventStrategySignal, events.Signal{
			Strategy: g.cfg.Name,
			Symbol:   g.cfg.Symbol,
			Side:     string(l.Side),
			Level:    l.Price,
			Price:    price,
		})
		// On failure the level stays armed for a later tick.
		_ = g.ExecuteTrade(ctx, l, l.Side)
	}
}

// ExecuteTrade validates and places an entry for level at the last price,
// records it and marks the level filled. On any failure the level stays
// armed for a later tick.
func (g *GridController) ExecuteTrade(ctx context.Context, level GridLevel, direction ledger.Direction) error {
	g.mu.RLock()
	armed := level.Index >= 0 && level.Index < len(g.levels) && g.levels[level.Index].State == LevelArmed
	g.mu.RUnlock()
	if !armed {
		return fmt.Errorf("%w: %d", ErrLevelNotArmed, level.Index)
	}
	price, _ := g.tr.market()
	log := g.tr.log.With(zap.String("side", string(direction)), zap.Float64("level", level.Price), zap.Float64("price", price))

	tradeID, err := g.tr.open(ctx, direction, common.OrderTypeLimit, log)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.levels[level.Index].State = LevelFilled
	g.levels[level.Index].TradeID = tradeID
	g.mu.Unlock()
	return nil
}

// CheckTrades closes this strategy's active trades whose profit target or
// stop-loss the price has crossed. The target is checked first.
func (g *GridController) CheckTrades(ctx context.Context, price float64) {
	g.tr.checkTrades(ctx, price)
}

// CloseTrade places the exit order and records the exit. When the exchange
// does not fill it the trade stays active and is retried on the next tick.
// Grid levels are left as they are.
func (g *GridController) CloseTrade(ctx context.Context, trade ledger.Trade, exitPrice float64, reason string) error {
	return g.tr.closeTrade(ctx, trade, exitPrice, reason)
}

// Step runs one iteration of the strategy for price: entries, then exits.
func (g *GridController) Step(ctx context.Context, price float64) {
	g.OnTick(ctx, price)
	g.CheckTrades(ctx, price)
}

// RunStrategy polls the source until shutdown is requested, the context ends
// or the source runs out, then drains through the coordinator. The final
// snapshot is returned; a second drain elsewhere returns the same one.
func (g *GridController) RunStrategy(ctx context.Context, tickInterval time.Duration) (report.Snapshot, error) {
	if g.State() != StateRunning {
		return report.Snapshot{}, ErrNotInitialized
	}
	return g.tr.run(ctx, tickInterval, g.Step, g.Drain)
}

// Drain closes every active trade at the last observed price and builds the
// final snapshot. Exits the exchange does not confirm are recorded as such
// and never block the drain. It is normally invoked through the coordinator.
func (g *GridController) Drain(ctx context.Context) report.Snapshot {
	g.state.Store(int32(StateDraining))
	g.tr.bus.Publish(events.EventShutdown, events.Shutdown{Reason: g.tr.coord.Reason(), State: StateDraining.String()})

	g.tr.closeAll(ctx)
	snap := g.tr.snapshot()

	g.state.Store(int32(StateTerminated))
	g.tr.bus.Publish(events.EventShutdown, events.Shutdown{Reason: g.tr.coord.Reason(), State: StateTerminated.String()})
	return snap
}

// Status returns a copy of the grid for read-only consumers.
func (g *GridController) Status() Status {
	last, spec := g.tr.market()
	g.mu.RLock()
	defer g.mu.RUnlock()
	levels := make([]GridLevel, len(g.levels))
	copy(levels, g.levels)
	return Status{
		Strategy:  g.cfg.Name,
		Symbol:    g.cfg.Symbol,
		Kind:      KindGrid,
		State:     g.State().String(),
		LastPrice: last,
		Center:    g.center,
		Levels:    levels,
		Filters:   spec,
	}
}
