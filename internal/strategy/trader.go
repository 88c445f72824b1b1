package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-core/internal/events"
	"grid-core/internal/ledger"
	"grid-core/internal/market"
	"grid-core/internal/order"
	"grid-core/internal/report"
	"grid-core/internal/shutdown"
	"grid-core/pkg/exchanges/common"
)

// Deps are the collaborators a controller needs. Bus is optional.
type Deps struct {
	Gateway     common.Gateway
	Ledger      *ledger.Ledger
	Coordinator *shutdown.Coordinator
	Source      market.Source
	Bus         *events.Bus
	Log         *zap.Logger
}

const (
	defaultExitTimeout  = 10 * time.Second
	defaultOrderTimeout = 30 * time.Second
)

// sizing is the per-trade quantity and exit distances.
type sizing struct {
	quantity        float64
	stopLossPct     float64
	profitTargetPct float64
	orderTimeout    time.Duration
	exitTimeout     time.Duration
}

// trader is the order plumbing the controllers share: entries are validated,
// submitted and recorded, exits are placed at market, and the tick loop
// hands off to the coordinator's drain.
type trader struct {
	name   string
	symbol string
	prefix string // client order id tag
	size   sizing

	gateway common.Gateway
	ledger  *ledger.Ledger
	coord   *shutdown.Coordinator
	source  market.Source
	bus     *events.Bus
	log     *zap.Logger

	mu        sync.RWMutex
	filters   common.FilterSpec
	lastPrice float64
}

func newTrader(name, symbol, prefix string, size sizing, deps Deps) (*trader, error) {
	if deps.Gateway == nil || deps.Ledger == nil || deps.Coordinator == nil {
		return nil, fmt.Errorf("%w: gateway, ledger and coordinator are required", ErrInvalidConfig)
	}
	if size.exitTimeout <= 0 {
		size.exitTimeout = defaultExitTimeout
	}
	if size.orderTimeout <= 0 {
		size.orderTimeout = defaultOrderTimeout
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &trader{
		name:    name,
		symbol:  symbol,
		prefix:  prefix,
		size:    size,
		gateway: deps.Gateway,
		ledger:  deps.Ledger,
		coord:   deps.Coordinator,
		source:  deps.Source,
		bus:     deps.Bus,
		log:     log.Named("strategy").With(zap.String("strategy", name), zap.String("symbol", symbol)),
	}, nil
}

// loadFilters fetches the symbol rules and overlays overrides. When the
// exchange is unreachable the overrides alone are used, provided they carry
// a tick size.
func (t *trader) loadFilters(ctx context.Context, overrides common.FilterSpec) (common.FilterSpec, error) {
	callCtx, cancel := t.orderCtx(ctx)
	defer cancel()
	spec, err := t.gateway.GetFilterSpec(callCtx, t.symbol)
	if err != nil {
		if overrides.TickSize <= 0 {
			return common.FilterSpec{}, fmt.Errorf("load filters for %s: %w", t.symbol, err)
		}
		t.log.Warn("strategy: exchange filters unavailable, using configured overrides", zap.Error(err))
		spec = common.FilterSpec{Symbol: t.symbol}
	}
	return spec.Merge(overrides), nil
}

func (t *trader) setMarket(spec common.FilterSpec, price float64) {
	t.mu.Lock()
	t.filters = spec
	t.lastPrice = price
	t.mu.Unlock()
}

func (t *trader) observe(price float64) {
	t.mu.Lock()
	t.lastPrice = price
	t.mu.Unlock()
	t.bus.Publish(events.EventPriceTick, events.Tick{Symbol: t.symbol, Price: price})
}

func (t *trader) market() (float64, common.FilterSpec) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPrice, t.filters
}

// orderCtx bounds a single gateway call. It inherits values but not
// cancellation, so an order already on the wire runs to its own timeout
// when shutdown is requested.
func (t *trader) orderCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.size.orderTimeout)
}

// open validates and places an entry at the last price and records the
// trade. The returned id is set whenever the venue filled the order, even if
// the ledger then refused it.
func (t *trader) open(ctx context.Context, dir ledger.Direction, typ common.OrderType, log *zap.Logger) (string, error) {
	price, spec := t.market()
	if price <= 0 {
		return "", ErrNoPrice
	}

	adj, err := order.Validate(price, t.size.quantity, spec, price)
	if err != nil {
		log.Warn("strategy: order rejected by validator", zap.Error(err))
		t.bus.Publish(events.EventOrderRejected, events.OrderRejected{
			Symbol: t.symbol,
			Side:   string(dir),
			Price:  price,
			Reason: order.ReasonOf(err).String(),
		})
		return "", err
	}

	tradeID := uuid.NewString()
	callCtx, cancel := t.orderCtx(ctx)
	res, err := t.gateway.SubmitOrder(callCtx, common.OrderRequest{
		Symbol:      t.symbol,
		Side:        common.Side(dir),
		Type:        typ,
		Qty:         adj.Quantity,
		Price:       adj.Price,
		TimeInForce: common.TIFIOC,
		ClientID:    clientOrderID(t.prefix, tradeID),
	})
	cancel()
	if err == nil {
		err = checkFilled(res)
	}
	if err != nil {
		t.gatewayFailed(log, "entry", err)
		return "", err
	}

	entry, qty := fillOf(res, adj.Price, adj.Quantity)
	sl, pt := t.exitLevels(dir, entry, spec.TickSize)
	trade, err := t.ledger.RecordEntry(ledger.Entry{
		ID:           tradeID,
		Symbol:       t.symbol,
		Direction:    dir,
		EntryPrice:   entry,
		Quantity:     qty,
		StopLoss:     sl,
		ProfitTarget: pt,
		Strategy:     t.name,
	})
	if err != nil {
		// The order is on the exchange; the caller must not place it again.
		log.Error("strategy: ledger rejected entry", zap.String("trade_id", tradeID), zap.Error(err))
	}

	log.Info("strategy: trade opened",
		zap.String("trade_id", tradeID),
		zap.Float64("entry", entry),
		zap.Float64("qty", qty),
		zap.Float64("stop_loss", sl),
		zap.Float64("profit_target", pt))
	t.bus.Publish(events.EventOrderFilled, res)
	if err == nil {
		t.bus.Publish(events.EventTradeOpened, trade)
	}
	return tradeID, nil
}

// closeTrade places the exit order and records the exit. When the exchange
// does not fill it the trade stays active and is retried on the next tick.
func (t *trader) closeTrade(ctx context.Context, trade ledger.Trade, exitPrice float64, reason string) error {
	log := t.log.With(zap.String("trade_id", trade.ID), zap.String("reason", reason), zap.Float64("price", exitPrice))

	callCtx, cancel := t.orderCtx(ctx)
	fill, err := t.placeExit(callCtx, trade, exitPrice)
	cancel()
	if err != nil {
		t.gatewayFailed(log, "exit", err)
		return err
	}
	closed, err := t.ledger.RecordExit(trade.ID, fill, reason)
	if err != nil {
		log.Error("strategy: ledger rejected exit", zap.Error(err))
		return err
	}
	log.Info("strategy: trade closed",
		zap.Float64("exit", closed.ExitPrice),
		zap.Float64("pnl", closed.PnL),
		zap.Float64("pnl_pct", closed.PnLPct))
	t.bus.Publish(events.EventTradeClosed, closed)
	return nil
}

// placeExit flattens trade with an opposite-side market order for its full
// quantity and returns the fill price. Exits are not scaled to min notional.
func (t *trader) placeExit(ctx context.Context, trade ledger.Trade, exitPrice float64) (float64, error) {
	_, spec := t.market()
	res, err := t.gateway.SubmitOrder(ctx, common.OrderRequest{
		Symbol:      trade.Symbol,
		Side:        common.Side(trade.Direction).Opposite(),
		Type:        common.OrderTypeMarket,
		Qty:         trade.Quantity,
		Price:       order.RoundToTick(exitPrice, spec.TickSize),
		TimeInForce: common.TIFIOC,
		ClientID:    clientOrderID(t.prefix, uuid.NewString()),
	})
	if err == nil {
		err = checkFilled(res)
	}
	if err != nil {
		return 0, err
	}
	fill, _ := fillOf(res, exitPrice, trade.Quantity)
	return fill, nil
}

// checkTrades closes this strategy's active trades whose profit target or
// stop-loss the price has crossed. The target is checked first.
func (t *trader) checkTrades(ctx context.Context, price float64) {
	if price <= 0 {
		return
	}
	for _, tr := range t.ledger.Active(t.name) {
		if t.coord.IsShutdownRequested() {
			return
		}
		reason := exitReason(tr, price)
		if reason == "" {
			continue
		}
		_ = t.closeTrade(ctx, tr, price, reason)
	}
}

func exitReason(t ledger.Trade, price float64) string {
	buy := t.Direction == ledger.DirectionBuy
	switch {
	case t.ProfitTarget > 0 && buy && price >= t.ProfitTarget,
		t.ProfitTarget > 0 && !buy && price <= t.ProfitTarget:
		return ReasonProfitTarget
	case t.StopLoss > 0 && buy && price <= t.StopLoss,
		t.StopLoss > 0 && !buy && price >= t.StopLoss:
		return ReasonStopLoss
	}
	return ""
}

// run polls the source until shutdown is requested, the context ends or the
// source runs out, then drains through the coordinator.
//
// Only the wait for the next tick and the sleep between ticks are cut short
// by shutdown. A step already in progress keeps its context, so orders it
// has sent complete or time out on their own and are recorded before the
// drain starts.
func (t *trader) run(ctx context.Context, tickInterval time.Duration, step func(context.Context, float64), drain shutdown.DrainFunc) (report.Snapshot, error) {
	if t.source == nil {
		return report.Snapshot{}, fmt.Errorf("%w: no tick source", ErrInvalidConfig)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.coord.Done():
			cancel()
		case <-loopCtx.Done():
		}
	}()
	stepCtx := context.WithoutCancel(ctx)

	t.log.Info("strategy: running", zap.Duration("interval", tickInterval))
	for !t.coord.IsShutdownRequested() && loopCtx.Err() == nil {
		tick, err := t.source.Next(loopCtx)
		switch {
		case errors.Is(err, market.ErrEndOfData):
			t.coord.Request("market data exhausted")
		case err != nil:
			if loopCtx.Err() == nil {
				t.log.Warn("strategy: tick unavailable, skipping", zap.Error(err))
			}
		default:
			step(stepCtx, tick.Price)
		}

		if tickInterval > 0 && !t.coord.IsShutdownRequested() {
			timer := time.NewTimer(tickInterval)
			select {
			case <-timer.C:
			case <-loopCtx.Done():
				timer.Stop()
			}
		}
	}

	snap, _ := t.coord.PerformGracefulShutdown(stepCtx, drain)
	return snap, nil
}

// closeAll closes every active trade at market and records the venue's fill
// price, or the last observed price when none is reported. Each exit is
// bounded by the exit timeout; one the exchange does not confirm is recorded
// as unconfirmed at the last price.
func (t *trader) closeAll(ctx context.Context) []ledger.Trade {
	last, _ := t.market()
	closed := t.ledger.CloseAllActive(last, ReasonShutdown, func(tr ledger.Trade) (float64, error) {
		exitCtx, cancel := context.WithTimeout(ctx, t.size.exitTimeout)
		defer cancel()
		return t.placeExit(exitCtx, tr, last)
	})
	for _, tr := range closed {
		fields := []zap.Field{zap.String("trade_id", tr.ID), zap.Float64("exit", tr.ExitPrice), zap.Float64("pnl", tr.PnL)}
		if !tr.ExitConfirmed {
			t.log.Error("strategy: exit unconfirmed", append(fields, zap.String("error", tr.ExitError))...)
		} else {
			t.log.Info("strategy: closed on shutdown", fields...)
		}
		t.bus.Publish(events.EventTradeClosed, tr)
	}
	return closed
}

// snapshot is the ledger report stamped with this strategy.
func (t *trader) snapshot() report.Snapshot {
	last, _ := t.market()
	snap := t.ledger.Snapshot()
	snap.Strategy = t.name
	snap.Symbol = t.symbol
	snap.LastPrice = last
	return snap
}

func (t *trader) exitLevels(dir ledger.Direction, entry, tick float64) (stopLoss, target float64) {
	sl, pt := t.size.stopLossPct, t.size.profitTargetPct
	if dir == ledger.DirectionSell {
		sl, pt = -sl, -pt
	}
	if t.size.stopLossPct > 0 {
		stopLoss = order.RoundToTick(entry*(1-sl), tick)
	}
	if t.size.profitTargetPct > 0 {
		target = order.RoundToTick(entry*(1+pt), tick)
	}
	return stopLoss, target
}

// gatewayFailed logs and publishes a gateway error. Unauthorized ends the session.
func (t *trader) gatewayFailed(log *zap.Logger, op string, err error) {
	kind := common.KindOf(err)
	t.bus.Publish(events.EventGatewayError, events.GatewayError{Op: op, Kind: kind.String(), Error: err.Error()})
	if kind == common.KindUnauthorized {
		log.Error("strategy: exchange rejected credentials, shutting down", zap.String("op", op), zap.Error(err))
		t.coord.Request("gateway unauthorized")
		return
	}
	log.Warn("strategy: gateway call failed, skipping tick", zap.String("op", op), zap.String("kind", kind.String()), zap.Error(err))
}

// ErrNotFilled is returned when the exchange acknowledged an order without filling it.
var ErrNotFilled = errors.New("strategy: order not filled")

func checkFilled(res common.OrderResult) error {
	switch res.Status {
	case common.StatusRejected, common.StatusExpired, common.StatusCanceled:
		if res.FilledQty <= 0 {
			return fmt.Errorf("%w: %s", ErrNotFilled, res.Status)
		}
	}
	return nil
}

// fillOf prefers the venue-reported fill over the requested values.
func fillOf(res common.OrderResult, price, qty float64) (float64, float64) {
	if res.AvgPrice > 0 {
		price = res.AvgPrice
	}
	if res.FilledQty > 0 {
		qty = res.FilledQty
	}
	return price, qty
}

// clientOrderID fits Binance's 36-char newClientOrderId limit.
func clientOrderID(prefix, id string) string {
	cid := prefix + "-" + id
	if len(cid) > 36 {
		cid = cid[:36]
	}
	return cid
}
