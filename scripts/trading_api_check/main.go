package main

// trading_api_check exercises the spot gateway the grid trades through:
// connectivity, clock offset, price, filters and the order validator.
//
// Usage:
//
//	go run ./scripts/trading_api_check
//
// Environment (same as the main binary):
//
//	BINANCE_API_KEY / BINANCE_API_SECRET / BINANCE_TESTNET
//	SYMBOL, ORDER_QTY, GRID_SPACING_PCT
//
// TRADING_CHECK_PLACE_ORDERS=true additionally submits one LIMIT GTC buy far
// below the market and cancels it. Leave it off until the read-only checks pass.

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"grid-core/internal/ledger"
	"grid-core/internal/order"
	"grid-core/pkg/config"
	exspot "grid-core/pkg/exchanges/binance/spot"
	exchange "grid-core/pkg/exchanges/common"
	"grid-core/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log, err := logger.New(logger.Config{Level: "debug", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	placeOrders := cast.ToBool(os.Getenv("TRADING_CHECK_PLACE_ORDERS"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	led := ledger.New(ledger.DefaultConfig())
	client := exspot.New(exspot.Config{
		APIKey:     cfg.BinanceAPIKey,
		APISecret:  cfg.BinanceAPISecret,
		Testnet:    cfg.BinanceTestnet,
		RecvWindow: cfg.BinanceRecvWindow,
		Timeout:    cfg.RequestTimeout,
	}, exspot.WithRecorder(led), exspot.WithLogger(log))
	gw := exchange.NewRetryGateway(client, exchange.DefaultRetryConfig(), log)

	failed := false
	step := func(name string, err error, fields ...zap.Field) {
		if err != nil {
			failed = true
			log.Error("check failed", append([]zap.Field{zap.String("step", name), zap.String("kind", exchange.KindOf(err).String()), zap.Error(err)}, fields...)...)
			return
		}
		log.Info("check ok", append([]zap.Field{zap.String("step", name)}, fields...)...)
	}

	step("ping", gw.Ping(ctx))

	serverMs, err := client.GetServerTime(ctx)
	step("server_time", err, zap.Int64("offset_ms", serverMs-time.Now().UnixMilli()))

	price, err := gw.GetCurrentPrice(ctx, cfg.Symbol)
	step("price", err, zap.String("symbol", cfg.Symbol), zap.Float64("price", price))

	spec, err := gw.GetFilterSpec(ctx, cfg.Symbol)
	step("filters", err,
		zap.Float64("tick_size", spec.TickSize),
		zap.Float64("step_size", spec.StepSize),
		zap.Float64("min_notional", spec.MinNotional),
		zap.Float64("max_price_deviation", spec.MaxPriceDeviation),
	)

	if price > 0 && spec.TickSize > 0 {
		levelPrice := price * (1 - cfg.GridSpacingPct)
		adj, err := order.Validate(levelPrice, cfg.OrderQty, spec, price)
		step("validate_first_buy_level", err,
			zap.Float64("raw_price", levelPrice),
			zap.Float64("price", adj.Price),
			zap.Float64("qty", adj.Quantity),
			zap.Float64("notional", adj.Notional),
			zap.String("reason", order.ReasonOf(err).String()),
		)

		if placeOrders && err == nil {
			restingOrder(ctx, gw, client, cfg.Symbol, spec, price, cfg.OrderQty, step)
		}
	}

	stats := led.APIStats()
	log.Info("api calls",
		zap.Int64("calls", stats.Calls),
		zap.Int64("errors", stats.Errors),
		zap.Float64("success_rate", stats.SuccessRate),
		zap.Duration("avg_latency", stats.AvgLatency),
	)
	if failed {
		return 1
	}
	return 0
}

// restingOrder rests a buy at the deepest price the venue accepts, finds it
// again by client id and cancels it.
func restingOrder(ctx context.Context, gw exchange.Gateway, lookup exchange.OrderLookup, symbol string, spec exchange.FilterSpec, market, qty float64, step func(string, error, ...zap.Field)) {
	deviation := spec.MaxPriceDeviation
	if deviation <= 0 || deviation > 0.5 {
		deviation = 0.5
	}
	adj, err := order.Validate(market*(1-deviation*0.9), qty, spec, market)
	if err != nil {
		step("order_validate", err)
		return
	}
	clientID := fmt.Sprintf("check-%d", time.Now().UnixMilli())
	res, err := gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        exchange.SideBuy,
		Type:        exchange.OrderTypeLimit,
		Qty:         adj.Quantity,
		Price:       adj.Price,
		TimeInForce: exchange.TIFGTC,
		ClientID:    clientID,
	})
	step("order_submit", err, zap.String("order_id", res.ExchangeOrderID), zap.String("status", string(res.Status)))
	if err != nil || res.ExchangeOrderID == "" {
		return
	}
	found, err := lookup.LookupOrder(ctx, symbol, clientID)
	step("order_lookup", err, zap.String("order_id", found.ExchangeOrderID), zap.String("status", string(found.Status)))
	step("order_cancel", gw.CancelOrder(ctx, symbol, res.ExchangeOrderID))
}
