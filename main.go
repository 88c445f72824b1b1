package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"grid-core/internal/api"
	"grid-core/internal/events"
	"grid-core/internal/ledger"
	"grid-core/internal/market"
	"grid-core/internal/monitor"
	"grid-core/internal/report"
	"grid-core/internal/shutdown"
	"grid-core/internal/strategy"
	"grid-core/pkg/config"
	exspot "grid-core/pkg/exchanges/binance/spot"
	exchange "grid-core/pkg/exchanges/common"
	"grid-core/pkg/exchanges/paper"
	"grid-core/pkg/logger"
	marketbinance "grid-core/pkg/market/binance"
)

func main() {
	os.Exit(run())
}

// venue is the order gateway plus the price source feeding the strategy.
// account is set for simulated venues only.
type venue struct {
	name    string
	gateway exchange.Gateway
	source  market.Source
	feed    market.Reporter
	account api.Account
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting grid core",
		zap.String("mode", string(cfg.Mode)),
		zap.String("symbol", cfg.Symbol),
		zap.String("strategy_type", cfg.StrategyType),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	led := ledger.New(ledger.Config{
		ClosedCapacity:    cfg.ClosedCapacity,
		CancelledCapacity: cfg.CancelledCapacity,
		APICapacity:       cfg.APICapacity,
	}, ledger.WithObserver(metrics))

	bus := events.NewBus()
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Alerts: monitor.LogAlertSink{Log: log}, Log: log}
	mon.Start(ctx)

	sinks := []report.Sink{report.LogSink{Log: log}}
	if cfg.ReportFile != "" {
		sinks = append(sinks, report.NewFileSink(cfg.ReportFile))
	}
	coord := shutdown.New(log,
		shutdown.WithSinks(sinks...),
		shutdown.WithOnSignal(func(sig os.Signal) {
			log.Warn("signal received, closing open trades", zap.String("signal", sig.String()))
		}),
	)
	coord.Install()
	defer coord.Stop()

	v, err := buildVenue(ctx, cfg, led, coord, log)
	if err != nil {
		log.Error("venue setup failed", zap.Error(err))
		return 1
	}
	if err := v.gateway.Ping(ctx); err != nil {
		log.Error("gateway unreachable", zap.String("venue", v.name), zap.Error(err))
		return 1
	}

	ctrl, interval, err := buildController(cfg, strategy.Deps{
		Gateway:     v.gateway,
		Ledger:      led,
		Coordinator: coord,
		Source:      v.source,
		Bus:         bus,
		Log:         log,
	})
	if err != nil {
		log.Error("strategy setup failed", zap.Error(err))
		return 1
	}

	// The first tick centres the grid or seeds the averages.
	first, err := v.source.Next(ctx)
	if err != nil {
		log.Error("no initial price", zap.Error(err))
		return 1
	}
	if err := ctrl.Initialize(ctx, first.Price); err != nil {
		log.Error("strategy initialization failed", zap.String("strategy", ctrl.Name()), zap.Float64("price", first.Price), zap.Error(err))
		return 1
	}
	status := ctrl.Status()

	var server *api.Server
	if cfg.EnableAPI {
		if cfg.APIAuthSecret == "" {
			log.Warn("API_AUTH_SECRET not set, shutdown route disabled")
		}
		server = api.NewServer(api.Deps{
			Bus:        bus,
			Grid:       ctrl,
			Ledger:     led,
			Shutdown:   coord,
			Gatherer:   reg,
			Account:    v.account,
			Feed:       v.feed,
			AuthSecret: cfg.APIAuthSecret,
			Log:        log,
		}, api.SystemMeta{
			Mode:    string(cfg.Mode),
			Venue:   v.name,
			Symbol:  status.Symbol,
			Version: appVersion(),
		})
		go func() {
			if err := server.Start(cfg.APIAddr()); err != nil {
				log.Error("api server stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Mode == config.ModeBacktest {
		interval = 0
	}
	snap, runErr := ctrl.RunStrategy(ctx, interval)

	if server != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(stopCtx); err != nil {
			log.Warn("api shutdown", zap.Error(err))
		}
		stopCancel()
	}

	if runErr != nil {
		log.Error("strategy stopped with error", zap.Error(runErr))
		return 1
	}
	log.Info("grid core stopped",
		zap.String("strategy", ctrl.Name()),
		zap.String("reason", coord.Reason()),
		zap.Int("total_trades", snap.TotalTrades),
		zap.Float64("total_pnl", snap.TotalPnL),
		zap.Int("unconfirmed_exits", len(snap.Unconfirmed)),
	)
	return 0
}

// buildVenue wires the gateway and price source for the configured mode.
func buildVenue(ctx context.Context, cfg *config.Config, led *ledger.Ledger, coord *shutdown.Coordinator, log *zap.Logger) (venue, error) {
	switch cfg.Mode {
	case config.ModeLive:
		client := exspot.New(exspot.Config{
			APIKey:     cfg.BinanceAPIKey,
			APISecret:  cfg.BinanceAPISecret,
			Testnet:    cfg.BinanceTestnet,
			RecvWindow: cfg.BinanceRecvWindow,
			Timeout:    cfg.RequestTimeout,
		}, exspot.WithRecorder(led), exspot.WithLogger(log))
		go client.SyncTime(ctx)

		gw := wrapGateway(client, cfg, coord, log)
		src := priceSource(ctx, cfg, gw, log)
		v := venue{name: "binance-spot", gateway: gw, source: src}
		if r, ok := src.(market.Reporter); ok {
			v.feed = r
		}
		return v, nil

	case config.ModePaper:
		sim := paper.New(paper.Config{
			InitialBalance: cfg.PaperBalance,
			FeeRate:        cfg.PaperFeeRate,
			SlippageBps:    cfg.PaperSlippageBps,
		}, paper.WithRecorder(led), paper.WithLogger(log))

		v := venue{name: "paper", gateway: sim, account: sim}
		var src market.Source
		if cfg.UseMockFeed {
			src = &market.RandomWalk{Symbol: cfg.Symbol, StartPrice: 100, Step: 0.5}
		} else {
			// Public prices need no credentials.
			prices := wrapGateway(exspot.New(exspot.Config{Testnet: cfg.BinanceTestnet, Timeout: cfg.RequestTimeout}, exspot.WithLogger(log)), cfg, coord, log)
			src = priceSource(ctx, cfg, prices, log)
		}
		if r, ok := src.(market.Reporter); ok {
			v.feed = r
		}
		v.source = feedPaper(sim, src)
		return v, nil

	case config.ModeBacktest:
		sim := paper.New(paper.Config{
			FeeRate:     cfg.PaperFeeRate,
			SlippageBps: cfg.PaperSlippageBps,
			Seed:        1,
		}, paper.WithRecorder(led), paper.WithLogger(log))

		klines, err := marketbinance.NewClient(cfg.BinanceTestnet).GetKlineHistory(ctx, cfg.Symbol, cfg.BacktestInterval, cfg.BacktestLimit, 0)
		if err != nil {
			return venue{}, fmt.Errorf("backtest klines: %w", err)
		}
		ticks := market.KlineTicks(cfg.Symbol, klines)
		if len(ticks) == 0 {
			return venue{}, errors.New("backtest: no klines returned")
		}
		log.Info("backtest data loaded",
			zap.Int("candles", len(ticks)),
			zap.Time("from", ticks[0].Time),
			zap.Time("to", ticks[len(ticks)-1].Time),
		)
		replay := market.NewReplaySource(ticks)
		return venue{name: "backtest", gateway: sim, account: sim, feed: replay, source: feedPaper(sim, replay)}, nil
	}
	return venue{}, fmt.Errorf("unknown mode %q", cfg.Mode)
}

// wrapGateway spaces calls out and retries transient failures until shutdown
// is requested.
func wrapGateway(gw exchange.Gateway, cfg *config.Config, coord *shutdown.Coordinator, log *zap.Logger) exchange.Gateway {
	throttled := exchange.NewThrottleGateway(gw, cfg.MinRequestInterval)
	retry := exchange.DefaultRetryConfig()
	retry.MaxRetries = uint64(cfg.MaxRetries)
	retry.CallTimeout = cfg.RequestTimeout
	retry.Abort = coord.IsShutdownRequested
	return exchange.NewRetryGateway(throttled, retry, log)
}

// priceSource prefers the websocket trade stream and polls REST while it is down.
func priceSource(ctx context.Context, cfg *config.Config, gw exchange.Gateway, log *zap.Logger) market.Source {
	poll := market.PollSource{Gateway: gw, Symbol: cfg.Symbol}
	if !cfg.UseStream {
		return poll
	}
	stream := &market.StreamSource{
		Stream:   marketbinance.NewStreamClient(cfg.BinanceTestnet, log),
		Symbol:   cfg.Symbol,
		Fallback: poll,
		Log:      log,
	}
	stream.Start(ctx)
	return stream
}

// feedPaper keeps the simulator's mark price in step with the grid's ticks.
func feedPaper(sim *paper.Gateway, src market.Source) market.Source {
	return market.Observe(src, func(t market.Tick) { sim.SetPrice(t.Symbol, t.Price) })
}

// buildController picks the strategy named by the strategies file entry for
// the symbol, falling back to STRATEGY_TYPE, and returns its tick interval.
func buildController(cfg *config.Config, deps strategy.Deps) (strategy.Controller, time.Duration, error) {
	var (
		entry    strategy.Config
		hasEntry bool
	)
	if cfg.StrategiesFile != "" {
		entries, err := strategy.LoadConfig(cfg.StrategiesFile)
		if err != nil {
			return nil, 0, err
		}
		entry, hasEntry = strategy.FindActive(entries, cfg.Symbol)
	}

	kind, err := strategy.ParseKind(cfg.StrategyType)
	if hasEntry {
		kind, err = entry.Kind()
	}
	if err != nil {
		return nil, 0, err
	}

	switch kind {
	case strategy.KindMACross:
		mc := strategy.MACrossConfig{
			Symbol:          cfg.Symbol,
			FastWindow:      cfg.SMAFastWindow,
			SlowWindow:      cfg.SMASlowWindow,
			StopLossPct:     cfg.StopLossPct,
			ProfitTargetPct: cfg.ProfitTargetPct,
			Quantity:        cfg.OrderQty,
			TickInterval:    cfg.TickInterval,
			ExitTimeout:     cfg.RequestTimeout,
			OrderTimeout:    cfg.OrderTimeout(),
		}
		// The grid's default name would mislabel the crossover.
		if cfg.StrategyName != "grid" {
			mc.Name = cfg.StrategyName
		}
		if hasEntry {
			if mc, err = entry.ApplyToCross(mc); err != nil {
				return nil, 0, err
			}
		}
		ctrl, err := strategy.NewMACrossController(mc, deps)
		if err != nil {
			return nil, 0, err
		}
		return ctrl, mc.TickInterval, nil

	default:
		gc := strategy.GridConfig{
			Name:            cfg.StrategyName,
			Symbol:          cfg.Symbol,
			GridCount:       cfg.GridCount,
			SpacingPct:      cfg.GridSpacingPct,
			Spacing:         strategy.Spacing(cfg.GridSpacingMode),
			StopLossPct:     cfg.StopLossPct,
			ProfitTargetPct: cfg.ProfitTargetPct,
			Quantity:        cfg.OrderQty,
			TickInterval:    cfg.TickInterval,
			ExitTimeout:     cfg.RequestTimeout,
			OrderTimeout:    cfg.OrderTimeout(),
		}
		if hasEntry {
			if gc, err = entry.ApplyTo(gc); err != nil {
				return nil, 0, err
			}
		}
		ctrl, err := strategy.NewGridController(gc, deps)
		if err != nil {
			return nil, 0, err
		}
		return ctrl, gc.TickInterval, nil
	}
}

func appVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v1.0-dev"
}
