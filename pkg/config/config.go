package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// Mode selects where orders go and where prices come from.
type Mode string

const (
	ModeLive     Mode = "live"     // Binance REST + websocket
	ModePaper    Mode = "paper"    // simulated fills on live or synthetic prices
	ModeBacktest Mode = "backtest" // simulated fills on replayed klines
)

// Config holds environment-driven settings for the grid core.
type Config struct {
	Mode Mode

	// Grid
	Symbol          string
	StrategyName    string
	GridCount       int
	GridSpacingPct  float64 // fraction, 0.01 = 1%
	GridSpacingMode string  // geometric or linear
	StopLossPct     float64 // fraction of entry
	ProfitTargetPct float64 // fraction of entry
	OrderQty        float64
	TickInterval    time.Duration
	StrategiesFile  string // optional YAML overriding the grid defaults

	// StrategyType is grid or sma; a strategies file entry overrides it.
	StrategyType  string
	SMAFastWindow int
	SMASlowWindow int

	// Binance
	BinanceTestnet    bool
	BinanceAPIKey     string
	BinanceAPISecret  string
	BinanceRecvWindow int64
	UseStream         bool // websocket trade stream instead of REST polling

	// Gateway boundary
	MaxRetries         int
	RequestTimeout     time.Duration
	MinRequestInterval time.Duration

	// Ledger
	ClosedCapacity    int
	CancelledCapacity int
	APICapacity       int

	// Backtest
	BacktestInterval string
	BacktestLimit    int

	// Paper
	PaperBalance     float64
	PaperFeeRate     float64 // decimal (e.g. 0.001 = 10 bps)
	PaperSlippageBps float64
	UseMockFeed      bool

	// HTTP
	EnableAPI bool
	Port      string
	APIBind   string // listen address, loopback unless set
	// APIAuthSecret signs the bearer tokens write routes require. Without it
	// write routes are refused.
	APIAuthSecret string

	// Logging and reporting
	LogLevel   string
	LogFormat  string
	LogFile    string
	ReportFile string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Mode:               Mode(strings.ToLower(getEnv("MODE", string(ModePaper)))),
		Symbol:             strings.ToUpper(getEnv("SYMBOL", "BTCUSDT")),
		StrategyName:       getEnv("STRATEGY_NAME", "grid"),
		GridCount:          getEnvInt("GRID_COUNT", 5),
		GridSpacingPct:     getEnvFloat("GRID_SPACING_PCT", 0.01),
		GridSpacingMode:    strings.ToLower(getEnv("GRID_SPACING_MODE", "geometric")),
		StopLossPct:        getEnvFloat("STOP_LOSS_PCT", 0.02),
		ProfitTargetPct:    getEnvFloat("PROFIT_TARGET_PCT", 0.02),
		OrderQty:           getEnvFloat("ORDER_QTY", 0.001),
		TickInterval:       getEnvDuration("TICK_INTERVAL", 5*time.Second),
		StrategiesFile:     getEnv("STRATEGIES_FILE", ""),
		StrategyType:       strings.ToLower(getEnv("STRATEGY_TYPE", "grid")),
		SMAFastWindow:      getEnvInt("SMA_FAST_WINDOW", 10),
		SMASlowWindow:      getEnvInt("SMA_SLOW_WINDOW", 20),
		BinanceTestnet:     getEnvBool("BINANCE_TESTNET", false),
		BinanceAPIKey:      os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:   os.Getenv("BINANCE_API_SECRET"),
		BinanceRecvWindow:  int64(getEnvInt("BINANCE_RECV_WINDOW", 5000)),
		UseStream:          getEnvBool("USE_STREAM", true),
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		MinRequestInterval: getEnvDuration("MIN_REQUEST_INTERVAL", 100*time.Millisecond),
		ClosedCapacity:     getEnvInt("LEDGER_CLOSED_CAPACITY", 1000),
		CancelledCapacity:  getEnvInt("LEDGER_CANCELLED_CAPACITY", 1000),
		APICapacity:        getEnvInt("LEDGER_API_CAPACITY", 5000),
		BacktestInterval:   getEnv("BACKTEST_INTERVAL", "1m"),
		BacktestLimit:      getEnvInt("BACKTEST_LIMIT", 1000),
		PaperBalance:       getEnvFloat("PAPER_BALANCE", 10000),
		PaperFeeRate:       getEnvFloat("PAPER_FEE_RATE", 0.001),
		PaperSlippageBps:   getEnvFloat("PAPER_SLIPPAGE_BPS", 0),
		UseMockFeed:        getEnvBool("USE_MOCK_FEED", false),
		EnableAPI:          getEnvBool("ENABLE_API", true),
		Port:               getEnv("PORT", "8080"),
		APIBind:            getEnv("API_BIND", "127.0.0.1"),
		APIAuthSecret:      os.Getenv("API_AUTH_SECRET"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		LogFile:            getEnv("LOG_FILE", ""),
		ReportFile:         getEnv("REPORT_FILE", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OrderTimeout bounds one order call including its retries.
func (c *Config) OrderTimeout() time.Duration {
	return c.RequestTimeout*time.Duration(c.MaxRetries+1) + c.MinRequestInterval*time.Duration(c.MaxRetries+1) + 5*time.Second
}

// APIAddr is the listen address of the HTTP server.
func (c *Config) APIAddr() string { return c.APIBind + ":" + c.Port }

// Validate checks ranges. All violations are reported together.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		errs = multierr.Append(errs, fmt.Errorf("MODE must be live, paper or backtest, got %q", c.Mode))
	}
	check(c.Symbol != "", "SYMBOL is required")
	check(c.GridCount > 0, "GRID_COUNT must be positive, got %d", c.GridCount)
	check(c.GridSpacingPct > 0 && c.GridSpacingPct < 1, "GRID_SPACING_PCT must be in (0,1), got %v", c.GridSpacingPct)
	check(c.GridSpacingPct*float64(c.GridCount) < 1, "GRID_COUNT * GRID_SPACING_PCT must stay below 1")
	check(c.GridSpacingMode == "geometric" || c.GridSpacingMode == "linear", "GRID_SPACING_MODE must be geometric or linear, got %q", c.GridSpacingMode)
	check(c.StopLossPct > 0 && c.StopLossPct < 1, "STOP_LOSS_PCT must be in (0,1), got %v", c.StopLossPct)
	check(c.ProfitTargetPct > 0, "PROFIT_TARGET_PCT must be positive, got %v", c.ProfitTargetPct)
	check(c.StrategyType == "grid" || c.StrategyType == "sma", "STRATEGY_TYPE must be grid or sma, got %q", c.StrategyType)
	if c.StrategyType == "sma" {
		check(c.SMAFastWindow > 0 && c.SMAFastWindow < c.SMASlowWindow, "SMA_FAST_WINDOW must be positive and below SMA_SLOW_WINDOW")
	}
	check(c.OrderQty > 0, "ORDER_QTY must be positive, got %v", c.OrderQty)
	check(c.TickInterval >= 0, "TICK_INTERVAL must not be negative")
	check(c.MaxRetries >= 0, "MAX_RETRIES must not be negative")
	if c.Mode == ModeLive {
		check(c.BinanceAPIKey != "" && c.BinanceAPISecret != "", "live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if c.EnableAPI && c.APIAuthSecret != "" {
		check(len(c.APIAuthSecret) >= 32, "API_AUTH_SECRET must be at least 32 bytes")
	}
	if c.Mode == ModeBacktest {
		check(c.BacktestLimit > 0, "BACKTEST_LIMIT must be positive")
	}
	return errs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("5s") or bare seconds ("5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := cast.ToFloat64E(v); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
