package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"grid-core/internal/ledger"
	"grid-core/internal/report"
	"grid-core/pkg/exchanges/common"
)

// Strategy is the capability set the run loop and the status API rely on.
type Strategy interface {
	// ExecuteTrade opens a trade for a fired level at the last observed price.
	ExecuteTrade(ctx context.Context, level GridLevel, direction ledger.Direction) error
	// CloseTrade exits an active trade at exitPrice.
	CloseTrade(ctx context.Context, trade ledger.Trade, exitPrice float64, reason string) error
	// CheckTrades closes active trades whose target or stop has been crossed.
	CheckTrades(ctx context.Context, price float64)
	// RunStrategy drives the tick loop until shutdown and returns the final report.
	RunStrategy(ctx context.Context, tickInterval time.Duration) (report.Snapshot, error)
}

// State is the controller lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// LevelState is whether a grid level can still fire.
type LevelState string

const (
	LevelArmed  LevelState = "armed"
	LevelFilled LevelState = "filled"
)

// GridLevel is one price band with a single trigger.
type GridLevel struct {
	Index   int              `json:"index"`
	Price   float64          `json:"price"`
	Side    ledger.Direction `json:"side"`
	State   LevelState       `json:"state"`
	TradeID string           `json:"trade_id,omitempty"`
}

// Spacing selects how level distances grow from the centre.
type Spacing string

const (
	// SpacingGeometric compounds: p*(1±s)^i.
	SpacingGeometric Spacing = "geometric"
	// SpacingLinear is evenly spaced: p*(1±i*s).
	SpacingLinear Spacing = "linear"
)

// Exit reasons recorded on closed trades.
const (
	ReasonProfitTarget = "profit_target"
	ReasonStopLoss     = "stop_loss"
	ReasonShutdown     = "shutdown"
)

// GridConfig holds the strategy defaults.
type GridConfig struct {
	Name            string
	Symbol          string
	GridCount       int
	SpacingPct      float64 // fraction, 0.01 = 1%
	Spacing         Spacing
	StopLossPct     float64
	ProfitTargetPct float64
	Quantity        float64
	TickInterval    time.Duration
	// Filters override the exchange-reported spec field by field.
	Filters common.FilterSpec
	// ExitTimeout bounds each exit order placed during drain.
	ExitTimeout time.Duration
	// OrderTimeout bounds each order placed while running, retries included.
	// Shutdown does not cut it short.
	OrderTimeout time.Duration
}

var (
	ErrNotInitialized = errors.New("strategy: grid not initialized")
	ErrInvalidConfig  = errors.New("strategy: invalid grid config")
	ErrLevelNotArmed  = errors.New("strategy: level not armed")
	ErrNoPrice        = errors.New("strategy: no market price observed")
)

// Validate checks the grid parameters.
func (c GridConfig) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	case c.GridCount <= 0:
		return fmt.Errorf("%w: grid count %d", ErrInvalidConfig, c.GridCount)
	case c.SpacingPct <= 0 || c.SpacingPct >= 1:
		return fmt.Errorf("%w: spacing %v must be in (0,1)", ErrInvalidConfig, c.SpacingPct)
	case c.Quantity <= 0:
		return fmt.Errorf("%w: quantity %v", ErrInvalidConfig, c.Quantity)
	case c.StopLossPct < 0 || c.StopLossPct >= 1:
		return fmt.Errorf("%w: stop loss %v must be in [0,1)", ErrInvalidConfig, c.StopLossPct)
	case c.ProfitTargetPct < 0:
		return fmt.Errorf("%w: profit target %v", ErrInvalidConfig, c.ProfitTargetPct)
	}
	switch c.Spacing {
	case "", SpacingGeometric, SpacingLinear:
	default:
		return fmt.Errorf("%w: spacing mode %q", ErrInvalidConfig, c.Spacing)
	}
	return nil
}

// Kind names a controller implementation. It is the yaml `type` of a
// strategies file entry.
type Kind string

const (
	KindGrid    Kind = "grid"
	KindMACross Kind = "sma"
)

// ParseKind accepts the names a strategies file may use.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "grid":
		return KindGrid, nil
	case "sma", "ma_cross", "moving_average", "simple_moving_average":
		return KindMACross, nil
	}
	return "", fmt.Errorf("%w: strategy type %q", ErrInvalidConfig, s)
}

// Controller is a Strategy with the lifecycle hooks main drives.
type Controller interface {
	Strategy
	Name() string
	State() State
	Initialize(ctx context.Context, currentPrice float64) error
	Drain(ctx context.Context) report.Snapshot
	Status() Status
}

// Status is a read-only view of the controller for the API. Grid fields
// and crossover fields are filled by their own controller only.
type Status struct {
	Strategy  string            `json:"strategy"`
	Symbol    string            `json:"symbol"`
	Kind      Kind              `json:"kind"`
	State     string            `json:"state"`
	LastPrice float64           `json:"last_price"`
	Center    float64           `json:"center,omitempty"`
	Levels    []GridLevel       `json:"levels,omitempty"`
	Filters   common.FilterSpec `json:"filters"`

	Position   string  `json:"position,omitempty"`
	LastSignal string  `json:"last_signal,omitempty"`
	FastMA     float64 `json:"fast_ma,omitempty"`
	SlowMA     float64 `json:"slow_ma,omitempty"`
	Samples    int     `json:"samples,omitempty"`
	Ready      bool    `json:"ready,omitempty"`
}
