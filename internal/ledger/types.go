package ledger

import (
	"errors"
	"time"
)

// Direction is the side a trade was opened on.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Status is the lifecycle position of a trade.
type Status string

const (
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrDuplicateTradeID = errors.New("ledger: duplicate trade id")
	ErrTradeNotFound    = errors.New("ledger: trade not found")
)

// Entry describes a newly opened trade.
type Entry struct {
	ID           string
	Symbol       string
	Direction    Direction
	EntryPrice   float64
	Quantity     float64
	StopLoss     float64
	ProfitTarget float64
	Strategy     string
	EntryTime    time.Time // defaults to the ledger clock
}

// Trade is a copy of a ledger record. Closed and cancelled trades never change.
type Trade struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	StopLoss      float64   `json:"stop_loss"`
	ProfitTarget  float64   `json:"profit_target"`
	Strategy      string    `json:"strategy"`
	Status        Status    `json:"status"`
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time,omitempty"`
	ExitPrice     float64   `json:"exit_price,omitempty"`
	PnL           float64   `json:"pnl"`
	PnLPct        float64   `json:"pnl_pct"`
	ExitReason    string    `json:"exit_reason,omitempty"`
	ExitConfirmed bool      `json:"exit_confirmed"`
	ExitError     string    `json:"exit_error,omitempty"`
}

// EntryNotional is entry price times quantity.
func (t Trade) EntryNotional() float64 { return t.EntryPrice * t.Quantity }

// Totals are the running aggregates, maintained per transition.
type Totals struct {
	TotalPnL      float64 `json:"total_pnl"`
	Executed      int     `json:"executed"`
	Closed        int     `json:"closed"`
	Cancelled     int     `json:"cancelled"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"win_rate"` // percent of closed trades with pnl > 0
	AvgPnL        float64 `json:"avg_pnl"`
	EntryNotional float64 `json:"entry_notional"` // of closed trades
}

// APICall is one exchange request.
type APICall struct {
	Endpoint string        `json:"endpoint"`
	Method   string        `json:"method"`
	Latency  time.Duration `json:"latency"`
	Status   int           `json:"status"`
	Success  bool          `json:"success"`
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// APIStats are streaming aggregates over every recorded call.
type APIStats struct {
	Calls       int64         `json:"calls"`
	Errors      int64         `json:"errors"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// Observer is notified after each transition, outside the ledger lock.
type Observer interface {
	TradeOpened(Trade)
	TradeClosed(Trade)
	TradeCancelled(Trade)
	APICallRecorded(APICall)
}

// Config sizes the bounded histories.
type Config struct {
	ClosedCapacity    int
	CancelledCapacity int
	APICapacity       int
}

// DefaultConfig keeps 1000 closed, 1000 cancelled and 5000 API records.
func DefaultConfig() Config {
	return Config{ClosedCapacity: 1000, CancelledCapacity: 1000, APICapacity: 5000}
}

// ExitOption adjusts how an exit is recorded.
type ExitOption func(*Trade)

// Unconfirmed marks an exit the exchange did not acknowledge.
func Unconfirmed(err error) ExitOption {
	return func(t *Trade) {
		t.ExitConfirmed = false
		if err != nil {
			t.ExitError = err.Error()
		}
	}
}

// PnL returns realised profit for a trade closed at exit.
func PnL(dir Direction, entry, exit, qty float64) float64 {
	if dir == DirectionSell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
