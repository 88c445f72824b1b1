// Package report holds the flat session snapshot and the sinks that receive it.
package report

import (
	"fmt"
	"strings"
	"time"
)

// TradeSummary is the reporting view of a closed trade.
type TradeSummary struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"`
	Entry     float64 `json:"entry"`
	Exit      float64 `json:"exit"`
	Quantity  float64 `json:"quantity"`
	PnL       float64 `json:"pnl"`
	PnLPct    float64 `json:"pnl_pct"`
	Reason    string  `json:"reason"`
	Error     string  `json:"error,omitempty"`
}

// Snapshot is a point-in-time performance summary with no ledger internals.
type Snapshot struct {
	Strategy    string    `json:"strategy,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	GeneratedAt time.Time `json:"generated_at"`
	// SessionDuration is GeneratedAt - StartedAt.
	SessionDuration time.Duration `json:"session_duration"`
	LastPrice       float64       `json:"last_price,omitempty"`

	TotalTrades     int     `json:"total_trades"`
	ActiveTrades    int     `json:"active_trades"`
	ClosedTrades    int     `json:"closed_trades"`
	CancelledTrades int     `json:"cancelled_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	TotalPnL        float64 `json:"total_pnl"`
	NetProfitPct    float64 `json:"net_profit_pct"`
	WinRate         float64 `json:"win_rate"`
	AvgPnL          float64 `json:"avg_pnl"`

	APICalls       int64         `json:"api_calls"`
	APIErrors      int64         `json:"api_errors"`
	APISuccessRate float64       `json:"api_success_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`

	RecentTrades []TradeSummary `json:"recent_trades,omitempty"`
	// Unconfirmed lists exits recorded during drain that the exchange did not acknowledge.
	Unconfirmed []TradeSummary `json:"exit_unconfirmed,omitempty"`
}

const rule = "============================================================"

// Text renders the snapshot as the human-readable session report.
func (s Snapshot) Text() string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line(rule)
	if s.Strategy != "" {
		line("TRADING PERFORMANCE REPORT: %s %s", s.Strategy, s.Symbol)
	} else {
		line("TRADING PERFORMANCE REPORT")
	}
	line(rule)
	line("Session Duration: %s", s.SessionDuration.Round(time.Second))
	line("Total Trades Executed: %d", s.TotalTrades)
	line("")
	line("TRADING PERFORMANCE:")
	line("  - Active Trades: %d", s.ActiveTrades)
	line("  - Closed Trades: %d", s.ClosedTrades)
	line("  - Cancelled Trades: %d", s.CancelledTrades)
	line("  - Total P&L: $%.2f", s.TotalPnL)
	line("  - Net Profit %%: %.2f%%", s.NetProfitPct)
	line("  - Win Rate: %.2f%%", s.WinRate)
	line("  - Avg Profit/Trade: $%.2f", s.AvgPnL)
	line("")
	line("API PERFORMANCE:")
	line("  - Total API Calls: %d", s.APICalls)
	line("  - Success Rate: %.2f%%", s.APISuccessRate)
	line("  - Avg Response Time: %.3fs", s.AvgLatency.Seconds())
	line("  - Total Errors: %d", s.APIErrors)

	if len(s.RecentTrades) > 0 {
		line("")
		line("RECENT CLOSED TRADES:")
		line("  Trade ID | Symbol | Direction | Entry $ | Exit $ | P&L $ | P&L %%")
		for _, t := range s.RecentTrades {
			line("  %s | %s | %s | $%.2f | $%.2f | $%.2f | %.2f%%",
				shortID(t.ID), t.Symbol, t.Direction, t.Entry, t.Exit, t.PnL, t.PnLPct)
		}
	}
	if len(s.Unconfirmed) > 0 {
		line("")
		line("EXIT UNCONFIRMED:")
		for _, t := range s.Unconfirmed {
			line("  %s | %s | %s | exit $%.2f | %s", shortID(t.ID), t.Symbol, t.Direction, t.Exit, t.Error)
		}
	}
	line(rule)
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
