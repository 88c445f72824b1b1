// Package monitor exposes session metrics to Prometheus and raises alerts
// from the event bus.
//
// Exposed series:
//   - grid_trades_opened_total{direction}
//   - grid_trades_closed_total{direction,reason,result}
//   - grid_trades_cancelled_total
//   - grid_order_rejections_total{reason}
//   - grid_gateway_errors_total{op,kind}
//   - grid_api_request_duration_seconds{endpoint,method,success}
//   - grid_realized_pnl, grid_active_trades, grid_win_rate_percent
package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"grid-core/internal/ledger"
)

// Metrics implements ledger.Observer and owns the Prometheus collectors.
type Metrics struct {
	opened      *prometheus.CounterVec
	closed      *prometheus.CounterVec
	cancelled   prometheus.Counter
	rejections  *prometheus.CounterVec
	gatewayErrs *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	pnl         prometheus.Gauge
	active      prometheus.Gauge
	winRate     prometheus.Gauge

	// mirrors of the ledger totals, kept so the gauges can be set without
	// calling back into the ledger from its observer hook
	mu     sync.Mutex
	open   int
	wins   int
	closes int
	total  float64
}

var _ ledger.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_trades_opened_total",
			Help: "Trades opened, by direction.",
		}, []string{"direction"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_trades_closed_total",
			Help: "Trades closed, by direction, exit reason and result (win|loss|flat).",
		}, []string{"direction", "reason", "result"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_trades_cancelled_total",
			Help: "Trades cancelled without an exit.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_order_rejections_total",
			Help: "Proposed orders rejected by the validator, by reason.",
		}, []string{"reason"}),
		gatewayErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_gateway_errors_total",
			Help: "Exchange gateway failures seen by the strategy, by operation and kind.",
		}, []string{"op", "kind"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grid_api_request_duration_seconds",
			Help:    "Exchange API round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"endpoint", "method", "success"}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_realized_pnl",
			Help: "Realized P&L of the session in quote currency.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_active_trades",
			Help: "Trades currently open.",
		}),
		winRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_win_rate_percent",
			Help: "Share of closed trades with positive P&L.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opened, m.closed, m.cancelled, m.rejections, m.gatewayErrs,
			m.apiLatency, m.pnl, m.active, m.winRate)
	}
	return m
}

func (m *Metrics) TradeOpened(t ledger.Trade) {
	m.opened.WithLabelValues(string(t.Direction)).Inc()
	m.mu.Lock()
	m.open++
	m.active.Set(float64(m.open))
	m.mu.Unlock()
}

func (m *Metrics) TradeClosed(t ledger.Trade) {
	result := "flat"
	switch {
	case t.PnL > 0:
		result = "win"
	case t.PnL < 0:
		result = "loss"
	}
	m.closed.WithLabelValues(string(t.Direction), t.ExitReason, result).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.open--
	m.closes++
	if t.PnL > 0 {
		m.wins++
	}
	m.total += t.PnL
	m.active.Set(float64(m.open))
	m.pnl.Set(m.total)
	m.winRate.Set(float64(m.wins) / float64(m.closes) * 100)
}

func (m *Metrics) TradeCancelled(ledger.Trade) {
	m.cancelled.Inc()
	m.mu.Lock()
	m.open--
	m.active.Set(float64(m.open))
	m.mu.Unlock()
}

func (m *Metrics) APICallRecorded(c ledger.APICall) {
	success := "true"
	if !c.Success {
		success = "false"
	}
	m.apiLatency.WithLabelValues(c.Endpoint, c.Method, success).Observe(c.Latency.Seconds())
}

// OrderRejected counts a validator rejection.
func (m *Metrics) OrderRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// GatewayFailed counts a gateway failure.
func (m *Metrics) GatewayFailed(op, kind string) {
	m.gatewayErrs.WithLabelValues(op, kind).Inc()
}
