package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-core/internal/events"
	"grid-core/internal/ledger"
)

type memAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *memAlerts) Send(msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
	return nil
}

func (a *memAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func TestMetricsFollowLedgerTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := ledger.New(ledger.DefaultConfig(), ledger.WithObserver(m))

	for _, id := range []string{"a", "b", "c"} {
		_, err := l.RecordEntry(ledger.Entry{ID: id, Symbol: "BTCUSDT", Direction: ledger.DirectionBuy, EntryPrice: 100, Quantity: 1})
		require.NoError(t, err)
	}
	_, err := l.RecordExit("a", 110, "profit_target")
	require.NoError(t, err)
	_, err = l.RecordExit("b", 95, "stop_loss")
	require.NoError(t, err)
	l.RecordAPICall("/api/v3/order", "POST", 20*time.Millisecond, 200, true, nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.opened.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closed.WithLabelValues("BUY", "profit_target", "win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closed.WithLabelValues("BUY", "stop_loss", "loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.pnl))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.winRate))
	assert.Equal(t, l.Totals().WinRate, testutil.ToFloat64(m.winRate))
	assert.Equal(t, 1, testutil.CollectAndCount(m.apiLatency))

	_, err = l.Cancel("c", "manual")
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cancelled))
}

func TestMonitorCountsBusEventsAndAlerts(t *testing.T) {
	bus := events.NewBus()
	m := NewMetrics(nil)
	alerts := &memAlerts{}
	mon := &Monitor{Bus: bus, Metrics: m, Alerts: alerts}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	bus.Publish(events.EventOrderRejected, events.OrderRejected{Reason: "min_notional_unreachable"})
	bus.Publish(events.EventGatewayError, events.GatewayError{Op: "entry", Kind: "unauthorized", Error: "status 401"})
	bus.Publish(events.EventGatewayError, events.GatewayError{Op: "exit", Kind: "timeout"})
	bus.Publish(events.EventShutdown, events.Shutdown{Reason: "signal: interrupt", State: "draining"})

	require.Eventually(t, func() bool { return alerts.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("min_notional_unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayErrs.WithLabelValues("entry", "unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayErrs.WithLabelValues("exit", "timeout")))
}
