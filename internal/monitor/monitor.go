package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-core/internal/events"
)

// Monitor watches the bus, feeds the event-driven metrics and raises alerts
// for unauthorized gateway errors and shutdown.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Alerts  AlertSink
	Log     *zap.Logger
}

// Start consumes events until ctx is done. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	if m.Bus == nil {
		log.Warn("monitor: no event bus; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(256, events.EventOrderRejected, events.EventGatewayError, events.EventShutdown)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(log, msg)
			}
		}
	}()
}

func (m *Monitor) handle(log *zap.Logger, msg events.Message) {
	switch p := msg.Payload.(type) {
	case events.OrderRejected:
		if m.Metrics != nil {
			m.Metrics.OrderRejected(p.Reason)
		}
	case events.GatewayError:
		if m.Metrics != nil {
			m.Metrics.GatewayFailed(p.Op, p.Kind)
		}
		if p.Kind == "unauthorized" {
			m.alert(log, msg.At, fmt.Sprintf("exchange rejected credentials during %s: %s", p.Op, p.Error))
		}
	case events.Shutdown:
		m.alert(log, msg.At, fmt.Sprintf("shutdown %s: %s", p.State, p.Reason))
	}
}

func (m *Monitor) alert(log *zap.Logger, at time.Time, text string) {
	if m.Alerts == nil {
		return
	}
	if err := m.Alerts.Send(formatAlert(at, text)); err != nil {
		log.Warn("monitor: alert delivery failed", zap.Error(err))
	}
}

func formatAlert(at time.Time, text string) string {
	return "[" + at.Format(time.RFC3339) + "] " + text
}
