package monitor

import "go.uber.org/zap"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink writes alerts to the log at warn level.
type LogAlertSink struct {
	Log *zap.Logger
}

func (s LogAlertSink) Send(message string) error {
	if s.Log != nil {
		s.Log.Warn("alert: " + message)
	}
	return nil
}
