package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sink receives the final session snapshot.
type Sink interface {
	Emit(ctx context.Context, s Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Snapshot) error

func (f SinkFunc) Emit(ctx context.Context, s Snapshot) error { return f(ctx, s) }

// LogSink writes the snapshot as a structured log entry plus the text report.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) Emit(_ context.Context, s Snapshot) error {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("report: session complete",
		zap.String("strategy", s.Strategy),
		zap.String("symbol", s.Symbol),
		zap.Duration("duration", s.SessionDuration),
		zap.Int("total_trades", s.TotalTrades),
		zap.Float64("total_pnl", s.TotalPnL),
		zap.Float64("win_rate", s.WinRate),
		zap.Float64("avg_pnl", s.AvgPnL),
		zap.Float64("api_success_rate", s.APISuccessRate),
		zap.Duration("avg_latency", s.AvgLatency),
		zap.Int("exit_unconfirmed", len(s.Unconfirmed)),
	)
	log.Info("report:\n" + s.Text())
	return nil
}

// WriterSink writes the text report to W.
type WriterSink struct {
	W io.Writer
}

func (w WriterSink) Emit(_ context.Context, s Snapshot) error {
	_, err := io.WriteString(w.W, s.Text())
	return err
}

// FileSink appends each snapshot as one JSON line to Path.
type FileSink struct {
	Path string
	mu   sync.Mutex
}

// NewFileSink returns a sink that appends to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

func (f *FileSink) Emit(_ context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	_, err = file.Write(data)
	return multierr.Append(err, file.Close())
}

// Multi fans a snapshot out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, s Snapshot) error {
	var errs error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		errs = multierr.Append(errs, sink.Emit(ctx, s))
	}
	return errs
}
