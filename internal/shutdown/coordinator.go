// Package shutdown bridges OS termination signals into a polled flag and
// runs the drain sequence exactly once.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"grid-core/internal/report"
)

// State is the coordinator lifecycle.
type State int32

const (
	StateArmed State = iota
	StateRequested
	StateDraining
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateRequested:
		return "requested"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// DrainFunc closes open exposure and returns the final snapshot.
type DrainFunc func(ctx context.Context) report.Snapshot

// Coordinator owns the shutdown flag and the one-time drain.
type Coordinator struct {
	log     *zap.Logger
	signals []os.Signal
	sinks   report.Multi

	onSignal   func(os.Signal)
	onShutdown func(context.Context, report.Snapshot)

	requested atomic.Bool
	state     atomic.Int32
	reason    atomic.Value // string
	done      chan struct{}

	installed atomic.Bool
	sigCh     chan os.Signal
	stop      chan struct{}
	stopOnce  sync.Once

	drainOnce sync.Once
	final     report.Snapshot
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithOnSignal runs fn from the listener after the flag is set.
func WithOnSignal(fn func(os.Signal)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onSignal = fn
		}
	}
}

// WithOnGracefulShutdown runs fn once with the final snapshot.
func WithOnGracefulShutdown(fn func(context.Context, report.Snapshot)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.onShutdown = fn
		}
	}
}

// WithSignals replaces the default SIGINT/SIGTERM set.
func WithSignals(sigs ...os.Signal) Option {
	return func(c *Coordinator) {
		if len(sigs) > 0 {
			c.signals = sigs
		}
	}
}

// WithSinks sets where the final snapshot is emitted.
func WithSinks(sinks ...report.Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// New creates an armed coordinator. Call Install to listen for signals.
func New(log *zap.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		log:        log.Named("shutdown"),
		signals:    []os.Signal{os.Interrupt, syscall.SIGTERM},
		onSignal:   func(os.Signal) {},
		onShutdown: func(context.Context, report.Snapshot) {},
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Install registers the signal listener. Calls after the first are no-ops.
func (c *Coordinator) Install() {
	if !c.installed.CompareAndSwap(false, true) {
		return
	}
	c.sigCh = make(chan os.Signal, 1)
	signal.Notify(c.sigCh, c.signals...)
	go c.listen()
	c.log.Debug("shutdown: signal handler installed")
}

func (c *Coordinator) listen() {
	for {
		select {
		case sig := <-c.sigCh:
			if c.Request("signal: " + sig.String()) {
				c.onSignal(sig)
			} else {
				c.log.Warn("shutdown: signal received while already shutting down", zap.String("signal", sig.String()))
			}
		case <-c.stop:
			return
		}
	}
}

// Stop unregisters the listener.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.installed.Load() {
			signal.Stop(c.sigCh)
		}
		close(c.stop)
	})
}

// Request sets the flag. It returns false if shutdown was already requested.
func (c *Coordinator) Request(reason string) bool {
	if !c.requested.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(reason)
	c.state.CompareAndSwap(int32(StateArmed), int32(StateRequested))
	close(c.done)
	c.log.Info("shutdown: requested", zap.String("reason", reason))
	return true
}

// IsShutdownRequested is a non-blocking read of the flag.
func (c *Coordinator) IsShutdownRequested() bool {
	return c.requested.Load()
}

// Done is closed when shutdown is requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Reason returns why shutdown was requested, or "".
func (c *Coordinator) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// PerformGracefulShutdown runs drain once, emits the snapshot to the sinks and
// the shutdown hook, and moves to Complete. Later calls return the first
// snapshot and false. Sink failures are logged and never block termination.
func (c *Coordinator) PerformGracefulShutdown(ctx context.Context, drain DrainFunc) (report.Snapshot, bool) {
	ran := false
	c.drainOnce.Do(func() {
		ran = true
		c.Request("graceful shutdown")
		c.state.Store(int32(StateDraining))
		c.log.Info("shutdown: draining")

		var snap report.Snapshot
		if drain != nil {
			snap = drain(ctx)
		}
		c.final = snap

		if err := c.sinks.Emit(ctx, snap); err != nil {
			c.log.Error("shutdown: report sink failed", zap.Error(err))
		}
		c.onShutdown(ctx, snap)

		c.state.Store(int32(StateComplete))
		c.log.Info("shutdown: complete",
			zap.Int("total_trades", snap.TotalTrades),
			zap.Float64("total_pnl", snap.TotalPnL),
			zap.Int("exit_unconfirmed", len(snap.Unconfirmed)))
	})
	if !ran {
		c.log.Debug("shutdown: drain already performed")
	}
	return c.final, ran
}
