// Package ledger tracks trade lifecycle and session performance in memory.
//
// Every aggregate is maintained incrementally on the transition that changes
// it, so reads are O(1) and safe to poll every tick. Closed and cancelled
// trades live in bounded FIFO histories; the API call log is a bounded ring.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"grid-core/internal/report"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	active  map[string]Trade
	order   []string // active ids in entry order
	retired map[string]struct{}

	closed      *ring[Trade]
	cancelled   *ring[Trade]
	unconfirmed *ring[Trade]
	totals      Totals

	calls      *ring[APICall]
	apiCalls   int64
	apiErrors  int64
	latencySum time.Duration

	observer Observer
	started  time.Time
	now      func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithObserver registers o for transition notifications.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates an empty ledger; zero capacities fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.ClosedCapacity <= 0 {
		cfg.ClosedCapacity = def.ClosedCapacity
	}
	if cfg.CancelledCapacity <= 0 {
		cfg.CancelledCapacity = def.CancelledCapacity
	}
	if cfg.APICapacity <= 0 {
		cfg.APICapacity = def.APICapacity
	}
	l := &Ledger{
		active:      make(map[string]Trade),
		retired:     make(map[string]struct{}),
		closed:      newRing[Trade](cfg.ClosedCapacity),
		cancelled:   newRing[Trade](cfg.CancelledCapacity),
		unconfirmed: newRing[Trade](cfg.ClosedCapacity),
		calls:       newRing[APICall](cfg.APICapacity),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.started = l.now()
	return l
}

// RecordEntry opens a trade.
func (l *Ledger) RecordEntry(e Entry) (Trade, error) {
	l.mu.Lock()
	if l.knownLocked(e.ID) {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrDuplicateTradeID, e.ID)
	}
	at := e.EntryTime
	if at.IsZero() {
		at = l.now()
	}
	t := Trade{
		ID:           e.ID,
		Symbol:       e.Symbol,
		Direction:    e.Direction,
		EntryPrice:   e.EntryPrice,
		Quantity:     e.Quantity,
		StopLoss:     e.StopLoss,
		ProfitTarget: e.ProfitTarget,
		Strategy:     e.Strategy,
		Status:       StatusActive,
		EntryTime:    at,
	}
	l.active[t.ID] = t
	l.order = append(l.order, t.ID)
	l.totals.Executed++
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.TradeOpened(t)
	}
	return t, nil
}

// RecordExit closes an active trade at exitPrice.
func (l *Ledger) RecordExit(id string, exitPrice float64, reason string, opts ...ExitOption) (Trade, error) {
	l.mu.Lock()
	t, err := l.takeActiveLocked(id)
	if err != nil {
		l.mu.Unlock()
		return Trade{}, err
	}

	t.Status = StatusClosed
	t.ExitTime = l.now()
	t.ExitPrice = exitPrice
	t.ExitReason = reason
	t.ExitConfirmed = true
	t.PnL = PnL(t.Direction, t.EntryPrice, exitPrice, t.Quantity)
	if n := t.EntryNotional(); n != 0 {
		t.PnLPct = t.PnL / n * 100
	}
	for _, opt := range opts {
		opt(&t)
	}

	l.retireLocked(l.closed, t)
	if !t.ExitConfirmed {
		l.unconfirmed.push(t)
	}

	tot := &l.totals
	tot.Closed++
	tot.TotalPnL += t.PnL
	tot.EntryNotional += t.EntryNotional()
	switch {
	case t.PnL > 0:
		tot.Wins++
	case t.PnL < 0:
		tot.Losses++
	}
	tot.WinRate = float64(tot.Wins) / float64(tot.Closed) * 100
	tot.AvgPnL = tot.TotalPnL / float64(tot.Closed)
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.TradeClosed(t)
	}
	return t, nil
}

// Cancel retires an active trade without touching P&L.
func (l *Ledger) Cancel(id, reason string) (Trade, error) {
	l.mu.Lock()
	t, err := l.takeActiveLocked(id)
	if err != nil {
		l.mu.Unlock()
		return Trade{}, err
	}
	t.Status = StatusCancelled
	t.ExitTime = l.now()
	t.ExitReason = reason
	l.retireLocked(l.cancelled, t)
	l.totals.Cancelled++
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.TradeCancelled(t)
	}
	return t, nil
}

// CloseAllActive closes every trade that is active when it is called, in
// entry order. confirm, if set, runs before each exit and returns the fill
// price; a non-positive fill records the exit at exitPrice. When confirm
// fails the exit is recorded at exitPrice as unconfirmed with its error.
func (l *Ledger) CloseAllActive(exitPrice float64, reason string, confirm func(Trade) (float64, error)) []Trade {
	snapshot := l.Active("")
	out := make([]Trade, 0, len(snapshot))
	for _, t := range snapshot {
		price := exitPrice
		var opts []ExitOption
		if confirm != nil {
			fill, err := confirm(t)
			switch {
			case err != nil:
				opts = append(opts, Unconfirmed(err))
			case fill > 0:
				price = fill
			}
		}
		closed, err := l.RecordExit(t.ID, price, reason, opts...)
		if err != nil {
			// closed concurrently since the snapshot was taken
			continue
		}
		out = append(out, closed)
	}
	return out
}

// RecordAPICall appends to the bounded call log and updates streaming stats.
// It satisfies common.Recorder.
func (l *Ledger) RecordAPICall(endpoint, method string, latency time.Duration, status int, success bool, err error) {
	c := APICall{
		Endpoint: endpoint,
		Method:   method,
		Latency:  latency,
		Status:   status,
		Success:  success,
	}
	if err != nil {
		c.Err = err.Error()
	}

	l.mu.Lock()
	c.At = l.now()
	l.calls.push(c)
	l.apiCalls++
	if !success {
		l.apiErrors++
	}
	l.latencySum += latency
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.APICallRecorded(c)
	}
}

// Get returns the trade with id from any set still in memory.
func (l *Ledger) Get(id string) (Trade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.active[id]; ok {
		return t, true
	}
	if _, ok := l.retired[id]; !ok {
		return Trade{}, false
	}
	for _, t := range l.closed.last(0) {
		if t.ID == id {
			return t, true
		}
	}
	for _, t := range l.cancelled.last(0) {
		if t.ID == id {
			return t, true
		}
	}
	return Trade{}, false
}

// Active returns active trades in entry order; strategy "" matches all.
func (l *Ledger) Active(strategy string) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Trade, 0, len(l.order))
	for _, id := range l.order {
		t := l.active[id]
		if strategy == "" || t.Strategy == strategy {
			out = append(out, t)
		}
	}
	return out
}

// ActiveCount is the number of open trades.
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Closed returns up to n of the most recent closed trades, oldest first.
func (l *Ledger) Closed(n int) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed.last(n)
}

// Cancelled returns up to n of the most recent cancelled trades, oldest first.
func (l *Ledger) Cancelled(n int) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled.last(n)
}

// APICalls returns up to n of the most recent API calls, oldest first.
func (l *Ledger) APICalls(n int) []APICall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls.last(n)
}

// Totals returns the running aggregates.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

func (l *Ledger) WinRate() float64 { return l.Totals().WinRate }

func (l *Ledger) AvgPnL() float64 { return l.Totals().AvgPnL }

// NetProfitPct is total P&L relative to the entry notional of closed trades.
func (l *Ledger) NetProfitPct() float64 {
	t := l.Totals()
	if t.EntryNotional == 0 {
		return 0
	}
	return t.TotalPnL / t.EntryNotional * 100
}

// APIStats returns streaming API aggregates.
func (l *Ledger) APIStats() APIStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apiStatsLocked()
}

func (l *Ledger) APISuccessRate() float64 { return l.APIStats().SuccessRate }

func (l *Ledger) AvgLatency() time.Duration { return l.APIStats().AvgLatency }

// Snapshot builds the flat report view at the current clock.
func (l *Ledger) Snapshot() report.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tot := l.totals
	api := l.apiStatsLocked()
	s := report.Snapshot{
		StartedAt:       l.started,
		GeneratedAt:     now,
		SessionDuration: now.Sub(l.started),
		TotalTrades:     tot.Executed,
		ActiveTrades:    len(l.active),
		ClosedTrades:    tot.Closed,
		CancelledTrades: tot.Cancelled,
		Wins:            tot.Wins,
		Losses:          tot.Losses,
		TotalPnL:        tot.TotalPnL,
		WinRate:         tot.WinRate,
		AvgPnL:          tot.AvgPnL,
		APICalls:        api.Calls,
		APIErrors:       api.Errors,
		APISuccessRate:  api.SuccessRate,
		AvgLatency:      api.AvgLatency,
	}
	if tot.EntryNotional != 0 {
		s.NetProfitPct = tot.TotalPnL / tot.EntryNotional * 100
	}
	for _, t := range l.closed.last(5) {
		s.RecentTrades = append(s.RecentTrades, summarize(t))
	}
	for _, t := range l.unconfirmed.last(0) {
		s.Unconfirmed = append(s.Unconfirmed, summarize(t))
	}
	return s
}

func (l *Ledger) apiStatsLocked() APIStats {
	st := APIStats{Calls: l.apiCalls, Errors: l.apiErrors}
	if l.apiCalls > 0 {
		st.SuccessRate = float64(l.apiCalls-l.apiErrors) / float64(l.apiCalls) * 100
		st.AvgLatency = l.latencySum / time.Duration(l.apiCalls)
	}
	return st
}

func (l *Ledger) knownLocked(id string) bool {
	if _, ok := l.active[id]; ok {
		return true
	}
	_, ok := l.retired[id]
	return ok
}

func (l *Ledger) takeActiveLocked(id string) (Trade, error) {
	t, ok := l.active[id]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	delete(l.active, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return t, nil
}

// retireLocked moves t into history and forgets ids evicted from it.
func (l *Ledger) retireLocked(history *ring[Trade], t Trade) {
	if old, evicted := history.push(t); evicted {
		delete(l.retired, old.ID)
	}
	l.retired[t.ID] = struct{}{}
}

func summarize(t Trade) report.TradeSummary {
	return report.TradeSummary{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Direction: string(t.Direction),
		Entry:     t.EntryPrice,
		Exit:      t.ExitPrice,
		Quantity:  t.Quantity,
		PnL:       t.PnL,
		PnLPct:    t.PnLPct,
		Reason:    t.ExitReason,
		Error:     t.ExitError,
	}
}
