package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	binance "grid-core/pkg/market/binance"
)

// ErrNoPrice is returned when the stream has not delivered a price yet and no
// fallback is configured.
var ErrNoPrice = errors.New("market: no price received yet")

// TradeStreamer is the websocket client surface StreamSource uses.
type TradeStreamer interface {
	SubscribeTrades(ctx context.Context, symbol string) (<-chan binance.Trade, func(), error)
}

// StreamSource keeps the latest trade price from a websocket stream and hands
// it out on Next. While the stream is down it defers to Fallback.
type StreamSource struct {
	Stream   TradeStreamer
	Symbol   string
	Fallback Source
	// Reconnect is the wait between dropped-stream redials.
	Reconnect time.Duration
	Log       *zap.Logger

	mu     sync.RWMutex
	latest Tick
	seen   bool
	live   bool
	ready  chan struct{}
	once   sync.Once
}

// Start subscribes and keeps the subscription alive until ctx is done.
func (s *StreamSource) Start(ctx context.Context) {
	s.once.Do(func() { s.ready = make(chan struct{}) })
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Reconnect <= 0 {
		s.Reconnect = 5 * time.Second
	}
	go s.run(ctx)
}

func (s *StreamSource) run(ctx context.Context) {
	for {
		ch, stop, err := s.Stream.SubscribeTrades(ctx, s.Symbol)
		if err != nil {
			s.Log.Warn("market feed: subscribe failed", zap.String("symbol", s.Symbol), zap.Error(err))
		} else {
			s.setLive(true)
			for tr := range ch {
				s.update(Tick{Symbol: s.Symbol, Price: tr.Price, Time: time.UnixMilli(tr.Time)})
			}
			stop()
			s.setLive(false)
			s.Log.Warn("market feed: stream closed", zap.String("symbol", s.Symbol))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Reconnect):
		}
	}
}

func (s *StreamSource) update(t Tick) {
	if t.Price <= 0 {
		return
	}
	s.mu.Lock()
	s.latest = t
	first := !s.seen
	s.seen = true
	s.mu.Unlock()
	if first {
		close(s.ready)
	}
}

func (s *StreamSource) setLive(v bool) {
	s.mu.Lock()
	s.live = v
	s.mu.Unlock()
}

// Live reports whether the websocket is currently connected.
func (s *StreamSource) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Progress reports the websocket state.
func (s *StreamSource) Progress() Progress {
	return Progress{Source: "stream", Live: s.Live()}
}

// Next returns the most recent streamed price. Before the first price it
// waits, unless a fallback is set; while disconnected it uses the fallback.
func (s *StreamSource) Next(ctx context.Context) (Tick, error) {
	s.once.Do(func() { s.ready = make(chan struct{}) })

	s.mu.RLock()
	latest, seen, live := s.latest, s.seen, s.live
	s.mu.RUnlock()

	if seen && live {
		return latest, nil
	}
	if s.Fallback != nil {
		return s.Fallback.Next(ctx)
	}
	if seen {
		return latest, nil
	}
	select {
	case <-s.ready:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.latest, nil
	case <-ctx.Done():
		return Tick{}, ctx.Err()
	}
}
