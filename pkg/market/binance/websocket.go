package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// StreamClient manages lightweight streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, log *zap.Logger) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "stream.testnet.binance.vision"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log.Named("ws"),
	}
}

// SubscribeTrades subscribes to the trade stream and emits parsed trades.
// The channel closes when ctx is done, stop is called, or the connection drops.
func (c *StreamClient) SubscribeTrades(ctx context.Context, symbol string) (<-chan Trade, func(), error) {
	// Binance requires lowercase symbols for WebSocket streams
	u := fmt.Sprintf("%s/%s@trade", c.StreamURL, strings.ToLower(symbol))

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws trades: %w", err)
	}

	out := make(chan Trade, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			// Ignore errors; connection may already be closed.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !isClosed(err) {
					c.log.Warn("binance ws: read error", zap.String("symbol", symbol), zap.Error(err))
				}
				return
			}
			parsed, err := parseTradeMessage(msg)
			if err != nil {
				c.log.Debug("binance ws: parse error", zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-done:
				return
			}
		}
	}()

	return out, stop, nil
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}

func parseTradeMessage(msg []byte) (Trade, error) {
	var raw struct {
		Symbol    string `json:"s"`
		Price     any    `json:"p"`
		Qty       any    `json:"q"`
		TradeTime any    `json:"T"`
		BuyerIsMM bool   `json:"m"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Trade{}, err
	}
	t := Trade{
		Symbol:       raw.Symbol,
		Price:        cast.ToFloat64(raw.Price),
		Qty:          cast.ToFloat64(raw.Qty),
		Time:         cast.ToInt64(raw.TradeTime),
		IsBuyerMaker: raw.BuyerIsMM,
	}
	if t.Price <= 0 {
		return Trade{}, fmt.Errorf("trade message without price: %s", msg)
	}
	return t, nil
}
