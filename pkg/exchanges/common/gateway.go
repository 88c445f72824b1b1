package common

import (
	"context"
	"errors"
	"time"
)

// Gateway abstracts a trading venue.
type Gateway interface {
	Ping(ctx context.Context) error
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetFilterSpec(ctx context.Context, symbol string) (FilterSpec, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}

// OrderLookup is implemented by venues that can find an order by the client
// id it was submitted with.
type OrderLookup interface {
	LookupOrder(ctx context.Context, symbol, clientID string) (OrderResult, error)
}

var (
	// ErrOrderNotFound is returned by LookupOrder when the venue has no such order.
	ErrOrderNotFound = errors.New("gateway: order not found")
	// ErrLookupUnsupported is returned by wrappers whose venue cannot look orders up.
	ErrLookupUnsupported = errors.New("gateway: order lookup unsupported")
)

// Recorder receives one entry per raw exchange request.
type Recorder interface {
	RecordAPICall(endpoint, method string, latency time.Duration, status int, success bool, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordAPICall(string, string, time.Duration, int, bool, error) {}

// NopRecorder discards API call records.
var NopRecorder Recorder = nopRecorder{}
