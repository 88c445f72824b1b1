package order

import (
	"errors"
	"fmt"
)

// AdjustedOrder is an order that satisfies a symbol's filter spec.
type AdjustedOrder struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
}

// Reason identifies why a proposed order was rejected.
type Reason int

const (
	TickSizeViolation Reason = iota + 1
	MinNotionalUnreachable
	PriceDeviationExceeded
)

func (r Reason) String() string {
	switch r {
	case TickSizeViolation:
		return "tick_size_violation"
	case MinNotionalUnreachable:
		return "min_notional_unreachable"
	case PriceDeviationExceeded:
		return "price_deviation_exceeded"
	default:
		return "unknown"
	}
}

var (
	ErrTickSizeViolation      = errors.New("order: tick size violation")
	ErrMinNotionalUnreachable = errors.New("order: min notional unreachable")
	ErrPriceDeviationExceeded = errors.New("order: price deviation exceeded")
)

// ValidationError is a rejection from Validate. It matches the Err* sentinels
// with errors.Is.
type ValidationError struct {
	Reason Reason
	Price  float64
	Qty    float64
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order rejected: %s (price=%v qty=%v): %s", e.Reason, e.Price, e.Qty, e.Detail)
}

func (e *ValidationError) Is(target error) bool {
	switch e.Reason {
	case TickSizeViolation:
		return target == ErrTickSizeViolation
	case MinNotionalUnreachable:
		return target == ErrMinNotionalUnreachable
	case PriceDeviationExceeded:
		return target == ErrPriceDeviationExceeded
	}
	return false
}

// ReasonOf extracts the rejection reason, or 0 if err is not a ValidationError.
func ReasonOf(err error) Reason {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return 0
}
