package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies gateway failures by how the caller should react.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindRateLimited
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a *GatewayError.
var (
	ErrTimeout      = errors.New("gateway: timeout")
	ErrRateLimited  = errors.New("gateway: rate limited")
	ErrUnauthorized = errors.New("gateway: unauthorized")
	ErrUnknown      = errors.New("gateway: unknown error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindRateLimited:
		return ErrRateLimited
	case KindUnauthorized:
		return ErrUnauthorized
	default:
		return ErrUnknown
	}
}

// GatewayError is a classified venue failure.
type GatewayError struct {
	Kind   ErrorKind
	Op     string
	Status int // HTTP status, 0 for transport failures
	Body   string
	Err    error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s: %s status %d: %s", e.Op, e.Kind, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s status %d", e.Op, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == e.Kind.sentinel() }

// ClassifyStatus maps an HTTP status code onto an ErrorKind.
// 5xx is treated as a transient connection failure and retried like a timeout.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTimeout
	default:
		return KindUnknown
	}
}

// NewStatusError builds a GatewayError from a non-2xx response.
func NewStatusError(op string, status int, body string) *GatewayError {
	return &GatewayError{Kind: ClassifyStatus(status), Op: op, Status: status, Body: body}
}

// NewTransportError classifies a failure that happened before a response arrived.
func NewTransportError(op string, err error) *GatewayError {
	return &GatewayError{Kind: transportKind(err), Op: op, Err: err}
}

func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// KindOf reports the ErrorKind of err. Unclassified errors are KindUnknown
// unless they are transport timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return transportKind(err)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
