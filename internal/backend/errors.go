package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds, used as metric labels and surfaced to the presentation layer.
const (
	KindTimeout    = "timeout"
	KindNetwork    = "network"
	KindHTTPStatus = "http_status"
	KindDecode     = "decode"
	KindValidation = "validation"
	KindCanceled   = "canceled"
	KindUnknown    = "unknown"
)

// TimeoutError means no response arrived before the per-call deadline.
type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %s", e.Endpoint, e.Timeout)
}

// NetworkError is a transport-level failure (connection refused, DNS, reset).
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: request failed: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is a completed request with a non-2xx status.
type HTTPStatusError struct {
	Endpoint string
	Status   int
	Body     []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Endpoint, e.Status)
}

// DecodeError is a response body that is not the expected JSON shape.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError is input rejected locally before any request is made.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	var (
		te *TimeoutError
		ne *NetworkError
		he *HTTPStatusError
		de *DecodeError
		ve *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &ne):
		return KindNetwork
	case errors.As(err, &he):
		return KindHTTPStatus
	case errors.As(err, &de):
		return KindDecode
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}
