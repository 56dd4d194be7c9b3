package switchboard

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrQueueFull is returned by Lane.Admit when the queue is at capacity.
// The request was rejected immediately; no slot was consumed.
type ErrQueueFull struct {
	Lane     LaneKind
	Capacity int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("%s lane full: %d requests queued", e.Lane, e.Capacity)
}

// ErrQueueTimeout is returned when a queued request's deadline passed
// before it was released.
type ErrQueueTimeout struct {
	Lane   LaneKind
	Waited time.Duration
}

func (e *ErrQueueTimeout) Error() string {
	return fmt.Sprintf("%s lane timeout after %s", e.Lane, e.Waited.Round(time.Millisecond))
}

// ErrShuttingDown is returned to queued and newly-admitting requests
// once shutdown has begun.
type ErrShuttingDown struct {
	Lane LaneKind
}

func (e *ErrShuttingDown) Error() string {
	return fmt.Sprintf("%s lane shutting down", e.Lane)
}

// ErrUpstream wraps a failed LLM API call. Never retried by the core;
// Cause carries the transport or HTTP error.
type ErrUpstream struct {
	Credential string
	Cause      error
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("upstream call via %s credential: %v", e.Credential, e.Cause)
}

func (e *ErrUpstream) Unwrap() error { return e.Cause }

// ErrConfig reports invalid or missing configuration. Fatal at startup.
type ErrConfig struct {
	Field  string
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// HTTPStatus maps broker errors to gateway status codes: queue full 429,
// queue timeout 408, shutting down 503, upstream failure 502. Anything
// else maps to 500.
func HTTPStatus(err error) int {
	var full *ErrQueueFull
	var timeout *ErrQueueTimeout
	var down *ErrShuttingDown
	var upstream *ErrUpstream
	switch {
	case errors.As(err, &full):
		return http.StatusTooManyRequests
	case errors.As(err, &timeout):
		return http.StatusRequestTimeout
	case errors.As(err, &down):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
