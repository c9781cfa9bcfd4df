// Package errors provides the typed delivery errors of the chatrelay client.
//
// Failures are classified at the transport boundary, so callers decide
// retry, queueing and breaker accounting with errors.As instead of
// matching message text.
package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for common cases
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrBinaryNotQueueable   = errors.New("attachments cannot be queued for later delivery")
	ErrInvalidItem          = errors.New("invalid outbox item")
	ErrCaptureActive        = errors.New("a capture is in progress")
)

// Kind classifies a delivery failure
type Kind string

const (
	KindOffline     Kind = "offline"
	KindTimeout     Kind = "timeout"
	KindTransport   Kind = "transport"
	KindHTTP        Kind = "http"
	KindCircuitOpen Kind = "circuit_open"
	KindCancelled   Kind = "cancelled"
	KindUnknown     Kind = "unknown"
)

// OfflineError reports that no connectivity was available at attempt time
type OfflineError struct {
	Message string
}

func (e *OfflineError) Error() string {
	if e.Message == "" {
		return "no internet connection"
	}
	return fmt.Sprintf("no internet connection: %s", e.Message)
}

// Kind returns KindOffline
func (e *OfflineError) Kind() Kind { return KindOffline }

// NewOfflineError creates a new OfflineError
func NewOfflineError(message string) *OfflineError {
	return &OfflineError{Message: message}
}

// TimeoutError represents an attempt that exceeded its deadline
type TimeoutError struct {
	Message string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("request timed out after %s: %s", e.Timeout, e.Message)
}

// Kind returns KindTimeout
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(timeout time.Duration, message string) *TimeoutError {
	return &TimeoutError{Timeout: timeout, Message: message}
}

// TransportError represents a connection or protocol failure
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error at %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Kind returns KindTransport
func (e *TransportError) Kind() Kind { return KindTransport }

// NewTransportError creates a new TransportError
func NewTransportError(endpoint string, err error) *TransportError {
	return &TransportError{Endpoint: endpoint, Err: err}
}

// HTTPError represents a non-success status returned by the backend
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d", e.StatusCode)
	}
	if e.Body == "" {
		return fmt.Sprintf("HTTP %s", status)
	}
	return fmt.Sprintf("HTTP %s\n%s", status, e.Body)
}

// Kind returns KindHTTP
func (e *HTTPError) Kind() Kind { return KindHTTP }

// NewHTTPError creates a new HTTPError
func NewHTTPError(statusCode int, status, body string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Status: status, Body: body}
}

// CircuitOpenError is returned when the breaker rejects a send before any
// network attempt
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	return fmt.Sprintf("service temporarily unavailable, retrying in %ds", secs)
}

// Kind returns KindCircuitOpen
func (e *CircuitOpenError) Kind() Kind { return KindCircuitOpen }

// NewCircuitOpenError creates a new CircuitOpenError
func NewCircuitOpenError(retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{RetryAfter: retryAfter}
}

// CancelledError represents a user-initiated abort
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return "send cancelled"
}

func (e *CancelledError) Unwrap() error { return e.Err }

// Kind returns KindCancelled
func (e *CancelledError) Kind() Kind { return KindCancelled }

// Is matches context.Canceled so callers may test either form
func (e *CancelledError) Is(target error) bool {
	return target == context.Canceled
}

// NewCancelledError creates a new CancelledError
func NewCancelledError(err error) *CancelledError {
	return &CancelledError{Err: err}
}

type kinded interface {
	Kind() Kind
}

// KindOf returns the classification of err. A bare context.Canceled is
// treated as a cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsCancelled reports whether err is a user cancellation
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Describe returns a short human-readable classification of err
func Describe(err error) string {
	switch KindOf(err) {
	case KindOffline:
		return "No internet connection."
	case KindTimeout:
		return "Request timed out."
	case KindTransport:
		return "Could not connect (network/server)."
	case KindHTTP:
		return "The server returned an error."
	case KindCircuitOpen:
		return "Service temporarily busy."
	case KindCancelled:
		return "Send stopped."
	default:
		return "Unexpected error."
	}
}
