package exporter

import (
	"errors"
	"fmt"
	"time"
)

// ErrInFlight is returned when Deliver is called while another request of
// the same exporter is still in flight. It indicates a caller bug.
var ErrInFlight = errors.New("exporter: a request is already in flight")

// Outcome is the classified result of one delivery attempt.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorKind is a low-cardinality category of delivery error, used as a
// metric label.
type ErrorKind string

const (
	// ErrorKindNone is the kind of a successful attempt.
	ErrorKindNone ErrorKind = ""
	// ErrorKindNetwork: DNS, connection refused or reset, unexpected EOF.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindTimeout: the per-attempt deadline expired.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindServerError: 5xx status codes.
	ErrorKindServerError ErrorKind = "server_error"
	// ErrorKindRateLimit: 429.
	ErrorKindRateLimit ErrorKind = "rate_limit"
	// ErrorKindClientError: 4xx other than 401, 403 and 429.
	ErrorKindClientError ErrorKind = "client_error"
	// ErrorKindAuth: 401 and 403.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindCanceled: the caller's context was canceled.
	ErrorKindCanceled ErrorKind = "canceled"
	// ErrorKindInternal: the request could not be built or was misused.
	ErrorKindInternal ErrorKind = "internal"
	// ErrorKindUnknown represents unclassified transport errors.
	ErrorKindUnknown ErrorKind = "unknown"
)

// DeliveryError is the structured error of a failed attempt.
type DeliveryError struct {
	// Err is the underlying transport error, if any.
	Err        error
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the server supplied hint, zero when absent.
	RetryAfter time.Duration
	// Message is the (truncated) response body.
	Message string
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("delivery failed: status %d: %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("delivery failed: status %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	default:
		return fmt.Sprintf("delivery failed: status %d (%s)", e.StatusCode, e.Kind)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the same request may succeed on retry.
func (e *DeliveryError) IsRetryable() bool {
	return kindOutcome(e.Kind) == Retryable
}

func kindOutcome(k ErrorKind) Outcome {
	switch k {
	case ErrorKindNone:
		return Success
	case ErrorKindClientError, ErrorKindAuth, ErrorKindInternal:
		return Fatal
	default:
		return Retryable
	}
}

// Result is the outcome of a single Deliver call.
type Result struct {
	Outcome Outcome
	Kind    ErrorKind
	// StatusCode is 0 when no response was received.
	StatusCode int
	RetryAfter time.Duration
	Latency    time.Duration
	// Err is a *DeliveryError unless Outcome is Success.
	Err error
}

func failure(de *DeliveryError, latency time.Duration) Result {
	return Result{
		Outcome:    kindOutcome(de.Kind),
		Kind:       de.Kind,
		StatusCode: de.StatusCode,
		RetryAfter: de.RetryAfter,
		Latency:    latency,
		Err:        de,
	}
}
