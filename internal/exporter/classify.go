package exporter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// classifyHTTPStatusCode categorizes a non-2xx status code.
func classifyHTTPStatusCode(statusCode int) ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ErrorKindNone
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorKindAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorKindRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorKindClientError
	case statusCode >= 500:
		return ErrorKindServerError
	default:
		// 1xx/3xx that escaped the client: the batch was not accepted.
		return ErrorKindUnknown
	}
}

// classifyError categorizes a transport error into a low-cardinality kind.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	if errors.Is(err, context.Canceled) {
		return ErrorKindCanceled
	}
	if isTimeoutError(err) {
		return ErrorKindTimeout
	}
	if isNetworkError(err) {
		return ErrorKindNetwork
	}

	// Errors that lost their type through wrapping by intermediaries.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		return ErrorKindNetwork
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// MaxRetryAfter caps server supplied Retry-After hints.
const MaxRetryAfter = time.Hour

// parseRetryAfter parses a Retry-After value in delta-seconds or HTTP-date
// form. It returns 0 for missing, malformed or past values.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(value); err == nil {
		d = t.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, MaxRetryAfter)
}
