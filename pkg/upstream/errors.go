package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an upstream failure.
type Kind int

const (
	// KindTransport covers network errors, timeouts, 408 and 5xx. Retryable;
	// counts against the circuit breaker and the connection's health.
	KindTransport Kind = iota

	// KindThrottled is a 429. Retryable after RetryAfter; the rate limiter is
	// told to back off.
	KindThrottled

	// KindRejected is any other 4xx. The request will never succeed as is.
	KindRejected

	// KindCancelled means the caller's context ended before a response.
	KindCancelled
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindThrottled:
		return "throttled"
	case KindRejected:
		return "rejected"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified upstream failure.
type Error struct {
	Kind       Kind
	StatusCode int           // 0 when no HTTP response was received
	RetryAfter time.Duration // from a Retry-After header, if any
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the [Kind] of err. Unclassified errors are treated as
// transport failures.
func Classify(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransport
}

// KindForStatus maps an HTTP status code to a [Kind].
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindThrottled
	case code == http.StatusRequestTimeout, code >= 500:
		return KindTransport
	default:
		return KindRejected
	}
}

// StatusError builds an [*Error] for a non-2xx HTTP response. body is a short
// excerpt of the response for diagnostics.
func StatusError(code int, header http.Header, body string) *Error {
	e := &Error{
		Kind:       KindForStatus(code),
		StatusCode: code,
		Err:        fmt.Errorf("server returned HTTP %d: %s", code, body),
	}
	if header != nil {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

// TransportError wraps a network-level failure. Context cancellation is
// classified as [KindCancelled] so it is not counted against the breaker.
func TransportError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
