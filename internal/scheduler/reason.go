package scheduler

import (
	"errors"
	"fmt"
)

// Reason classifies why a chunk did not succeed.
type Reason int

const (
	ReasonNone Reason = iota
	// RateLimitExceeded: no rate budget. Requeued; fatal only past the job
	// deadline.
	RateLimitExceeded
	// CircuitOpen: the endpoint's breaker rejected the call. Requeued after
	// the cooldown without consuming the retry budget.
	CircuitOpen
	// PoolExhausted: no connection within the acquire timeout. Retried
	// against the budget.
	PoolExhausted
	// TransportError: network failure, timeout or 5xx. Retried against the
	// budget with exponential backoff.
	TransportError
	// UpstreamRejected: a non-retryable 4xx. Fails the job.
	UpstreamRejected
	// Cancelled: the job was cancelled before the chunk finished.
	Cancelled
)

var reasonNames = [...]string{
	ReasonNone:        "",
	RateLimitExceeded: "RateLimitExceeded",
	CircuitOpen:       "CircuitOpen",
	PoolExhausted:     "PoolExhausted",
	TransportError:    "TransportError",
	UpstreamRejected:  "UpstreamRejected",
	Cancelled:         "Cancelled",
}

// String returns the taxonomy name.
func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("Reason(%d)", int(r))
	}
	return reasonNames[r]
}

// ParseReason is the inverse of [Reason.String].
func ParseReason(s string) (Reason, error) {
	for i, n := range reasonNames {
		if n == s {
			return Reason(i), nil
		}
	}
	return ReasonNone, fmt.Errorf("scheduler: unknown reason %q", s)
}

// ChunkError reports a chunk that did not succeed.
type ChunkError struct {
	Index    int
	Reason   Reason
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chunk %d: %s after %d attempt(s): %v", e.Index, e.Reason, e.Attempts, e.Err)
	}
	return fmt.Sprintf("chunk %d: %s after %d attempt(s)", e.Index, e.Reason, e.Attempts)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// errAbandoned is the error attached to chunks abandoned by cancellation or
// a fatal rejection elsewhere in the job.
var errAbandoned = errors.New("chunk abandoned before dispatch")
