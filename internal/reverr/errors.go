// Package reverr defines the error kinds shared across the review service.
// Retry decisions at the scheduler and recovery decisions in the orchestrator
// are made from the kind, never from error strings.
package reverr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and recovery policy.
type Kind int

const (
	// KindUnknown is any error without an explicit classification.
	KindUnknown Kind = iota
	// KindAuth covers signature mismatches and invalid app credentials. Never retried.
	KindAuth
	// KindRateLimited means the forge or model reported quota exhaustion. Retried
	// with backoff keyed to the reset timestamp when one is known.
	KindRateLimited
	// KindTransient covers timeouts, connection resets and 5xx responses.
	KindTransient
	// KindNotFound means the installation, repository or PR is gone. Terminal.
	KindNotFound
	// KindValidation means the forge rejected a single item (bad diff position,
	// malformed comment). Per-item: the offender is dropped.
	KindValidation
	// KindCostCeiling is not a failure: the review budget was reached and the
	// pipeline truncated.
	KindCostCeiling
	// KindCanceled is not a failure: the task was superseded or hit its soft
	// deadline and committed partial results.
	KindCanceled
	// KindInvariant marks a bug, e.g. a finding with no position reaching the
	// poster. The task goes to dead-letter.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindCostCeiling:
		return "cost_ceiling"
	case KindCanceled:
		return "canceled"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error

	// ResetAt is set for rate-limited errors when the forge told us when the
	// budget returns.
	ResetAt time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a rate-limit error carrying the reset time.
func RateLimited(err error, resetAt time.Time) error {
	return &Error{Kind: KindRateLimited, Err: err, ResetAt: resetAt}
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the scheduler should retry a task failing with err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// ResetOf returns the rate-limit reset time carried by err, if any.
func ResetOf(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && !e.ResetAt.IsZero() {
		return e.ResetAt, true
	}
	return time.Time{}, false
}
