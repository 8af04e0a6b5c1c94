package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a resilience error. Every error produced by this
// package belongs to exactly one kind so callers can map outcomes
// deterministically to transport-level statuses.
type Kind string

const (
	// KindCircuitOpen means the target's breaker is open or its
	// half-open probe budget is exhausted.
	KindCircuitOpen Kind = "circuit_open"

	// KindRateLimited means admission was denied by a rate limiter.
	KindRateLimited Kind = "rate_limited"

	// KindBulkheadFull means the partition is at capacity and its queue
	// is full, or the queue wait timed out.
	KindBulkheadFull Kind = "bulkhead_full"

	// KindRetryExhausted wraps the last underlying error after all
	// retry attempts were used.
	KindRetryExhausted Kind = "retry_exhausted"

	// KindTimeout means a deadline elapsed before the operation
	// completed.
	KindTimeout Kind = "timeout"

	// KindInvalidPolicy means configuration failed validation at load
	// time. Fatal to that policy only.
	KindInvalidPolicy Kind = "invalid_policy"
)

// ErrUnavailable marks an underlying error as the "service unavailable"
// category, which the default retry predicate treats as retryable. Wrap
// with fmt.Errorf("...: %w", ErrUnavailable) or compare with errors.Is.
var ErrUnavailable = errors.New("resilience: service unavailable")

// Error is the error type for all resilience outcomes. It carries the
// kind, the protected target, and safe metadata only; internal state
// (queue contents, stack traces) is never exposed.
type Error struct {
	Kind    Kind
	Target  string
	Message string

	// RetryAfter is set on rate_limited and circuit_open errors to hint
	// when admission may succeed again.
	RetryAfter time.Duration

	// Attempts is set on retry_exhausted errors.
	Attempts int

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resilience: [%s] %s: %s: %v", e.Kind, e.Target, e.Message, e.Cause)
	}
	return fmt.Sprintf("resilience: [%s] %s: %s", e.Kind, e.Target, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

func newCircuitOpenError(target string, retryAfter time.Duration) *Error {
	msg := "circuit breaker is open"
	if retryAfter > 0 {
		msg = fmt.Sprintf("circuit breaker is open, retry after %s", retryAfter)
	}
	return &Error{Kind: KindCircuitOpen, Target: target, Message: msg, RetryAfter: retryAfter}
}

func newRateLimitError(target string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Target:     target,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

func newBulkheadFullError(partition, reason string) *Error {
	return &Error{
		Kind:    KindBulkheadFull,
		Target:  partition,
		Message: reason,
	}
}

func newRetryExhaustedError(target string, attempts int, cause error) *Error {
	return &Error{
		Kind:     KindRetryExhausted,
		Target:   target,
		Message:  fmt.Sprintf("retry exhausted after %d attempts", attempts),
		Attempts: attempts,
		Cause:    cause,
	}
}

func newTimeoutError(target string, d time.Duration) *Error {
	return &Error{
		Kind:    KindTimeout,
		Target:  target,
		Message: fmt.Sprintf("operation timed out after %s", d),
	}
}

func newInvalidPolicyError(name, field, reason string) *Error {
	return &Error{
		Kind:    KindInvalidPolicy,
		Target:  name,
		Message: fmt.Sprintf("field %q %s", field, reason),
	}
}

// kindOf extracts the kind of err, or "" if err is not a resilience error.
func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCircuitOpen reports whether err is a circuit_open error.
func IsCircuitOpen(err error) bool { return kindOf(err) == KindCircuitOpen }

// IsRateLimited reports whether err is a rate_limited error.
func IsRateLimited(err error) bool { return kindOf(err) == KindRateLimited }

// IsBulkheadFull reports whether err is a bulkhead_full error.
func IsBulkheadFull(err error) bool { return kindOf(err) == KindBulkheadFull }

// IsRetryExhausted reports whether err is a retry_exhausted error.
func IsRetryExhausted(err error) bool { return kindOf(err) == KindRetryExhausted }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// IsInvalidPolicy reports whether err is an invalid_policy error.
func IsInvalidPolicy(err error) bool { return kindOf(err) == KindInvalidPolicy }

// IsAdmissionError reports whether err was produced by an admission
// check (circuit breaker, rate limiter, or bulkhead) rather than by the
// protected operation itself. Admission errors never count as target
// failures in the circuit breaker.
func IsAdmissionError(err error) bool {
	switch kindOf(err) {
	case KindCircuitOpen, KindRateLimited, KindBulkheadFull:
		return true
	}
	return false
}

// retryableError flags an error as explicitly retryable.
type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }

func (r *retryableError) Unwrap() error { return r.err }

func (r *retryableError) Retryable() bool { return true }

// MarkRetryable wraps err so that the default retry predicate treats it
// as retryable regardless of its category.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// DefaultRetryPredicate is the default retryability classification: an
// error is retried when it carries an explicit retryable flag (see
// MarkRetryable) or when it belongs to the timeout, unavailable, or
// rate-limited categories.
func DefaultRetryPredicate(err error) bool {
	if err == nil {
		return false
	}

	var flagged interface{ Retryable() bool }
	if errors.As(err, &flagged) {
		return flagged.Retryable()
	}

	switch kindOf(err) {
	case KindTimeout, KindRateLimited:
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUnavailable) {
		return true
	}

	return false
}
