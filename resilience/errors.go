package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// The failure taxonomy used across the stitch engines. Callers see typed
// error values carrying a machine readable kind; the underlying cause is
// chained and preserved for logging.

// TimeoutError indicates a bounded operation exceeded its budget.
// The retry classifier treats it as transient unless overridden.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("operation timed out after %v", e.Budget)
	}
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Budget)
}

func NewTimeoutError(op string, budget time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, Budget: budget}
}

// CircuitOpenError is returned when a breaker refuses a call without
// invoking the wrapped operation. Retrying does not help within the open
// window; callers may fall back instead.
type CircuitOpenError struct {
	Name  string
	Until time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open until %v", e.Name, e.Until.Format(time.RFC3339))
}

// PermanentError marks its cause as not eligible for retry (a 4xx
// equivalent contract violation rather than a transient fault).
type PermanentError struct {
	cause error
}

func (e *PermanentError) Error() string { return e.cause.Error() }
func (e *PermanentError) Unwrap() error { return e.cause }

// Permanent wraps err so the default classifier will not retry it.
// Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{cause: err}
}

// IsCancellation reports whether err came from the caller's context being
// cancelled or hitting its own deadline. Cancellations are never retried
// and do not count as breaker samples.
func IsCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return stderrors.As(err, &te)
}

func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return stderrors.As(err, &ce)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return stderrors.As(err, &pe)
}

// IsTransient is the default retry classifier: any failure that is not a
// cancellation, not marked permanent, and not a breaker refusal is
// considered transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsCancellation(err) && !IsPermanent(err) && !IsCircuitOpen(err)
}
