// Package retry runs an operation under a bounded exponential-backoff policy.
//
// Attempt 0 runs immediately; attempt k (k >= 1) waits BaseDelay * 2^(k-1).
// Errors that report Retryable() == false stop the loop at once. When every
// attempt fails, the caller gets an *ExhaustedError wrapping the last error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidPolicy is returned for a negative retry count or delay.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// maxShift caps the exponent so the delay cannot overflow time.Duration.
const maxShift = 30

// Retryable is implemented by errors that know whether another attempt could
// succeed.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err may succeed on another attempt. An error
// that classifies itself decides, even when it wraps a context error. Other
// errors are retryable unless they are context cancellation or deadline
// errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Policy configures Do.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration

	// OnRetry, if set, is called before each backoff wait with the number of
	// the attempt about to run (1-based retry index), the delay, and the
	// error that caused the retry.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Logger receives retry records. Nil uses slog.Default().
	Logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("%w: base delay must be >= 0, got %v", ErrInvalidPolicy, p.BaseDelay)
	}
	return nil
}

// Delay returns the wait before retry k (k >= 1): base * 2^(k-1).
func Delay(base time.Duration, k int) time.Duration {
	if k <= 0 || base <= 0 {
		return 0
	}
	shift := k - 1
	if shift > maxShift {
		shift = maxShift
	}
	return base << shift
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retryable reports false: the budget is spent.
func (e *ExhaustedError) Retryable() bool { return false }

// Attempts returns how many attempts produced err: the ExhaustedError count
// if err wraps one, otherwise 1 for a non-nil error.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	if err != nil {
		return 1
	}
	return 0
}

// Do runs fn until it succeeds, returns a terminal error, or the policy is
// exhausted. fn receives the 0-based attempt number. Attempts never overlap.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retry")
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("retry: context done before first attempt: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Delay(p.BaseDelay, attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			logger.Info("retrying after backoff",
				"attempt", attempt+1,
				"max_attempts", p.MaxRetries+1,
				"backoff", delay,
				"error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry: context done during backoff after %d attempts: %w", attempt, err)
			}
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after retry", "attempt", attempt+1)
			}
			return v, nil
		}
		if !IsRetryable(err) {
			logger.Debug("non-retryable error", "attempt", attempt+1, "error", err)
			return zero, err
		}
		lastErr = err
	}

	logger.Warn("retries exhausted", "attempts", p.MaxRetries+1, "error", lastErr)
	return zero, &ExhaustedError{Attempts: p.MaxRetries + 1, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
