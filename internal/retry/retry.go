// Package retry provides exponential backoff with jitter for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/janovincze/shapesync/internal/metrics"
)

// Policy defines the retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first one.
	// Zero means retry until the context is cancelled.
	MaxAttempts int

	// InitialInterval is the first backoff interval.
	InitialInterval time.Duration

	// MaxInterval caps the backoff interval.
	MaxInterval time.Duration

	// Multiplier grows the interval after each attempt.
	Multiplier float64

	// Jitter spreads waits by ±25% so reconnecting clients do not synchronize.
	Jitter bool
}

// DefaultPolicy returns a bounded Policy for server-side writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// ReconnectPolicy returns an unbounded Policy for long-lived client streams.
func ReconnectPolicy() Policy {
	return Policy{
		MaxAttempts:     0,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     20 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Error wraps the last error with attempt information.
type Error struct {
	Err      error
	Attempts int
	LastWait time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable is implemented by errors that know whether they may be retried.
type Retryable interface {
	IsRetryable() bool
}

type classifiedError struct {
	err       error
	retryable bool
}

func (e *classifiedError) Error() string     { return e.err.Error() }
func (e *classifiedError) Unwrap() error     { return e.err }
func (e *classifiedError) IsRetryable() bool { return e.retryable }

// Transient marks err as retryable.
func Transient(err error) error {
	return &classifiedError{err: err, retryable: true}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &classifiedError{err: err, retryable: false}
}

// IsRetryable reports whether err should be retried. Errors that do not
// classify themselves are retried unless they are context errors.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Retryer runs operations under a Policy.
type Retryer struct {
	policy    Policy
	logger    *slog.Logger
	component string
}

// New creates a Retryer. The component labels retry metrics and logs.
func New(policy Policy, component string, logger *slog.Logger) *Retryer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retryer{
		policy:    policy,
		component: component,
		logger:    logger.With("component", "retryer", "owner", component),
	}
}

// Policy returns the retry policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Execute runs op until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done.
func (r *Retryer) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastWait time.Duration

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("operation succeeded after retry", "attempt", attempt, "total_wait", lastWait)
			}
			return nil
		}

		if !IsRetryable(err) {
			return &Error{Err: err, Attempts: attempt, LastWait: lastWait}
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return &Error{Err: err, Attempts: attempt, LastWait: lastWait}
		}

		metrics.RetriesTotal.WithLabelValues(r.component).Inc()

		wait := r.Backoff(attempt)
		lastWait += wait

		r.logger.Debug("retrying after error",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)

		if err := Sleep(ctx, wait); err != nil {
			return &Error{Err: err, Attempts: attempt, LastWait: lastWait}
		}
	}
}

// Backoff returns the wait before the attempt following the given one.
func (r *Retryer) Backoff(attempt int) time.Duration {
	backoff := float64(r.policy.InitialInterval) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if backoff > float64(r.policy.MaxInterval) {
		backoff = float64(r.policy.MaxInterval)
	}

	d := time.Duration(backoff)
	if r.policy.Jitter && d > 0 {
		spread := d / 4
		if spread > 0 {
			d = d - spread + time.Duration(rand.Int64N(int64(spread*2)))
		}
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs an operation that returns a value under the Retryer.
func Do[T any](ctx context.Context, r *Retryer, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
