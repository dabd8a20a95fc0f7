package inbox

import (
	"context"
	"fmt"
	"time"
)

// ExecutionStrategy decides whether and how a unit of database work is
// retried after a failure.
//
// Execute must run op from the start on every attempt; op is responsible
// for opening and finishing its own transaction.
type ExecutionStrategy interface {
	// RetriesOnFailure reports whether Execute may run op more than once.
	RetriesOnFailure() bool

	// Execute runs op until it succeeds or the strategy gives up, and
	// returns the last error.
	Execute(ctx context.Context, op func(ctx context.Context) error) error
}

// NoRetry returns a strategy that runs the unit of work exactly once.
func NoRetry() ExecutionStrategy {
	return noRetry{}
}

type noRetry struct{}

func (noRetry) RetriesOnFailure() bool { return false }

func (noRetry) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

// OnRetryFunc is called before each retry with the 1 based number of the
// upcoming retry, the error that caused it and the delay before it starts.
type OnRetryFunc func(retry int, err error, delay time.Duration)

// RetryStrategy retries a unit of work while it fails with transient errors.
type RetryStrategy struct {
	maxRetries  int
	delayFunc   DelayFunc
	isTransient func(error) bool
	onRetry     OnRetryFunc
}

// RetryOption is a function that configures a RetryStrategy instance.
type RetryOption func(*RetryStrategy)

// WithMaxRetries sets how many times a failed unit is retried, on top of
// the first attempt. Default is 5. Must not be negative.
func WithMaxRetries(maxRetries int) RetryOption {
	return func(s *RetryStrategy) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
	}
}

// WithRetryDelay sets the delay applied between attempts.
// Default is Exponential(200ms, 15s).
func WithRetryDelay(delayFunc DelayFunc) RetryOption {
	return func(s *RetryStrategy) {
		if delayFunc != nil {
			s.delayFunc = delayFunc
		}
	}
}

// WithTransientErrors sets the predicate deciding which errors are worth a
// retry. Errors it rejects are returned immediately.
// Default only accepts connection errors, see IsConnectionError.
func WithTransientErrors(isTransient func(error) bool) RetryOption {
	return func(s *RetryStrategy) {
		if isTransient != nil {
			s.isTransient = isTransient
		}
	}
}

// WithOnRetry sets a callback invoked before every retry.
func WithOnRetry(onRetry OnRetryFunc) RetryOption {
	return func(s *RetryStrategy) {
		s.onRetry = onRetry
	}
}

// NewRetryStrategy creates a RetryStrategy with the given options.
func NewRetryStrategy(opts ...RetryOption) *RetryStrategy {
	s := &RetryStrategy{
		maxRetries:  5,
		delayFunc:   Exponential(200*time.Millisecond, 15*time.Second),
		isTransient: IsConnectionError,
		onRetry:     func(int, error, time.Duration) {},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewRetryStrategy creates a RetryStrategy classifying transient errors with
// the error classifier of the database context. Options given here are
// applied afterwards and may override it.
func (c *DBContext) NewRetryStrategy(opts ...RetryOption) *RetryStrategy {
	return NewRetryStrategy(append([]RetryOption{WithTransientErrors(c.classifier.IsTransient)}, opts...)...)
}

// RetriesOnFailure always returns true.
func (s *RetryStrategy) RetriesOnFailure() bool { return true }

// Execute runs op, retrying it while it fails with transient errors and the
// retry budget lasts. Cancellation of ctx stops the retries; when it happens
// while waiting, the returned error wraps both the last error and ctx.Err().
func (s *RetryStrategy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || !s.isTransient(err) {
			return err
		}

		if attempt >= s.maxRetries {
			return &RetryLimitExceededError{Attempts: attempt + 1, Err: err}
		}

		delay := s.delayFunc(attempt)
		s.onRetry(attempt+1, err, delay)

		if waitErr := wait(ctx, delay); waitErr != nil {
			return fmt.Errorf("waiting to retry after %w: %w", err, waitErr)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
