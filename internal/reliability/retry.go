package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Unlimited disables the attempt ceiling of a retry policy
const Unlimited = -1

// jitterFraction spreads each delay uniformly over ±15%
const jitterFraction = 0.15

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// Attempts are zero based: attempt 0 is the first failure.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the retry ceiling, Unlimited for none
	MaxRetries() int
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies the delay after every failure up to MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a jittered exponential backoff policy.
// A negative maxRetries retries forever.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	return decide(e, attempt, err)
}

func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if math.IsInf(delay, 0) || delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		delay *= 1 - jitterFraction + rand.Float64()*2*jitterFraction
	}
	return time.Duration(delay)
}

// FixedDelay waits the same Delay between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy. A negative maxRetries retries forever.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	return decide(f, attempt, err)
}

func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// decide applies the attempt ceiling and error classification shared by all policies
func decide(policy RetryPolicy, attempt int, err error) (bool, time.Duration) {
	if ceiling := policy.MaxRetries(); ceiling >= 0 && attempt >= ceiling {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, policy.NextDelay(attempt)
}

// AttemptFunc is notified after every failed attempt that will be retried,
// before waiting
type AttemptFunc func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds, the policy gives up or ctx ends
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify is Retry with a callback observing each failed attempt.
// When the policy gives up the last failure is returned inside a *RetryError;
// when ctx ends ctx.Err() is returned as is.
func RetryNotify(ctx context.Context, policy RetryPolicy, fn func() error, notify AttemptFunc) error {
	start := time.Now()

	for attempt := 0; ctx.Err() == nil; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return &RetryError{
				Op:          "retry",
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isRetryableError reports whether err should be retried. Errors classify
// themselves through IsRetryable() bool anywhere in their chain; anything
// else is retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var classified interface{ IsRetryable() bool }
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return true
}

// RetryableError attaches an explicit retry classification to Err
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}
