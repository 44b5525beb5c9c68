package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("Unlimited never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2.0, Unlimited)

		for _, attempt := range []int{0, 10, 1000, 1 << 20} {
			shouldRetry, delay := eb.ShouldRetry(attempt, errors.New("broker down"))
			assert.True(t, shouldRetry)
			assert.LessOrEqual(t, delay, 12*time.Millisecond)
		}
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
			{5000, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("NextDelay with jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("access refused")))
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("creates with correct values", func(t *testing.T) {
		fd := NewFixedDelay(2*time.Second, 3)

		assert.Equal(t, 2*time.Second, fd.Delay)
		assert.Equal(t, 3, fd.MaxRetries())
	})

	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after max retries", func(t *testing.T) {
		persistent := errors.New("persistent error")
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return persistent
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, persistent)
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 2, retryErr.MaxAttempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("notifies each failed attempt", func(t *testing.T) {
		var seen []int
		attempts := 0

		err := RetryNotify(context.Background(), NewFixedDelay(time.Millisecond, Unlimited), func() error {
			attempts++
			if attempts < 4 {
				return errors.New("channel closed")
			}
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
			assert.Equal(t, time.Millisecond, delay)
		})

		assert.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("does not notify the attempt that gives up", func(t *testing.T) {
		var seen []int
		err := RetryNotify(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			return errors.New("connection refused")
		}, func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, []int{1, 2}, seen)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := int32(0)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(1*time.Second, Unlimited), func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5), func() error {
			attempts++
			if attempts == 2 {
				return Permanent(errors.New("fatal error"))
			}
			return errors.New("retryable error")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "fatal error")
		assert.Equal(t, 2, attempts)
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, isRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, isRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, isRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("wrapped classification is honoured", func(t *testing.T) {
		err := errors.Join(errors.New("open channel"), Permanent(errors.New("403")))
		assert.False(t, isRetryableError(err))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, isRetryableError(errors.New("unknown error")))
	})
}
