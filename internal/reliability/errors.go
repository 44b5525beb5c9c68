package reliability

import (
	"fmt"
	"time"
)

// RetryError represents a retry operation that gave up
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	if e.MaxAttempts < 0 {
		return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
			e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
	}
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
