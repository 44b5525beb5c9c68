// Package reliability provides the retry policies used to rebuild consumer
// subscriptions and broker connections.
//
// Policies:
//   - ExponentialBackoff: multiplier based delay with optional jitter and a cap
//   - FixedDelay: constant delay between attempts
//
// Both accept Unlimited (-1) as attempt ceiling. Errors implementing
// IsRetryable() bool are honoured; wrap with Permanent to stop retrying.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2.0, Unlimited)
//	err := RetryNotify(ctx, policy, resubscribe, func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("resubscribe failed", "attempt", attempt, "error", err, "nextRetryIn", delay)
//	})
package reliability
