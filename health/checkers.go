package health

import (
	"context"
	"time"

	"github.com/glimte/mmate-watch/internal/rabbitmq"
	"github.com/glimte/mmate-watch/messaging"
	"github.com/sony/gobreaker"
)

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{connManager: connManager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	breaker := c.connManager.BreakerState()
	result.Details["dial_breaker"] = breaker.String()

	_, err := c.connManager.GetConnection()
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
	case breaker != gobreaker.StateClosed:
		result.Status = StatusDegraded
		result.Message = "Connection is up but dials are failing"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Details["connection_open"] = err == nil
	result.Duration = time.Since(start)
	return result
}

// WatcherChecker reports the lifecycle state of a Watcher
type WatcherChecker struct {
	name    string
	watcher *messaging.Watcher
}

// NewWatcherChecker creates a checker for watcher. The check is named
// watch_<name>.
func NewWatcherChecker(name string, watcher *messaging.Watcher) *WatcherChecker {
	return &WatcherChecker{name: "watch_" + name, watcher: watcher}
}

func (c *WatcherChecker) Name() string {
	return c.name
}

func (c *WatcherChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	state := c.watcher.State()
	result.Details["state"] = state.String()
	result.Details["sink_dropped"] = c.watcher.Errors().Dropped()
	if queue := c.watcher.Queue(); queue != "" {
		result.Details["queue"] = queue
	}

	reg, registered := c.watcher.Registration()
	if registered {
		result.Details["consumer_tag"] = reg.ConsumerTag
		result.Details["generation"] = reg.Generation
		result.Details["prefetch"] = reg.Prefetch
	}

	switch {
	case state == messaging.StateWatching && registered:
		result.Status = StatusHealthy
		result.Message = "Consuming"
	case state == messaging.StateWatching:
		result.Status = StatusDegraded
		result.Message = "Reinitializing consumer"
	case state == messaging.StateStopping:
		result.Status = StatusDegraded
		result.Message = "Stopping"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Not watching"
		if err := c.watcher.Err(); err != nil {
			result.Message = "Gave up reinitializing"
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}
