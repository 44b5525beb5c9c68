package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-watch/internal/rabbitmq"
	"github.com/glimte/mmate-watch/internal/reliability"
	"github.com/glimte/mmate-watch/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) Name() string {
	return m.Called().String(0)
}

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	return m.Called(ctx).Get(0).(CheckResult)
}

func newMockChecker(name string, status Status) *mockChecker {
	c := &mockChecker{}
	c.On("Name").Return(name)
	c.On("Check", mock.Anything).Return(CheckResult{Name: name, Status: status})
	return c
}

// blockingChecker never finishes before ctx ends
type blockingChecker struct{}

func (blockingChecker) Name() string { return "slow" }

func (blockingChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Name: "slow", Status: StatusHealthy}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(ctx)
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("aggregates the worst status", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				registry := NewRegistry()
				var checkers []*mockChecker
				for i, status := range tt.statuses {
					c := newMockChecker(string(rune('a'+i)), status)
					checkers = append(checkers, c)
					registry.Register(c)
				}

				health := registry.Check(ctx)
				assert.Equal(t, tt.want, health.Status)
				assert.Len(t, health.Checks, len(tt.statuses))
				for _, c := range checkers {
					c.AssertExpectations(t)
				}
			})
		}
	})

	t.Run("Unregister removes the check", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(newMockChecker("rabbitmq", StatusUnhealthy))
		registry.Unregister("rabbitmq")

		assert.Equal(t, StatusHealthy, registry.Check(ctx).Status)
	})

	t.Run("timed out checks are unhealthy", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(newMockChecker("fast", StatusHealthy))
		registry.Register(blockingChecker{})

		checkCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		health := registry.Check(checkCtx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, []string{"fast", "slow"}, health.Names())
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})
}

type stubConnection struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubConnection) Channel() (*amqp.Channel, error) { return nil, errors.New("not supported") }

func (c *stubConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error { return receiver }

func (c *stubConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestRabbitMQChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("unhealthy when not connected", func(t *testing.T) {
		checker := NewRabbitMQChecker(rabbitmq.NewConnectionManager("amqp://localhost:5672"))

		result := checker.Check(ctx)
		assert.Equal(t, "rabbitmq", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, rabbitmq.ErrConnectionNotReady.Error(), result.Error)
		assert.Equal(t, false, result.Details["connection_open"])
	})

	t.Run("healthy when connected", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost:5672",
			rabbitmq.WithDialer(func(string) (rabbitmq.Connection, error) { return &stubConnection{}, nil }),
		)
		require.NoError(t, manager.Connect(ctx))
		defer manager.Close()

		result := NewRabbitMQChecker(manager).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, true, result.Details["connection_open"])
		assert.Equal(t, "closed", result.Details["dial_breaker"])
	})
}

// stubChannel is a consumer that never delivers
type stubChannel struct {
	mu         sync.Mutex
	deliveries chan messaging.Delivery
	shutdown   chan messaging.ShutdownSignal
	cancelled  bool
}

func newStubChannel() *stubChannel {
	return &stubChannel{
		deliveries: make(chan messaging.Delivery),
		shutdown:   make(chan messaging.ShutdownSignal, 1),
	}
}

func (c *stubChannel) ID() string { return "stub" }

func (c *stubChannel) Qos(int) error { return nil }

func (c *stubChannel) Ack(uint64) error { return nil }

func (c *stubChannel) Close() error { return nil }

func (c *stubChannel) NotifyShutdown() <-chan messaging.ShutdownSignal { return c.shutdown }

func (c *stubChannel) Consume(string, string) (<-chan messaging.Delivery, error) {
	return c.deliveries, nil
}

func (c *stubChannel) Cancel(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.deliveries)
	}
	return nil
}

func TestWatcherChecker(t *testing.T) {
	ctx := context.Background()
	dispatcher := messaging.DispatcherFunc(func(context.Context, messaging.Delivery) messaging.Outcome {
		return messaging.Outcome{}
	})

	t.Run("unhealthy before StartWatch", func(t *testing.T) {
		provider := messaging.ChannelProviderFunc(func(context.Context) (messaging.Channel, error) {
			return newStubChannel(), nil
		})
		checker := NewWatcherChecker("orders", messaging.NewWatcher(provider, dispatcher))

		result := checker.Check(ctx)
		assert.Equal(t, "watch_orders", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Not watching", result.Message)
		assert.Equal(t, "idle", result.Details["state"])
	})

	t.Run("healthy while consuming", func(t *testing.T) {
		provider := messaging.ChannelProviderFunc(func(context.Context) (messaging.Channel, error) {
			return newStubChannel(), nil
		})
		watcher := messaging.NewWatcher(provider, dispatcher)
		require.NoError(t, watcher.StartWatch(ctx, "orders", 4))
		defer watcher.Stop(ctx)

		result := NewWatcherChecker("orders", watcher).Check(ctx)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "orders", result.Details["queue"])
		assert.Equal(t, uint16(4), result.Details["prefetch"])
		assert.Equal(t, uint64(1), result.Details["generation"])
		assert.Equal(t, uint64(0), result.Details["sink_dropped"])
	})

	t.Run("reports why reinitialization gave up", func(t *testing.T) {
		first := newStubChannel()
		opened := 0
		var mu sync.Mutex
		provider := messaging.ChannelProviderFunc(func(context.Context) (messaging.Channel, error) {
			mu.Lock()
			defer mu.Unlock()
			opened++
			if opened == 1 {
				return first, nil
			}
			return nil, errors.New("connection refused")
		})
		watcher := messaging.NewWatcher(provider, dispatcher,
			messaging.WithReinitPolicy(reliability.NewFixedDelay(time.Millisecond, 1)),
		)
		require.NoError(t, watcher.StartWatch(ctx, "orders", 1))

		first.shutdown <- messaging.ShutdownSignal{Code: 320, Reason: "CONNECTION_FORCED", Server: true}
		close(first.shutdown)

		require.Eventually(t, func() bool { return watcher.State() == messaging.StateIdle }, 2*time.Second, 2*time.Millisecond)

		result := NewWatcherChecker("orders", watcher).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Gave up reinitializing", result.Message)
		assert.Contains(t, result.Error, "connection refused")
	})
}
