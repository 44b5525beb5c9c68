// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-watch/health"
	"github.com/glimte/mmate-watch/internal/rabbitmq"
	"github.com/glimte/mmate-watch/internal/reliability"
	"github.com/glimte/mmate-watch/messaging"
	"github.com/glimte/mmate-watch/serialization"
	rabbitmqTransport "github.com/glimte/mmate-watch/transports/rabbitmq"
)

// ErrQueueWatched is returned by Watch when the client already owns a
// watcher for the queue.
var ErrQueueWatched = errors.New("mmate: queue already watched by this client")

// ErrClientClosed is returned by Watch after Close
var ErrClientClosed = errors.New("mmate: client closed")

// Client provides the main entry point for mmate-watch. It owns one
// RabbitMQ connection and any number of watchers on it.
type Client struct {
	provider messaging.ChannelProvider
	closer   func() error
	health   *health.Registry
	cfg      *clientConfig

	mu       sync.Mutex
	watchers map[string]*messaging.Watcher
	starting map[string]struct{} // queues reserved by a Watch in progress
	closed   bool
}

// NewClient creates a new mmate client with default RabbitMQ transport
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a new mmate client with options
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options...)

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithDialTimeout(cfg.dialTimeout),
		rabbitmq.WithMaxRetries(cfg.maxReconnects),
	}
	if cfg.reconnectDelay > 0 {
		connOpts = append(connOpts, rabbitmq.WithReconnectDelay(cfg.reconnectDelay))
	}
	if cfg.breaker != nil {
		connOpts = append(connOpts, rabbitmq.WithBreaker(*cfg.breaker))
	}

	transport, err := rabbitmqTransport.NewTransport(context.Background(), connectionString,
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(connOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client := newClient(transport, transport.Close, cfg)
	client.health.Register(health.NewRabbitMQChecker(transport.Manager()))

	cfg.logger.Info("mmate client connected", "url", rabbitmq.SanitizeURL(connectionString))
	return client, nil
}

func newClient(provider messaging.ChannelProvider, closer func() error, cfg *clientConfig) *Client {
	return &Client{
		provider: provider,
		closer:   closer,
		health:   health.NewRegistry(),
		cfg:      cfg,
		watchers: make(map[string]*messaging.Watcher),
		starting: make(map[string]struct{}),
	}
}

// NewWatcher creates a watcher on the client's connection without starting it.
// Client defaults are applied first; options override them.
func (c *Client) NewWatcher(dispatcher messaging.Dispatcher, options ...messaging.WatcherOption) *messaging.Watcher {
	opts := []messaging.WatcherOption{
		messaging.WithWatcherLogger(c.cfg.logger),
		messaging.WithPrefetchCount(c.cfg.prefetch),
		messaging.WithConsumerTagPrefix(c.cfg.tagPrefix),
	}
	if c.cfg.reinit != nil {
		opts = append(opts, messaging.WithReinitPolicy(c.cfg.reinit))
	}
	opts = append(opts, options...)

	watcher := messaging.NewWatcher(c.provider, dispatcher, opts...)
	for _, fn := range c.cfg.errorHandlers {
		watcher.Errors().OnError(fn)
	}
	return watcher
}

// Watch creates a watcher, starts it on queue and registers its health check.
// A watcher left idle on queue, because its reinitialization gave up or it was
// stopped directly, is replaced.
func (c *Client) Watch(ctx context.Context, queue string, dispatcher messaging.Dispatcher, options ...messaging.WatcherOption) (*messaging.Watcher, error) {
	if err := c.reserve(queue); err != nil {
		return nil, err
	}

	// StartWatch talks to the broker; the reservation keeps the queue ours meanwhile
	watcher := c.NewWatcher(dispatcher, options...)
	err := watcher.StartWatch(ctx, queue, 0)

	c.mu.Lock()
	delete(c.starting, queue)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.closed {
		c.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.stopTimeout)
		defer cancel()
		if stopErr := watcher.Stop(stopCtx); stopErr != nil {
			c.cfg.logger.Warn("failed to stop watcher started during close", "queue", queue, "error", stopErr)
		}
		return nil, ErrClientClosed
	}
	c.watchers[queue] = watcher
	c.health.Register(health.NewWatcherChecker(queue, watcher))
	c.mu.Unlock()

	return watcher, nil
}

// reserve claims queue for a Watch call, dropping an idle watcher left on it
func (c *Client) reserve(queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if _, busy := c.starting[queue]; busy {
		return fmt.Errorf("%w: %s", ErrQueueWatched, queue)
	}
	if existing, ok := c.watchers[queue]; ok {
		if existing.State() != messaging.StateIdle {
			return fmt.Errorf("%w: %s", ErrQueueWatched, queue)
		}
		delete(c.watchers, queue)
		c.health.Unregister(health.NewWatcherChecker(queue, existing).Name())
		c.cfg.logger.Info("replacing idle watcher", "queue", queue, "error", existing.Err())
	}
	c.starting[queue] = struct{}{}
	return nil
}

// Unwatch stops the watcher on queue and removes its health check.
func (c *Client) Unwatch(ctx context.Context, queue string) error {
	c.mu.Lock()
	watcher, ok := c.watchers[queue]
	delete(c.watchers, queue)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.health.Unregister(health.NewWatcherChecker(queue, watcher).Name())
	return watcher.Stop(ctx)
}

// Watcher returns the watcher owned by this client for queue
func (c *Client) Watcher(queue string) (*messaging.Watcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	watcher, ok := c.watchers[queue]
	return watcher, ok
}

// Queues returns the watched queues in sorted order
func (c *Client) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.watchers))
	for queue := range c.watchers {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

// Health runs every registered health check
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// HealthRegistry returns the registry so callers can add their own checks
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Close stops all watchers, each bounded by the stop timeout, and then
// closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watchers := c.watchers
	c.watchers = make(map[string]*messaging.Watcher)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.stopTimeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for queue, watcher := range watchers {
		wg.Add(1)
		go func(queue string, watcher *messaging.Watcher) {
			defer wg.Done()
			if err := watcher.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", queue, err))
				mu.Unlock()
			}
		}(queue, watcher)
	}
	wg.Wait()

	if c.closer != nil {
		if err := c.closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WatchJSON watches queue and hands each JSON body decoded as T to handler
// on the delivery goroutine.
func WatchJSON[T any](ctx context.Context, c *Client, queue string, handler messaging.HandlerFunc[T], options ...messaging.WatcherOption) (*messaging.Watcher, error) {
	dispatcher := messaging.NewSyncDispatcher[T](serialization.NewJSONDecoder[T](), handler)
	return c.Watch(ctx, queue, dispatcher, options...)
}

// WatchJSONAsync is WatchJSON for handlers that complete through a Future.
// Acknowledgment waits for the Future, bounded by the client's await timeout.
func WatchJSONAsync[T any](ctx context.Context, c *Client, queue string, handler messaging.AsyncHandlerFunc[T], options ...messaging.WatcherOption) (*messaging.Watcher, error) {
	var dispatchOpts []messaging.AsyncDispatcherOption
	if c.cfg.awaitTimeout > 0 {
		dispatchOpts = append(dispatchOpts, messaging.WithAwaitTimeout(c.cfg.awaitTimeout))
	}
	dispatcher := messaging.NewAsyncDispatcher[T](serialization.NewJSONDecoder[T](), handler, dispatchOpts...)
	return c.Watch(ctx, queue, dispatcher, options...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	prefetch       uint16
	tagPrefix      string
	reinit         reliability.RetryPolicy
	stopTimeout    time.Duration
	awaitTimeout   time.Duration
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	breaker        *rabbitmq.BreakerSettings
	errorHandlers  []messaging.ErrorHandlerFunc
}

func newClientConfig(options ...ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:      slog.Default(),
		prefetch:    messaging.DefaultPrefetchCount,
		tagPrefix:   "mmate-watch",
		stopTimeout: 30 * time.Second,
		dialTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithPrefetchCount sets the default prefetch of watchers created by the client
func WithPrefetchCount(count uint16) ClientOption {
	return func(cfg *clientConfig) {
		if count > 0 {
			cfg.prefetch = count
		}
	}
}

// WithConsumerTagPrefix sets the consumer tag prefix of watchers
func WithConsumerTagPrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tagPrefix = prefix
	}
}

// WithReinitBackoff sets the exponential backoff used by watchers to
// re-register after a broker shutdown. A negative maxAttempts retries forever.
func WithReinitBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reinit = reliability.NewExponentialBackoff(initial, max, multiplier, maxAttempts)
	}
}

// WithStopTimeout bounds how long Close waits for in-flight deliveries
func WithStopTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.stopTimeout = timeout
		}
	}
}

// WithAwaitTimeout bounds how long async watchers wait for a Future
func WithAwaitTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.awaitTimeout = timeout
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.dialTimeout = timeout
		}
	}
}

// WithReconnect configures connection recovery. A maxAttempts of zero or
// less reconnects forever.
func WithReconnect(delay time.Duration, maxAttempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
		cfg.maxReconnects = maxAttempts
	}
}

// WithDialBreaker opens a circuit breaker after failureThreshold consecutive
// dial failures. A zero threshold disables it.
func WithDialBreaker(failureThreshold uint32, resetTimeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = &rabbitmq.BreakerSettings{
			FailureThreshold: failureThreshold,
			ResetTimeout:     resetTimeout,
		}
	}
}

// WithErrorHandler subscribes fn to the error sink of every watcher the
// client creates.
func WithErrorHandler(fn messaging.ErrorHandlerFunc) ClientOption {
	return func(cfg *clientConfig) {
		cfg.errorHandlers = append(cfg.errorHandlers, fn)
	}
}
