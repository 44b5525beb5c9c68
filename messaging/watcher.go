package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-watch/internal/reliability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPrefetchCount is used when neither the Watcher nor StartWatch set one
const DefaultPrefetchCount uint16 = 10

// State is the lifecycle state of a Watcher
type State int32

const (
	StateIdle State = iota
	StateWatching
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// deliveryKey marks the context handed to handlers with the owning Watcher
type deliveryKey struct{}

// StateListener receives Watcher lifecycle notifications.
// Callbacks run synchronously and must not block.
type StateListener interface {
	OnWatching(reg ConsumerRegistration)
	OnReinitializing(queue string, attempt int, err error)
	OnStopped(queue string, err error)
}

// Watcher owns one channel and one consumer registration on a single queue.
// Every delivery is dispatched, reported to the ErrorSink on failure, and then
// positively acknowledged. Failed messages are consumed, not requeued.
// When the broker shuts the channel down the Watcher re-subscribes the same
// queue according to its reinitialization policy.
type Watcher struct {
	provider   ChannelProvider
	dispatcher Dispatcher
	sink       *ErrorSink
	logger     *slog.Logger
	prefetch   uint16
	tagPrefix  string
	reinit     reliability.RetryPolicy
	listeners  []StateListener
	metrics    *watchMetrics
	generation atomic.Uint64

	mu      sync.Mutex
	state   State
	queue   string
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	current atomic.Pointer[registration]
}

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count uint16) WatcherOption {
	return func(w *Watcher) {
		if count > 0 {
			w.prefetch = count
		}
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) WatcherOption {
	return func(w *Watcher) {
		w.tagPrefix = prefix
	}
}

// WithReinitPolicy sets the retry policy used to rebuild the registration
// after a shutdown signal
func WithReinitPolicy(policy reliability.RetryPolicy) WatcherOption {
	return func(w *Watcher) {
		w.reinit = policy
	}
}

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorSink sets the sink that receives failed deliveries
func WithErrorSink(sink *ErrorSink) WatcherOption {
	return func(w *Watcher) {
		w.sink = sink
	}
}

// WithStateListener adds a lifecycle listener
func WithStateListener(listener StateListener) WatcherOption {
	return func(w *Watcher) {
		w.listeners = append(w.listeners, listener)
	}
}

// NewWatcher creates a new watcher
func NewWatcher(provider ChannelProvider, dispatcher Dispatcher, options ...WatcherOption) *Watcher {
	w := &Watcher{
		provider:   provider,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		prefetch:   DefaultPrefetchCount,
		tagPrefix:  "mmate-watch",
		reinit:     reliability.NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2.0, reliability.Unlimited),
		metrics:    newWatchMetrics(),
	}

	for _, opt := range options {
		opt(w)
	}

	if w.sink == nil {
		w.sink = NewErrorSink(WithSinkLogger(w.logger))
	}

	return w
}

// Errors returns the sink that receives failed deliveries
func (w *Watcher) Errors() *ErrorSink {
	return w.sink
}

// State returns the lifecycle state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Queue returns the queue passed to the last StartWatch
func (w *Watcher) Queue() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue
}

// Err returns the error that ended the last watch, if reinitialization gave up
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Registration returns the current registration. It reports false when idle
// and while a lost registration is being rebuilt.
func (w *Watcher) Registration() (ConsumerRegistration, bool) {
	reg := w.current.Load()
	if reg == nil {
		return ConsumerRegistration{}, false
	}
	return reg.info, true
}

// StartWatch subscribes to queue. A zero prefetch uses the Watcher default.
// Provider failures are returned as *ConnectionError.
func (w *Watcher) StartWatch(ctx context.Context, queue string, prefetch uint16) error {
	if queue == "" {
		return ErrEmptyQueueName
	}
	if prefetch == 0 {
		prefetch = w.prefetch
	}

	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return ErrAlreadyWatching
	}

	reg, err := w.subscribe(ctx, nil, queue, prefetch)
	if err != nil {
		w.mu.Unlock()
		return err
	}

	// The watch outlives the StartWatch call; only Stop ends it
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	w.state = StateWatching
	w.queue = queue
	w.cancel = cancel
	w.done = done
	w.lastErr = nil
	w.current.Store(reg)
	w.mu.Unlock()

	go w.run(watchCtx, reg, done)

	w.logger.Info("started watching queue",
		"queue", queue,
		"consumerTag", reg.info.ConsumerTag,
		"prefetchCount", prefetch,
		"channel", reg.info.ChannelID,
	)
	w.notifyWatching(reg.info)

	return nil
}

// Stop cancels the consumer, waits for the in-flight delivery to be handled
// and acknowledged, and closes the channel. If ctx ends first the channel is
// closed anyway and ctx.Err() is returned; the in-flight handler then finishes
// on its own and its acknowledgment is discarded, so the broker redelivers it.
//
// A handler may stop its own Watcher by passing the context it was given, or
// one derived from it. Stop then cancels the consumer and returns nil at once;
// the current delivery is still acknowledged and the channel is closed after
// the handler returns. Stop is idempotent.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateWatching {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	cancel, done, queue := w.cancel, w.done, w.queue
	w.mu.Unlock()

	cancel()

	if reg := w.current.Load(); reg != nil {
		if err := reg.channel.Cancel(reg.info.ConsumerTag); err != nil {
			w.logger.Debug("failed to cancel consumer",
				"queue", queue,
				"consumerTag", reg.info.ConsumerTag,
				"error", err,
			)
		}
	}

	if owner, _ := ctx.Value(deliveryKey{}).(*Watcher); owner == w {
		// Waiting here would wait on ourselves
		go func() {
			<-done
			w.finishStop(queue, nil)
		}()
		return nil
	}

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		stopErr = ctx.Err()
		w.logger.Warn("stop did not wait for in-flight delivery",
			"queue", queue,
			"error", stopErr,
		)
	}

	w.finishStop(queue, stopErr)
	return stopErr
}

// finishStop closes the channel of the last registration and moves to idle
func (w *Watcher) finishStop(queue string, err error) {
	if reg := w.current.Swap(nil); reg != nil {
		w.closeChannel(reg.channel, queue)
	}

	w.mu.Lock()
	w.state = StateIdle
	w.cancel = nil
	w.mu.Unlock()

	w.logger.Info("stopped watching queue", "queue", queue)
	w.notifyStopped(queue, err)
}

// closeChannel closes ch. The channel is being discarded, so a failure is
// only logged.
func (w *Watcher) closeChannel(ch Channel, queue string) {
	if err := ch.Close(); err != nil {
		w.logger.Debug("failed to close channel", "queue", queue, "channel", ch.ID(), "error", err)
	}
}

// subscribe applies QoS and registers a fresh consumer. A nil prev opens a
// new channel from the provider; otherwise the channel of prev and its
// shutdown watch are reused.
func (w *Watcher) subscribe(ctx context.Context, prev *registration, queue string, prefetch uint16) (*registration, error) {
	var (
		ch       Channel
		shutdown *channelShutdown
	)
	if prev != nil {
		ch, shutdown = prev.channel, prev.shutdown
	} else {
		opened, err := w.provider.OpenChannel(ctx)
		if err != nil {
			return nil, &ConnectionError{
				Queue:     queue,
				Op:        "open channel",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		ch = opened
	}

	tag := fmt.Sprintf("%s-%s", w.tagPrefix, uuid.NewString())

	if err := ch.Qos(int(prefetch)); err != nil {
		w.closeChannel(ch, queue)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	// Subscribe to shutdown before consuming so no close goes unnoticed
	if shutdown == nil {
		shutdown = watchShutdown(ch.NotifyShutdown())
	}

	deliveries, err := ch.Consume(queue, tag)
	if err != nil {
		w.closeChannel(ch, queue)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	info := ConsumerRegistration{
		Queue:       queue,
		ConsumerTag: tag,
		Prefetch:    prefetch,
		Generation:  w.generation.Add(1),
		ChannelID:   ch.ID(),
	}

	return &registration{info: info, channel: ch, deliveries: deliveries, shutdown: shutdown}, nil
}

// run consumes deliveries of reg and rebuilds the registration whenever it is
// lost, until ctx is cancelled or reinitialization gives up
func (w *Watcher) run(ctx context.Context, reg *registration, done chan struct{}) {
	defer close(done)

	// Handlers must not observe Stop; Stop waits for them instead. The key
	// lets Stop recognise a call made from inside a handler.
	handlerCtx := context.WithValue(context.WithoutCancel(ctx), deliveryKey{}, w)

	for {
		cause := w.consume(ctx, handlerCtx, reg)
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("consumer registration lost, reinitializing",
			"queue", reg.info.Queue,
			"consumerTag", reg.info.ConsumerTag,
			"reason", cause,
		)

		next, err := w.reinitialize(ctx, reg)
		if err != nil {
			if ctx.Err() == nil {
				w.fail(reg.info.Queue, err)
			}
			return
		}
		reg = next
	}
}

// consume handles deliveries in order until the registration is lost.
// It returns the reason the registration ended.
func (w *Watcher) consume(ctx, handlerCtx context.Context, reg *registration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-reg.shutdown.done:
			return reg.shutdownErr()

		case delivery, ok := <-reg.deliveries:
			if !ok {
				if reg.isShutdown() {
					return reg.shutdownErr()
				}
				return ErrConsumerCancelled
			}
			if ctx.Err() != nil {
				// Left unacknowledged; the broker requeues it when the channel closes
				return ctx.Err()
			}
			w.handle(handlerCtx, reg, delivery)
		}
	}
}

// handle dispatches one delivery, reports a failure to the sink, and always
// acknowledges afterwards
func (w *Watcher) handle(ctx context.Context, reg *registration, delivery Delivery) {
	queue := reg.info.Queue

	ctx, span := tracer().Start(ctx, "mmate.watch.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			systemAttr,
			queueKey.String(queue),
			attribute.String("messaging.consumer.tag", reg.info.ConsumerTag),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(delivery.Tag)),
			attribute.Bool("messaging.rabbitmq.redelivered", delivery.Redelivered),
		),
	)
	defer span.End()

	w.metrics.recordDelivery(ctx, queue)

	var outcome Outcome
	defer func() {
		w.acknowledge(ctx, reg, delivery, outcome.Success())
	}()

	if err := capture(func() error {
		outcome = w.dispatcher.Dispatch(ctx, delivery)
		return nil
	}); err != nil {
		outcome = Outcome{Err: handlerFailure(delivery.Tag, err)}
	}

	if outcome.Err == nil {
		return
	}

	span.RecordError(outcome.Err)
	span.SetStatus(codes.Error, outcome.Err.Error())
	w.metrics.recordFailure(ctx, queue, outcome.Err)
	w.logger.Warn("delivery failed",
		"queue", queue,
		"consumerTag", reg.info.ConsumerTag,
		"deliveryTag", delivery.Tag,
		"messageId", delivery.MessageID,
		"error", outcome.Err,
	)

	dropped := w.sink.publish(ErrorEvent{
		Message:     outcome.Message,
		Delivery:    delivery,
		Err:         outcome.Err,
		Queue:       queue,
		ConsumerTag: reg.info.ConsumerTag,
		Timestamp:   time.Now(),
	})
	if dropped {
		w.metrics.recordSinkDropped(ctx, queue)
	}
}

// acknowledge acks delivery on its own channel, unless that registration has
// been replaced or its channel has shut down. A delivery tag from a replaced
// channel must never reach the broker.
func (w *Watcher) acknowledge(ctx context.Context, reg *registration, delivery Delivery, success bool) {
	queue := reg.info.Queue

	if w.current.Load() != reg || reg.isShutdown() {
		w.metrics.recordStaleAck(ctx, queue)
		w.logger.Warn("discarding acknowledgment for replaced channel",
			"queue", queue,
			"consumerTag", reg.info.ConsumerTag,
			"deliveryTag", delivery.Tag,
		)
		return
	}

	if err := reg.channel.Ack(delivery.Tag); err != nil {
		w.logger.Error("failed to ack delivery",
			"queue", queue,
			"consumerTag", reg.info.ConsumerTag,
			"deliveryTag", delivery.Tag,
			"error", err,
		)
		return
	}

	w.metrics.recordAck(ctx, queue, success)
}

// reinitialize discards the lost registration and subscribes the same queue
// again. A channel that is still open is tried once before any new channel
// is opened; that attempt does not count against the policy.
func (w *Watcher) reinitialize(ctx context.Context, old *registration) (*registration, error) {
	w.current.CompareAndSwap(old, nil)

	queue, prefetch := old.info.Queue, old.info.Prefetch

	if !old.isShutdown() {
		next, err := w.subscribe(ctx, old, queue, prefetch)
		if err == nil {
			return w.install(ctx, old, next)
		}
		w.logger.Debug("could not reuse channel",
			"queue", queue,
			"channel", old.info.ChannelID,
			"error", err,
		)
	} else {
		w.closeChannel(old.channel, queue)
	}

	var next *registration
	err := reliability.RetryNotify(ctx, w.reinit, func() error {
		reg, err := w.subscribe(ctx, nil, queue, prefetch)
		if err != nil {
			return err
		}
		next = reg
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		w.logger.Warn("reinitialization attempt failed",
			"queue", queue,
			"attempt", attempt,
			"error", err,
			"nextRetryIn", delay,
		)
		w.notifyReinitializing(queue, attempt, err)
	})
	if err != nil {
		return nil, err
	}

	return w.install(ctx, old, next)
}

// install publishes next as the current registration unless Stop has begun
func (w *Watcher) install(ctx context.Context, old, next *registration) (*registration, error) {
	queue := next.info.Queue

	w.mu.Lock()
	if w.state != StateWatching || ctx.Err() != nil {
		w.mu.Unlock()
		w.closeChannel(next.channel, queue)
		return nil, context.Canceled
	}
	w.current.Store(next)
	w.mu.Unlock()

	w.metrics.recordReinitialization(ctx, queue)
	w.logger.Info("consumer registration rebuilt",
		"queue", queue,
		"previousConsumerTag", old.info.ConsumerTag,
		"consumerTag", next.info.ConsumerTag,
		"channel", next.info.ChannelID,
	)
	w.notifyWatching(next.info)

	return next, nil
}

// fail moves the Watcher to idle after reinitialization gave up
func (w *Watcher) fail(queue string, err error) {
	w.mu.Lock()
	if w.state != StateWatching {
		w.mu.Unlock()
		return
	}
	w.state = StateIdle
	w.lastErr = err
	cancel := w.cancel
	w.cancel = nil
	w.current.Store(nil)
	w.mu.Unlock()

	cancel()

	w.logger.Error("giving up on queue", "queue", queue, "error", err)
	w.notifyStopped(queue, err)
}

func (w *Watcher) notifyWatching(reg ConsumerRegistration) {
	for _, l := range w.listeners {
		l.OnWatching(reg)
	}
}

func (w *Watcher) notifyReinitializing(queue string, attempt int, err error) {
	for _, l := range w.listeners {
		l.OnReinitializing(queue, attempt, err)
	}
}

func (w *Watcher) notifyStopped(queue string, err error) {
	for _, l := range w.listeners {
		l.OnStopped(queue, err)
	}
}
