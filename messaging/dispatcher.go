package messaging

import (
	"context"
	"errors"
	"time"
)

// Dispatcher invokes the application handler for one delivery.
// It never acknowledges; the Watcher acks after Dispatch returns,
// whatever the Outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, delivery Delivery) Outcome
}

// DispatcherFunc is a function adapter for Dispatcher
type DispatcherFunc func(ctx context.Context, delivery Delivery) Outcome

// Dispatch implements Dispatcher
func (f DispatcherFunc) Dispatch(ctx context.Context, delivery Delivery) Outcome {
	return f(ctx, delivery)
}

// Outcome is the result of dispatching one delivery
type Outcome struct {
	// Message is the decoded message, nil when decoding failed
	Message interface{}
	// Err is a *DecodeError or *HandlerError, nil on success
	Err error
}

// Success reports whether the handler completed without failure
func (o Outcome) Success() bool {
	return o.Err == nil
}

// SyncDispatcher decodes a delivery and blocks until the handler returns
type SyncDispatcher[T any] struct {
	decoder Decoder[T]
	handler Handler[T]
}

// NewSyncDispatcher creates a dispatcher for a synchronous handler
func NewSyncDispatcher[T any](decoder Decoder[T], handler Handler[T]) *SyncDispatcher[T] {
	return &SyncDispatcher[T]{
		decoder: decoder,
		handler: handler,
	}
}

// Dispatch implements Dispatcher
func (d *SyncDispatcher[T]) Dispatch(ctx context.Context, delivery Delivery) Outcome {
	msg, err := decode(d.decoder, delivery)
	if err != nil {
		return Outcome{Err: err}
	}

	err = capture(func() error {
		return d.handler.Handle(ctx, msg)
	})

	return Outcome{Message: msg, Err: handlerFailure(delivery.Tag, err)}
}

// AsyncDispatcherOption configures an AsyncDispatcher
type AsyncDispatcherOption func(*asyncConfig)

type asyncConfig struct {
	awaitTimeout time.Duration
}

// WithAwaitTimeout bounds how long a delivery waits for its Future.
// On expiry the delivery fails with ErrHandlerTimeout and is acknowledged
// while the handler work keeps running. Zero waits forever.
func WithAwaitTimeout(timeout time.Duration) AsyncDispatcherOption {
	return func(c *asyncConfig) {
		c.awaitTimeout = timeout
	}
}

// AsyncDispatcher decodes a delivery, starts the asynchronous handler and
// suspends until its Future resolves. The prefetch slot of the delivery stays
// occupied until then.
type AsyncDispatcher[T any] struct {
	decoder      Decoder[T]
	handler      AsyncHandler[T]
	awaitTimeout time.Duration
}

// NewAsyncDispatcher creates a dispatcher for an asynchronous handler
func NewAsyncDispatcher[T any](decoder Decoder[T], handler AsyncHandler[T], options ...AsyncDispatcherOption) *AsyncDispatcher[T] {
	cfg := asyncConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	return &AsyncDispatcher[T]{
		decoder:      decoder,
		handler:      handler,
		awaitTimeout: cfg.awaitTimeout,
	}
}

// Dispatch implements Dispatcher
func (d *AsyncDispatcher[T]) Dispatch(ctx context.Context, delivery Delivery) Outcome {
	msg, err := decode(d.decoder, delivery)
	if err != nil {
		return Outcome{Err: err}
	}

	var future Future
	err = capture(func() error {
		future = d.handler.HandleAsync(ctx, msg)
		return nil
	})
	if err == nil && future != nil {
		err = d.await(future)
	}

	return Outcome{Message: msg, Err: handlerFailure(delivery.Tag, err)}
}

func (d *AsyncDispatcher[T]) await(future Future) error {
	if d.awaitTimeout <= 0 {
		return <-future
	}

	timer := time.NewTimer(d.awaitTimeout)
	defer timer.Stop()

	select {
	case err := <-future:
		return err
	case <-timer.C:
		return ErrHandlerTimeout
	}
}

func decode[T any](decoder Decoder[T], delivery Delivery) (T, error) {
	var msg T
	err := capture(func() error {
		var decodeErr error
		msg, decodeErr = decoder.Decode(delivery.Body)
		return decodeErr
	})
	if err != nil {
		return msg, &DecodeError{DeliveryTag: delivery.Tag, Err: err}
	}
	return msg, nil
}

func handlerFailure(tag uint64, err error) error {
	if err == nil {
		return nil
	}

	var recovered *panicError
	if errors.As(err, &recovered) {
		return &HandlerError{DeliveryTag: tag, Panicked: true, Err: recovered, Stack: recovered.stack}
	}
	return &HandlerError{DeliveryTag: tag, Err: err}
}
