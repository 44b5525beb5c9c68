package messaging

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
)

// Decoder turns a raw delivery body into a typed message
type Decoder[T any] interface {
	Decode(body []byte) (T, error)
}

// DecoderFunc is a function adapter for Decoder
type DecoderFunc[T any] func(body []byte) (T, error)

// Decode implements Decoder
func (f DecoderFunc[T]) Decode(body []byte) (T, error) {
	return f(body)
}

// Handler processes a decoded message synchronously
type Handler[T any] interface {
	Handle(ctx context.Context, msg T) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc[T any] func(ctx context.Context, msg T) error

// Handle implements Handler
func (f HandlerFunc[T]) Handle(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Future resolves once with the result of asynchronous handler work.
// A closed Future without a value means success.
type Future <-chan error

// AsyncHandler starts processing a decoded message and returns a Future
// that resolves when the work has finished
type AsyncHandler[T any] interface {
	HandleAsync(ctx context.Context, msg T) Future
}

// AsyncHandlerFunc is a function adapter for AsyncHandler
type AsyncHandlerFunc[T any] func(ctx context.Context, msg T) Future

// HandleAsync implements AsyncHandler
func (f AsyncHandlerFunc[T]) HandleAsync(ctx context.Context, msg T) Future {
	return f(ctx, msg)
}

// Go runs fn on its own goroutine and returns a Future for its result.
// A panic in fn resolves the Future with the recovered panic as error.
func Go(fn func() error) Future {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		result <- capture(fn)
	}()
	return result
}

// Completed returns a Future that has already resolved with err
func Completed(err error) Future {
	result := make(chan error, 1)
	result <- err
	close(result)
	return result
}

// capture runs fn and converts a panic into an error
func capture(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return &panicError{value: recovered.Value, stack: recovered.Stack}
	}
	return err
}

// panicError marks an error produced by a recovered panic. The message is
// the panic value alone; the stack is kept apart for whoever wants it.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprint(e.value)
}

// Unwrap returns the panic value when it was an error
func (e *panicError) Unwrap() error {
	err, _ := e.value.(error)
	return err
}
