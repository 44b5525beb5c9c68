package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Lifecycle errors
	ErrAlreadyWatching = errors.New("messaging: watcher already has an active registration")
	ErrEmptyQueueName  = errors.New("messaging: queue name cannot be empty")
	ErrConnection      = errors.New("messaging: connection provider cannot supply a channel")

	// Channel errors
	ErrChannelClosed     = errors.New("messaging: channel is closed")
	ErrConsumerCancelled = errors.New("messaging: consumer cancelled by broker")

	// Dispatch errors
	ErrHandlerTimeout = errors.New("messaging: asynchronous handler did not complete in time")
)

// ConnectionError is returned by StartWatch when the provider cannot open a channel
type ConnectionError struct {
	Queue     string    // Queue being watched
	Op        string    // Operation that failed
	Err       error     // Underlying provider error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("messaging connection error: %s for queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports ErrConnection so callers can match without a type assertion
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// ConsumerError represents a failure to register a consumer on an open channel
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("messaging consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// DecodeError means a payload could not be turned into a message.
// No partial message is available when it is reported.
type DecodeError struct {
	DeliveryTag uint64
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messaging decode error: delivery %d: %v", e.DeliveryTag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure raised by an application handler
type HandlerError struct {
	DeliveryTag uint64
	Panicked    bool // The handler panicked instead of returning an error
	Err         error
	Stack       []byte // Goroutine stack at the panic, nil unless Panicked
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("messaging handler panic: delivery %d: %v", e.DeliveryTag, e.Err)
	}
	return fmt.Sprintf("messaging handler error: delivery %d: %v", e.DeliveryTag, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err came from the message decoder
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// IsHandlerError reports whether err came from the application handler
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}
