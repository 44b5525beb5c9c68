package messaging

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorEvent reports one failed delivery. It is published exactly once per
// failing delivery and never retried.
type ErrorEvent struct {
	// Message is the decoded message, nil when decoding failed
	Message     interface{}
	Delivery    Delivery
	Err         error
	Queue       string
	ConsumerTag string
	Timestamp   time.Time
}

// ErrorHandlerFunc observes failed deliveries
type ErrorHandlerFunc func(event ErrorEvent)

// ErrorSink fans ErrorEvents out to attached handlers and, optionally, to a
// buffered event stream. Handlers run on the delivery goroutine in the order
// they were attached; a panicking handler is recovered and logged.
type ErrorSink struct {
	mu       sync.RWMutex
	handlers []sinkHandler
	nextID   uint64
	events   chan ErrorEvent
	dropped  atomic.Uint64
	logger   *slog.Logger
}

type sinkHandler struct {
	id uint64
	fn ErrorHandlerFunc
}

// ErrorSinkOption configures the ErrorSink
type ErrorSinkOption func(*ErrorSink)

// WithEventBuffer enables Events with a buffer of the given size.
// Events are dropped, and counted, when the buffer is full.
func WithEventBuffer(size int) ErrorSinkOption {
	return func(s *ErrorSink) {
		if size > 0 {
			s.events = make(chan ErrorEvent, size)
		}
	}
}

// WithSinkLogger sets the logger
func WithSinkLogger(logger *slog.Logger) ErrorSinkOption {
	return func(s *ErrorSink) {
		s.logger = logger
	}
}

// NewErrorSink creates a new error sink
func NewErrorSink(options ...ErrorSinkOption) *ErrorSink {
	s := &ErrorSink{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// OnError attaches a handler and returns a function that detaches it
func (s *ErrorSink) OnError(fn ErrorHandlerFunc) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, sinkHandler{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, h := range s.handlers {
				if h.id == id {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Events returns the buffered event stream, nil unless WithEventBuffer was used.
// The stream is never closed.
func (s *ErrorSink) Events() <-chan ErrorEvent {
	return s.events
}

// Dropped returns how many events the stream discarded because it was full
func (s *ErrorSink) Dropped() uint64 {
	return s.dropped.Load()
}

// publish delivers event to every handler and the stream.
// It reports whether the stream dropped the event.
func (s *ErrorSink) publish(event ErrorEvent) (dropped bool) {
	s.mu.RLock()
	handlers := make([]sinkHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		s.invoke(h.fn, event)
	}

	if s.events == nil {
		return false
	}

	select {
	case s.events <- event:
		return false
	default:
		s.dropped.Add(1)
		return true
	}
}

func (s *ErrorSink) invoke(fn ErrorHandlerFunc, event ErrorEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error sink handler panicked",
				"panic", fmt.Sprint(r),
				"queue", event.Queue,
				"deliveryTag", event.Delivery.Tag,
			)
		}
	}()
	fn(event)
}
