package messaging

import "context"

// ChannelProvider supplies live broker channels on demand
type ChannelProvider interface {
	// OpenChannel opens a new channel on the current broker connection
	OpenChannel(ctx context.Context) (Channel, error)
}

// ChannelProviderFunc is a function adapter for ChannelProvider
type ChannelProviderFunc func(ctx context.Context) (Channel, error)

// OpenChannel implements ChannelProvider
func (f ChannelProviderFunc) OpenChannel(ctx context.Context) (Channel, error) {
	return f(ctx)
}

// Channel is the subset of a broker channel a Watcher needs.
// A Channel is owned by exactly one Watcher; nothing else may ack on it
// or change its prefetch.
type Channel interface {
	// ID identifies the channel in logs
	ID() string

	// Qos bounds the number of unacknowledged deliveries pushed to this channel
	Qos(prefetchCount int) error

	// Consume registers a manual-ack consumer. The returned channel is closed
	// when the consumer is cancelled or the channel shuts down.
	Consume(queue, consumerTag string) (<-chan Delivery, error)

	// Ack positively acknowledges a single delivery
	Ack(deliveryTag uint64) error

	// Cancel stops the broker from pushing further deliveries to consumerTag
	Cancel(consumerTag string) error

	// NotifyShutdown returns a channel that receives at most one signal when
	// the broker closes this channel, and is closed once the channel is closed
	NotifyShutdown() <-chan ShutdownSignal

	// Close closes the channel
	Close() error
}

// Delivery is one message pushed by the broker
type Delivery struct {
	// Tag is the broker-scoped ordinal used for acknowledgment. It is only
	// meaningful on the channel that issued it.
	Tag         uint64
	Body        []byte
	Redelivered bool
	MessageID   string
	ContentType string
	Headers     map[string]interface{}
}

// ShutdownSignal describes a broker-initiated channel shutdown. It is a
// lifecycle event, never reported as a handler failure.
type ShutdownSignal struct {
	Code    int
	Reason  string
	Server  bool // Initiated by the broker
	Recover bool // The broker considers the condition recoverable
}

func (s ShutdownSignal) String() string {
	if s.Reason == "" {
		return "channel shutdown"
	}
	return s.Reason
}
