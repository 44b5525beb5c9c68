package messaging

import "fmt"

// ConsumerRegistration describes the live subscription of a Watcher.
// Values are immutable: reinitialization replaces the whole registration.
type ConsumerRegistration struct {
	Queue       string
	ConsumerTag string
	Prefetch    uint16
	Generation  uint64 // Increments on every registration made by the Watcher
	ChannelID   string
}

func (r ConsumerRegistration) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Queue, r.ConsumerTag, r.Generation)
}

// registration is the owned side of a ConsumerRegistration: the channel and
// the delivery stream it was created on. Only the Watcher holds it.
type registration struct {
	info       ConsumerRegistration
	channel    Channel
	deliveries <-chan Delivery
	shutdown   *channelShutdown // shared by every registration on channel
}

// isShutdown reports whether the channel of this registration has closed
func (r *registration) isShutdown() bool {
	select {
	case <-r.shutdown.done:
		return true
	default:
		return false
	}
}

// shutdownErr must only be called after shutdown is done
func (r *registration) shutdownErr() error {
	if r.shutdown.hasSignal {
		return fmt.Errorf("%w: %s (code %d)", ErrChannelClosed, r.shutdown.signal, r.shutdown.signal.Code)
	}
	return ErrChannelClosed
}

// channelShutdown follows a single NotifyShutdown subscription of one channel
type channelShutdown struct {
	done chan struct{}

	// written before done is closed
	signal    ShutdownSignal
	hasSignal bool
}

func watchShutdown(notify <-chan ShutdownSignal) *channelShutdown {
	s := &channelShutdown{done: make(chan struct{})}
	go func() {
		signal, ok := <-notify
		s.signal = signal
		s.hasSignal = ok
		close(s.done)
	}()
	return s
}
