package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errFakeChannelClosed = errors.New("fake broker: channel closed")
	errFakeUnknownTag    = errors.New("fake broker: unknown delivery tag")
)

type fakeMessage struct {
	body        string
	redelivered bool
}

// fakeBroker is an in-memory single-queue broker. It honours prefetch per
// channel, issues delivery tags per channel, requeues unacknowledged
// messages when a channel closes and records every ack attempt.
type fakeBroker struct {
	mu       sync.Mutex
	changed  chan struct{}
	pending  []fakeMessage
	channels []*fakeChannel
	openErrs []error
	qosErrs  []error
	opens    int

	acks        map[string]int
	ackOrder    []string
	staleAcks   int // acks sent on a closed channel
	unknownAcks int // acks for tags the channel never issued or already acked
	maxUnacked  int
	tags        []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		changed: make(chan struct{}),
		acks:    make(map[string]int),
	}
}

func (b *fakeBroker) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *fakeBroker) provider() ChannelProvider {
	return ChannelProviderFunc(b.OpenChannel)
}

func (b *fakeBroker) OpenChannel(ctx context.Context) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opens++
	if len(b.openErrs) > 0 {
		err := b.openErrs[0]
		b.openErrs = b.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	ch := &fakeChannel{
		broker:  b,
		id:      fmt.Sprintf("ch-%d", b.opens),
		unacked: make(map[uint64]fakeMessage),
	}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *fakeBroker) publish(bodies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, body := range bodies {
		b.pending = append(b.pending, fakeMessage{body: body})
	}
	b.signalLocked()
}

func (b *fakeBroker) failNextOpens(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErrs = append(b.openErrs, errs...)
}

func (b *fakeBroker) failNextQos(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qosErrs = append(b.qosErrs, errs...)
}

func (b *fakeBroker) ackCount(body string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[body]
}

func (b *fakeBroker) totalAcks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ackOrder)
}

func (b *fakeBroker) acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ackOrder...)
}

func (b *fakeBroker) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *fakeBroker) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *fakeBroker) violations() (stale, unknown int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staleAcks, b.unknownAcks
}

func (b *fakeBroker) peakUnacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxUnacked
}

func (b *fakeBroker) channel(i int) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.channels) {
		return nil
	}
	return b.channels[i]
}

// kill closes ch the way a broker does: deliveries stop, unacknowledged
// messages are requeued and shutdown listeners receive a signal
func (b *fakeBroker) kill(ch *fakeChannel, code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.closeLocked(&ShutdownSignal{Code: code, Reason: reason, Server: true, Recover: true})
}

// cancelConsumer is a broker-side basic.cancel: the delivery stream ends but
// the channel stays open
func (b *fakeBroker) cancelConsumer(ch *fakeChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.stopLocked()
	b.signalLocked()
}

type fakeChannel struct {
	broker    *fakeBroker
	id        string
	prefetch  int
	queue     string
	tag       string
	consuming bool
	closed    bool
	nextTag   uint64
	unacked   map[uint64]fakeMessage
	stop      chan struct{}
	shutdown  []chan ShutdownSignal
	notifies  int // NotifyShutdown calls
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Qos(prefetchCount int) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return errFakeChannelClosed
	}
	if len(b.qosErrs) > 0 {
		err := b.qosErrs[0]
		b.qosErrs = b.qosErrs[1:]
		if err != nil {
			return err
		}
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) NotifyShutdown() <-chan ShutdownSignal {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	c.notifies++
	notify := make(chan ShutdownSignal, 1)
	if c.closed {
		close(notify)
		return notify
	}
	c.shutdown = append(c.shutdown, notify)
	return notify
}

func (c *fakeChannel) Consume(queue, consumerTag string) (<-chan Delivery, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, errFakeChannelClosed
	}
	if c.consuming {
		return nil, errors.New("fake broker: channel already has a consumer")
	}

	c.consuming = true
	c.queue = queue
	c.tag = consumerTag
	c.stop = make(chan struct{})
	b.tags = append(b.tags, consumerTag)

	out := make(chan Delivery)
	go c.pump(out, c.stop)
	return out, nil
}

func (c *fakeChannel) pump(out chan Delivery, stop chan struct{}) {
	defer close(out)
	b := c.broker

	for {
		b.mu.Lock()
		select {
		case <-stop:
			b.mu.Unlock()
			return
		default:
		}

		if len(b.pending) == 0 || (c.prefetch > 0 && len(c.unacked) >= c.prefetch) {
			wait := b.changed
			b.mu.Unlock()
			select {
			case <-wait:
			case <-stop:
				return
			}
			continue
		}

		msg := b.pending[0]
		b.pending = b.pending[1:]
		c.nextTag++
		tag := c.nextTag
		c.unacked[tag] = msg
		if len(c.unacked) > b.maxUnacked {
			b.maxUnacked = len(c.unacked)
		}
		b.mu.Unlock()

		delivery := Delivery{
			Tag:         tag,
			Body:        []byte(msg.body),
			Redelivered: msg.redelivered,
			MessageID:   msg.body,
		}

		select {
		case out <- delivery:
		case <-stop:
			return
		}
	}
}

func (c *fakeChannel) Ack(deliveryTag uint64) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		b.staleAcks++
		return errFakeChannelClosed
	}
	msg, ok := c.unacked[deliveryTag]
	if !ok {
		b.unknownAcks++
		return errFakeUnknownTag
	}
	delete(c.unacked, deliveryTag)
	b.acks[msg.body]++
	b.ackOrder = append(b.ackOrder, msg.body)
	b.signalLocked()
	return nil
}

func (c *fakeChannel) Cancel(consumerTag string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return errFakeChannelClosed
	}
	if !c.consuming || consumerTag != c.tag {
		return fmt.Errorf("fake broker: no consumer %s", consumerTag)
	}
	c.stopLocked()
	b.signalLocked()
	return nil
}

func (c *fakeChannel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return errFakeChannelClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *fakeChannel) stopLocked() {
	c.consuming = false
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *fakeChannel) closeLocked(signal *ShutdownSignal) {
	if c.closed {
		return
	}
	b := c.broker
	c.closed = true
	c.stopLocked()

	tags := make([]uint64, 0, len(c.unacked))
	for tag := range c.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	requeued := make([]fakeMessage, 0, len(tags))
	for _, tag := range tags {
		msg := c.unacked[tag]
		msg.redelivered = true
		requeued = append(requeued, msg)
	}
	c.unacked = make(map[uint64]fakeMessage)
	b.pending = append(requeued, b.pending...)

	for _, notify := range c.shutdown {
		if signal != nil {
			notify <- *signal
		}
		close(notify)
	}
	c.shutdown = nil
	b.signalLocked()
}

func (c *fakeChannel) isClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) notifyCount() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.notifies
}

func (c *fakeChannel) prefetchCount() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.prefetch
}

func (c *fakeChannel) consumerTag() (string, bool) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.tag, c.consuming
}
