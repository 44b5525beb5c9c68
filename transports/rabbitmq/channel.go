package rabbitmq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-watch/internal/rabbitmq"
	"github.com/glimte/mmate-watch/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp.Channel a watch channel uses
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// channel adapts an AMQP channel to messaging.Channel
type channel struct {
	id   string
	ch   amqpChannel
	done chan struct{}
	once sync.Once
}

func newChannel(ch amqpChannel) *channel {
	return &channel{
		id:   uuid.NewString(),
		ch:   ch,
		done: make(chan struct{}),
	}
}

func (c *channel) ID() string {
	return c.id
}

// Qos sets a per-consumer prefetch count
func (c *channel) Qos(prefetchCount int) error {
	if err := c.ch.Qos(prefetchCount, 0, false); err != nil {
		return c.wrap("qos", err)
	}
	return nil
}

// Consume starts a manual-ack consumer and translates its deliveries
func (c *channel) Consume(queue, consumerTag string) (<-chan messaging.Delivery, error) {
	deliveries, err := c.ch.Consume(
		queue,
		consumerTag,
		false, // manual ack
		false, // not exclusive
		false, // no-local
		false, // wait for consume-ok
		nil,
	)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{
			Queue:       queue,
			ConsumerTag: consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	out := make(chan messaging.Delivery)
	go c.forward(deliveries, out)
	return out, nil
}

func (c *channel) forward(in <-chan amqp.Delivery, out chan<- messaging.Delivery) {
	defer close(out)
	for d := range in {
		select {
		case out <- toDelivery(d):
		case <-c.done:
			return
		}
	}
}

func (c *channel) Ack(deliveryTag uint64) error {
	if err := c.ch.Ack(deliveryTag, false); err != nil {
		return c.wrap("ack", err)
	}
	return nil
}

func (c *channel) Cancel(consumerTag string) error {
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return c.wrap("cancel", err)
	}
	return nil
}

// NotifyShutdown delivers at most one signal and is closed when the channel closes
func (c *channel) NotifyShutdown() <-chan messaging.ShutdownSignal {
	closes := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	out := make(chan messaging.ShutdownSignal, 1)

	go func() {
		defer close(out)
		if err, ok := <-closes; ok && err != nil {
			out <- toShutdownSignal(err)
		}
	}()

	return out
}

func (c *channel) Close() error {
	c.once.Do(func() { close(c.done) })
	if err := c.ch.Close(); err != nil {
		return c.wrap("close", err)
	}
	return nil
}

func (c *channel) wrap(op string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		err = fmt.Errorf("%w: %w", rabbitmq.ErrChannelClosed, err)
	}
	return &rabbitmq.ChannelError{
		Op:        op,
		ChannelID: c.id,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func toDelivery(d amqp.Delivery) messaging.Delivery {
	var headers map[string]interface{}
	if len(d.Headers) > 0 {
		headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
	}

	return messaging.Delivery{
		Tag:         d.DeliveryTag,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		MessageID:   d.MessageId,
		ContentType: d.ContentType,
		Headers:     headers,
	}
}

func toShutdownSignal(err *amqp.Error) messaging.ShutdownSignal {
	return messaging.ShutdownSignal{
		Code:    err.Code,
		Reason:  err.Reason,
		Server:  err.Server,
		Recover: err.Recover,
	}
}

var _ messaging.Channel = (*channel)(nil)
