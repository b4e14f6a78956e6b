package subscriber

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker records every broker-side action in order so tests can assert
// on acknowledgement and teardown sequencing.
type fakeBroker struct {
	mu      sync.Mutex
	events  []string
	dials   int
	dialErr func(attempt int) error
	// consumeErr, when set, fails every Consume call.
	consumeErr error
	conns      []*fakeConn
	channels   chan *fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{channels: make(chan *fakeChannel, 32)}
}

func (b *fakeBroker) record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBroker) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *fakeBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) has(event string) bool {
	for _, e := range b.Events() {
		if e == event {
			return true
		}
	}
	return false
}

func (b *fakeBroker) Dial(url string) (Connection, error) {
	b.mu.Lock()
	b.dials++
	attempt := b.dials
	dialErr := b.dialErr
	b.mu.Unlock()

	b.record("dial")
	if dialErr != nil {
		if err := dialErr(attempt); err != nil {
			return nil, err
		}
	}

	conn := &fakeConn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	closes   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker}
	c.channels = append(c.channels, ch)
	c.broker.record("channel.open")
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.broker.record("connection.close")
	c.shutdown(nil)
	return nil
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closes := c.closes
	c.closes = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, rc := range closes {
		if reason != nil {
			rc <- reason
		}
		close(rc)
	}
}

type fakeChannel struct {
	broker *fakeBroker

	mu         sync.Mutex
	closed     bool
	closes     []chan *amqp.Error
	cancels    []chan string
	deliveries chan amqp.Delivery
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.record("exchange.passive:" + name)
	return nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.record("queue.passive:" + name)
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	consumeErr := ch.broker.consumeErr
	ch.broker.mu.Unlock()
	if consumeErr != nil {
		ch.broker.record("consume.failed")
		return nil, consumeErr
	}

	ch.mu.Lock()
	ch.deliveries = make(chan amqp.Delivery, 16)
	deliveries := ch.deliveries
	ch.mu.Unlock()

	ch.broker.record(fmt.Sprintf("consume:%s:exclusive=%t:autoack=%t", queue, exclusive, autoAck))
	ch.broker.channels <- ch
	return deliveries, nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes = append(ch.closes, receiver)
	return receiver
}

func (ch *fakeChannel) NotifyCancel(receiver chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancels = append(ch.cancels, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.broker.record("channel.close")
	ch.shutdown(nil)
	return nil
}

// fail simulates a broker-initiated channel close.
func (ch *fakeChannel) fail() {
	ch.shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "channel error"})
}

func (ch *fakeChannel) cancel(tag string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, c := range ch.cancels {
		c <- tag
	}
}

func (ch *fakeChannel) shutdown(reason *amqp.Error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.closes {
		if reason != nil {
			c <- reason
		}
		close(c)
	}
	for _, c := range ch.cancels {
		close(c)
	}
	if ch.deliveries != nil {
		close(ch.deliveries)
	}
}

func (ch *fakeChannel) deliver(tag uint64, body string, headers amqp.Table) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.deliveries <- amqp.Delivery{
		Acknowledger: ch,
		DeliveryTag:  tag,
		Headers:      headers,
		Body:         []byte(body),
	}
}

func (ch *fakeChannel) deliverRaw(d amqp.Delivery) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.deliveries <- d
}

func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	ch.broker.record(fmt.Sprintf("ack:%d", tag))
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	ch.broker.record(fmt.Sprintf("nack:%d:requeue=%t", tag, requeue))
	return nil
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	ch.broker.record(fmt.Sprintf("reject:%d:requeue=%t", tag, requeue))
	return nil
}
