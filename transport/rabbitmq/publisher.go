package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrUnroutable is returned when the broker hands a mandatory result back
	// because no queue is bound for its routing key.
	ErrUnroutable = errors.New("rabbitmq: result unroutable")
	// ErrNacked is returned when the broker refuses a result.
	ErrNacked = errors.New("rabbitmq: result not confirmed")
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("rabbitmq: publisher closed")
)

// Channel is the part of *amqp091.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	NotifyReturn(returns chan amqp091.Return) chan amqp091.Return
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

// ChannelOpener opens a fresh channel on the current connection.
type ChannelOpener func() (Channel, error)

// Publisher publishes results one at a time on a confirm-mode channel. Every
// publish is mandatory; a result the broker returns fails with ErrUnroutable
// even though the broker acks it afterwards.
type Publisher struct {
	config amqp.Config
	open   ChannelOpener
	close  func() error
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	channel  Channel
	confirms chan amqp091.Confirmation
	returns  chan amqp091.Return
	declared map[string]struct{}
	closed   bool
}

// NewPublisher returns a Publisher on conn. Closing it closes conn.
func NewPublisher(config amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("rabbitmq: connection is required")
	}
	return NewPublisherWithOpener(config, logger, func() (Channel, error) {
		if !conn.IsConnected() {
			return nil, errors.New("rabbitmq: not connected")
		}
		return conn.Connection().Channel()
	}, conn.Close), nil
}

// NewPublisherWithOpener builds a Publisher over channels returned by open.
// closeConn runs on Close and may be nil.
func NewPublisherWithOpener(config amqp.Config, logger watermill.LoggerAdapter, open ChannelOpener, closeConn func() error) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if config.Marshaler == nil {
		config.Marshaler = amqp.DefaultMarshaler{}
	}
	return &Publisher{
		config:   config,
		open:     open,
		close:    closeConn,
		logger:   logger,
		declared: make(map[string]struct{}),
	}
}

// Publish sends each message and waits for the broker's verdict on it.
func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	exchange := p.config.Exchange.GenerateName(topic)
	routingKey := p.config.Publish.GenerateRoutingKey(topic)

	for _, msg := range msgs {
		if err := p.publishOne(exchange, routingKey, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishOne(exchange, routingKey string, msg *message.Message) error {
	ch, err := p.ensureChannel(exchange)
	if err != nil {
		return err
	}

	publishing, err := p.config.Marshaler.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
	}

	fields := watermill.LogFields{
		"message_uuid":     msg.UUID,
		"amqp_exchange":    exchange,
		"amqp_routing_key": routingKey,
	}
	ctx := msg.Context()
	if err := ch.PublishWithContext(ctx, exchange, routingKey, true, false, publishing); err != nil {
		p.resetChannel()
		return fmt.Errorf("publish message %s: %w", msg.UUID, err)
	}

	var confirm amqp091.Confirmation
	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.resetChannel()
			return fmt.Errorf("publish message %s: channel closed before confirm", msg.UUID)
		}
		confirm = c
	case <-ctx.Done():
		// The pending confirm would pair with the next publish.
		p.resetChannel()
		return ctx.Err()
	}

	// The broker sends basic.return before the ack, so a return for this
	// message is already buffered once the confirm arrives.
	if ret, returned := p.takeReturn(msg.UUID); returned {
		p.logger.Error("Result returned by broker", ErrUnroutable, fields)
		return fmt.Errorf("%w: %s %d %s", ErrUnroutable, msg.UUID, ret.ReplyCode, ret.ReplyText)
	}
	if !confirm.Ack {
		return fmt.Errorf("%w: %s", ErrNacked, msg.UUID)
	}
	p.logger.Trace("Result confirmed", fields)
	return nil
}

// takeReturn drains buffered returns and reports whether one was for uuid.
func (p *Publisher) takeReturn(uuid string) (amqp091.Return, bool) {
	var (
		match amqp091.Return
		found bool
	)
	for {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				return match, found
			}
			if p.returnedUUID(ret) == uuid {
				match, found = ret, true
				continue
			}
			p.logger.Debug("Dropping stale broker return", watermill.LogFields{"reply_text": ret.ReplyText})
		default:
			return match, found
		}
	}
}

func (p *Publisher) returnedUUID(ret amqp091.Return) string {
	key := amqp.DefaultMessageUUIDHeaderKey
	if m, ok := p.config.Marshaler.(amqp.DefaultMarshaler); ok && m.MessageUUIDHeaderKey != "" {
		key = m.MessageUUIDHeaderKey
	}
	if uuid, ok := ret.Headers[key].(string); ok {
		return uuid
	}
	return ret.MessageId
}

func (p *Publisher) ensureChannel(exchange string) (Channel, error) {
	if p.channel != nil && p.channel.IsClosed() {
		p.resetChannel()
	}
	if p.channel == nil {
		ch, err := p.open()
		if err != nil {
			return nil, fmt.Errorf("open channel: %w", err)
		}
		confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, 16))
		returns := ch.NotifyReturn(make(chan amqp091.Return, 16))
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
		p.channel, p.confirms, p.returns = ch, confirms, returns
		p.declared = make(map[string]struct{})
	}

	if _, ok := p.declared[exchange]; !ok && exchange != "" {
		ex := p.config.Exchange
		if err := p.channel.ExchangeDeclare(exchange, ex.Type, ex.Durable, ex.AutoDeleted, ex.Internal, ex.NoWait, ex.Arguments); err != nil {
			p.resetChannel()
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = struct{}{}
	}
	return p.channel, nil
}

func (p *Publisher) resetChannel() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel, p.confirms, p.returns = nil, nil, nil
}

// Close closes the channel and the owned connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.resetChannel()
	if p.close != nil {
		return p.close()
	}
	return nil
}
