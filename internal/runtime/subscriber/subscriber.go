// Package subscriber keeps a single exclusive consumer attached to an AMQP
// queue and hands every delivery to a Sink.
//
// All connection, channel and close-history state lives on the goroutine
// running Run. Other goroutines observe it only through State, Attempts, Done
// and Err.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/taskrelay/internal/runtime/config"
	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	"github.com/drblury/taskrelay/internal/runtime/ids"
	"github.com/drblury/taskrelay/internal/runtime/logging"
)

var (
	// ErrAuthentication stops the subscriber when the broker rejects the
	// credentials.
	ErrAuthentication = errors.New("subscriber: broker rejected credentials")
	// ErrAttemptsExhausted stops the subscriber once the connect attempt
	// limit is reached.
	ErrAttemptsExhausted = errors.New("subscriber: connection attempts exhausted")
	// ErrChannelUnstable stops the subscriber when the consumer channel
	// closes too often within the close window.
	ErrChannelUnstable = errors.New("subscriber: channel closed too often")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("subscriber: already started")

	errConnectionLost = errors.New("subscriber: connection lost")
)

const tracerName = "github.com/drblury/taskrelay/subscriber"

// Message is what the subscriber hands to the Sink for every delivery.
type Message struct {
	Headers map[string]any
	Body    []byte
}

// Sink receives deliveries. A nil error means the message is owned by the
// sink and the delivery is acknowledged; any error requeues it.
type Sink interface {
	Put(ctx context.Context, msg Message) error
}

// Subscriber is the resilient broker consumer.
type Subscriber struct {
	desc   Descriptor
	sink   Sink
	opts   Options
	log    logging.ServiceLogger
	clock  clock.Clock
	tracer trace.Tracer

	state    atomic.Int32
	attempts atomic.Int64
	started  atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error

	// Owned by the Run goroutine.
	hadConnection bool
	ch            Channel
	deliveries    <-chan amqp.Delivery
	chanClosed    chan *amqp.Error
	cancelled     chan string
	reopen        <-chan time.Time
	consumerTag   string
	connectedAt   time.Time
	closeHistory  []time.Time
}

// New validates the descriptor and returns an idle subscriber.
func New(desc Descriptor, sink Sink, opts Options) (*Subscriber, error) {
	if desc.URL == "" {
		return nil, errspkg.ErrURLRequired
	}
	if desc.Queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	if sink == nil {
		return nil, errspkg.ErrSinkRequired
	}
	if desc.Exchange != "" && desc.ExchangeType == "" {
		desc.ExchangeType = amqp.ExchangeDirect
	}

	opts = opts.withDefaults()
	s := &Subscriber{
		desc:   desc,
		sink:   sink,
		opts:   opts,
		clock:  opts.Clock,
		tracer: otel.Tracer(tracerName),
		log: opts.Logger.With(logging.LogFields{
			"component": "subscriber",
			"queue":     desc.Queue,
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s, nil
}

// Start runs the subscriber on its own goroutine.
func (s *Subscriber) Start(ctx context.Context) {
	go func() { _ = s.Run(ctx) }()
}

// Run blocks until the subscriber stops. It returns nil after Stop or ctx
// cancellation, and a terminal error when the subscriber gave up.
func (s *Subscriber) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.log.Debug("Subscriber starting", logging.LogFields{"url": config.RedactURL(s.desc.URL)})

	err := s.loop(ctx)
	if err != nil {
		s.log.Error("Subscriber stopped", err, logging.LogFields{"attempts": s.Attempts()})
	} else {
		s.log.Info("Subscriber stopped", nil)
	}

	s.err = err
	s.setState(StateStopped)
	close(s.done)
	return err
}

// Stop requests shutdown. In-flight teardown still completes; wait on Done.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once Run has returned.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil while running or after a requested
// stop.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Attempts returns the connect attempt counter.
func (s *Subscriber) Attempts() int { return int(s.attempts.Load()) }

func (s *Subscriber) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.opts.Metrics.setState(st)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func (s *Subscriber) stopRequested(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if a stop arrived first.
func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.stopRequested(ctx)
	}
	select {
	case <-s.clock.After(d):
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) reconnectDelay() time.Duration {
	span := s.opts.ReconnectDelayMax - s.opts.ReconnectDelayMin
	if span <= 0 {
		return s.opts.ReconnectDelayMin
	}
	return s.opts.ReconnectDelayMin + rand.N(span)
}

func (s *Subscriber) loop(ctx context.Context) error {
	limit := s.opts.ConnectAttemptLimit
	for s.Attempts() < limit {
		if s.stopRequested(ctx) {
			return nil
		}

		var delay time.Duration
		if s.hadConnection || s.Attempts() > 0 {
			delay = s.reconnectDelay()
			fields := logging.LogFields{"delay": delay.String(), "attempt": s.Attempts() + 1, "limit": limit}
			if s.Attempts() == limit-1 {
				s.log.Info("Reconnecting to broker (final attempt)", fields)
			} else {
				s.log.Debug("Reconnecting to broker", fields)
			}
		}
		if !s.sleep(ctx, delay) {
			return nil
		}

		n := s.attempts.Add(1)
		s.opts.Metrics.connectAttempt(int(n))
		s.setState(StateConnecting)
		s.log.Debug("Opening broker connection", logging.LogFields{"attempt": n, "limit": limit})

		conn, err := s.opts.Dial(s.desc.URL)
		if err != nil {
			if terminal := s.onOpenFailed(err); terminal != nil {
				return terminal
			}
			continue
		}
		s.hadConnection = true

		err = s.serve(ctx, conn)
		if errors.Is(err, errConnectionLost) {
			s.resetChannel()
			s.setState(StateDisconnected)
			if s.Attempts() == 1 {
				s.log.Info("Unable to sustain broker connection; retrying", nil)
			}
			continue
		}
		s.teardown(conn)
		return err
	}
	return fmt.Errorf("%w: %d attempts", ErrAttemptsExhausted, limit)
}

// onOpenFailed accounts for a failed dial. It returns a terminal error when
// no further attempts are allowed.
func (s *Subscriber) onOpenFailed(err error) error {
	s.setState(StateDisconnected)
	limit := s.opts.ConnectAttemptLimit
	if IsAuthFailure(err) {
		s.attempts.Store(int64(limit))
		s.opts.Metrics.connectFailed("auth")
		s.log.Error("Broker rejected credentials; not retrying", err, nil)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	s.opts.Metrics.connectFailed("transient")
	n := s.Attempts()
	fields := logging.LogFields{"attempt": n, "limit": limit}
	if n >= limit {
		return fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
	}
	if n == 1 {
		s.log.Error("Failed to open broker connection", err, fields)
	} else {
		s.log.Debug("Failed to open broker connection: "+err.Error(), fields)
	}
	return nil
}

// serve drives one connection. It returns nil on a requested stop,
// errConnectionLost when the connection went away, or a terminal error.
func (s *Subscriber) serve(ctx context.Context, conn Connection) error {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	if err := s.openChannel(conn); err != nil {
		if conn.IsClosed() {
			return errConnectionLost
		}
		if terminal := s.onChannelClosed(ctx, s.clock.Now(), err); terminal != nil {
			return terminal
		}
	}

	ticker := s.newTicker(s.opts.PollPeriod)
	defer ticker.stop()

	for {
		select {
		case <-s.stop:
			s.log.Debug("Shutting down per stop request", nil)
			return nil

		case <-ctx.Done():
			s.log.Debug("Shutting down per context cancellation", nil)
			return nil

		case err, ok := <-connClosed:
			if ok && err != nil {
				s.log.Info("Broker connection closed", logging.LogFields{"reason": err.Error()})
			} else {
				s.log.Debug("Broker connection closed", nil)
			}
			return errConnectionLost

		case <-ticker.c:
			s.housekeeping(s.clock.Now())

		case d, ok := <-s.deliveries:
			if !ok {
				s.deliveries = nil
				continue
			}
			s.handleDelivery(ctx, d)

		case tag, ok := <-s.cancelled:
			if !ok {
				s.cancelled = nil
				continue
			}
			s.log.Debug("Consumer cancelled by broker; closing channel", logging.LogFields{"consumer_tag": tag})
			if s.ch != nil {
				if err := s.ch.Close(); err != nil {
					s.log.Debug("Channel close failed: "+err.Error(), nil)
				}
			}

		case err := <-s.chanClosed:
			s.chanClosed = nil
			s.resetChannel()
			if conn.IsClosed() {
				return errConnectionLost
			}
			var reason error
			if err != nil {
				reason = err
			}
			if terminal := s.onChannelClosed(ctx, s.clock.Now(), reason); terminal != nil {
				return terminal
			}

		case <-s.reopen:
			s.reopen = nil
			if err := s.openChannel(conn); err != nil {
				if conn.IsClosed() {
					return errConnectionLost
				}
				if terminal := s.onChannelClosed(ctx, s.clock.Now(), err); terminal != nil {
					return terminal
				}
			}
		}
	}
}

// openChannel opens a channel, passively confirms the topology and registers
// an exclusive consumer. Failures after the channel exists close it, so they
// surface through the channel close notification. A returned error means no
// channel was obtained at all.
func (s *Subscriber) openChannel(conn Connection) error {
	s.setState(StateChannelOpening)
	if conn.IsClosed() {
		return errConnectionLost
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	s.ch = ch
	s.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	s.cancelled = ch.NotifyCancel(make(chan string, 1))

	if err := s.startConsuming(ch); err != nil {
		s.log.Error("Unable to start consuming", err, nil)
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		return nil
	}

	s.log.Info("Awaiting messages from queue", logging.LogFields{"consumer_tag": s.consumerTag})
	return nil
}

func (s *Subscriber) startConsuming(ch Channel) error {
	if s.desc.Exchange != "" {
		if err := ch.ExchangeDeclarePassive(s.desc.Exchange, s.desc.ExchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange %q: %w", s.desc.Exchange, err)
		}
	}
	if _, err := ch.QueueDeclarePassive(s.desc.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue %q: %w", s.desc.Queue, err)
	}

	tag := ids.NewTag("taskrelay")
	deliveries, err := ch.Consume(s.desc.Queue, tag, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", s.desc.Queue, err)
	}

	s.deliveries = deliveries
	s.consumerTag = tag
	s.connectedAt = s.clock.Now()
	s.setState(StateConsuming)
	return nil
}

func (s *Subscriber) resetChannel() {
	s.ch = nil
	s.deliveries = nil
	s.chanClosed = nil
	s.cancelled = nil
	s.reopen = nil
	s.consumerTag = ""
}

// onChannelClosed records a closure at now. Below the window limit it
// schedules a reopen; at the limit it returns ErrChannelUnstable.
func (s *Subscriber) onChannelClosed(ctx context.Context, now time.Time, reason error) error {
	s.consumerTag = ""
	s.opts.Metrics.channelClosed()

	cutoff := now.Add(-s.opts.ChannelCloseWindow)
	kept := s.closeHistory[:0]
	for _, t := range s.closeHistory {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.closeHistory = append(kept, now)

	count := len(s.closeHistory)
	if count >= s.opts.ChannelCloseWindowLimit {
		err := fmt.Errorf("%w: %d closures within %s", ErrChannelUnstable, count, s.opts.ChannelCloseWindow)
		if reason != nil {
			err = fmt.Errorf("%w: %w", err, reason)
		}
		return err
	}

	if s.stopRequested(ctx) {
		return nil
	}
	fields := logging.LogFields{"closures": count, "reopen_in": s.opts.ChannelReopenDelay.String()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	s.log.Info("Channel closed; reopening", fields)
	s.setState(StateChannelOpening)
	s.reopen = s.clock.After(s.opts.ChannelReopenDelay)
	return nil
}

// housekeeping resets the attempt counter once the consumer has been
// attached for longer than StableAfter.
func (s *Subscriber) housekeeping(now time.Time) {
	if s.Attempts() == 0 || s.consumerTag == "" || s.connectedAt.IsZero() {
		return
	}
	if now.Sub(s.connectedAt) > s.opts.StableAfter {
		s.attempts.Store(0)
		s.opts.Metrics.attemptsReset()
		s.log.Debug("Connection deemed stable; resetting attempt counter", nil)
	}
}

// handleDelivery hands one delivery to the sink and settles it exactly once.
func (s *Subscriber) handleDelivery(ctx context.Context, d amqp.Delivery) {
	if d.Acknowledger == nil || d.DeliveryTag == 0 {
		s.opts.Metrics.delivery("dropped")
		s.log.Debug("Invalid delivery; dropping", nil)
		return
	}

	fields := logging.LogFields{"delivery_tag": d.DeliveryTag}
	s.log.Trace("Received message", fields)

	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	if err := s.handoff(ctx, Message{Headers: headers, Body: d.Body}); err != nil {
		s.log.Error("Delivery hand-off failed; requeueing", err, fields)
		s.opts.Metrics.delivery("nacked")
		if nerr := d.Nack(false, true); nerr != nil {
			s.log.Error("Nack failed", nerr, fields)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		s.log.Error("Ack failed", err, fields)
		return
	}
	s.opts.Metrics.delivery("acked")
	s.log.Trace("Acknowledged message", fields)
}

func (s *Subscriber) handoff(ctx context.Context, msg Message) (err error) {
	ctx, span := s.tracer.Start(ctx, "subscriber.handoff", trace.WithAttributes(
		attribute.String("messaging.destination", s.desc.Queue),
		attribute.Int("messaging.message.body.size", len(msg.Body)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.HandoffTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.sink.Put(ctx, msg)
}

// teardown closes the channel, then the connection. A step whose resource
// has not reported closed is retried every TeardownInterval.
func (s *Subscriber) teardown(conn Connection) {
	s.setState(StateClosing)
	ticker := s.newTicker(s.opts.TeardownInterval)
	defer ticker.stop()

	for !conn.IsClosed() {
		if s.ch != nil {
			if !s.ch.IsClosed() {
				s.log.Debug("Closing channel", nil)
				if err := s.ch.Close(); err != nil {
					s.log.Debug("Channel close failed: "+err.Error(), nil)
				}
			}
			if !s.ch.IsClosed() {
				<-ticker.c
				continue
			}
			s.resetChannel()
		}

		s.log.Debug("Closing connection", nil)
		if err := conn.Close(); err != nil {
			s.log.Debug("Connection close failed: "+err.Error(), nil)
		}
		if !conn.IsClosed() {
			<-ticker.c
		}
	}
	s.resetChannel()
}

type ticker struct {
	c    <-chan time.Time
	stop func()
}

func (s *Subscriber) newTicker(d time.Duration) ticker {
	t := s.clock.Ticker(d)
	return ticker{c: t.C, stop: t.Stop}
}
