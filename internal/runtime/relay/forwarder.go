// Package relay drains the outbound relay queue into a Watermill publisher.
package relay

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/taskrelay/internal/runtime/errors"
	"github.com/drblury/taskrelay/internal/runtime/ids"
	"github.com/drblury/taskrelay/internal/runtime/logging"
	"github.com/drblury/taskrelay/internal/runtime/messages"
	"github.com/drblury/taskrelay/internal/runtime/queue"
)

const (
	// MetadataMessageType carries the envelope kind so consumers can route
	// without decoding the payload.
	MetadataMessageType = "message_type"

	DefaultRetryInterval    = time.Second
	DefaultMaxRetryInterval = 30 * time.Second

	tracerName = "github.com/drblury/taskrelay/relay"
)

// Source yields packed envelopes. *queue.Queue[[]byte] satisfies it.
type Source interface {
	Get(ctx context.Context) ([]byte, error)
}

// Options configures a Forwarder.
type Options struct {
	Topic            string
	// RetryInterval is the first delay after a failed publish. Later delays
	// double up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	Logger           logging.ServiceLogger
	Metrics          *Metrics
}

// Forwarder publishes every envelope taken from its source. A failed publish
// is retried with exponential backoff until it succeeds or the context ends.
type Forwarder struct {
	source    Source
	publisher message.Publisher
	topic     string
	retry     middleware.Retry
	log       logging.ServiceLogger
	metrics   *Metrics
	tracer    trace.Tracer
}

// NewForwarder validates its inputs.
func NewForwarder(source Source, publisher message.Publisher, opts Options) (*Forwarder, error) {
	if source == nil {
		return nil, errspkg.ErrRelayRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetryInterval < opts.RetryInterval {
		opts.MaxRetryInterval = max(DefaultMaxRetryInterval, opts.RetryInterval)
	}
	return &Forwarder{
		source:    source,
		publisher: publisher,
		topic:     opts.Topic,
		retry: middleware.Retry{
			// -1 lifts the try limit; only the message context stops retries.
			MaxRetries:          -1,
			InitialInterval:     opts.RetryInterval,
			MaxInterval:         opts.MaxRetryInterval,
			Multiplier:          2,
			RandomizationFactor: 0.2,
		},
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "forwarder", "topic": opts.Topic}),
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Run forwards until the source is closed and drained, returning nil, or
// until ctx ends, returning ctx's error.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		payload, err := f.source.Get(ctx)
		if errors.Is(err, queue.ErrClosed) {
			f.log.Debug("Relay drained; forwarder exiting", nil)
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.forward(ctx, payload); err != nil {
			return err
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, payload []byte) error {
	kind := messages.MessageType(payload)
	msg := message.NewMessage(ids.CreateULID(), payload)
	if kind != "" {
		msg.Metadata.Set(MetadataMessageType, kind)
	}

	ctx, span := f.tracer.Start(ctx, "relay.publish", trace.WithAttributes(
		attribute.String("messaging.destination", f.topic),
		attribute.String("messaging.message.id", msg.UUID),
		attribute.String("taskrelay.message_type", kind),
	))
	defer span.End()
	msg.SetContext(ctx)

	fields := logging.LogFields{"message_uuid": msg.UUID, "message_type": kind}
	retry := f.retry
	retry.ShouldRetry = func(params middleware.RetryParams) bool {
		f.metrics.publishFailed()
		span.RecordError(params.Err)
		retryFields := logging.LogFields{"retry_no": params.RetryNum, "wait_time": params.Delay}
		maps.Copy(retryFields, fields)
		if params.RetryNum == 0 {
			f.log.Error("Publish failed; retrying", params.Err, retryFields)
		} else {
			f.log.Debug("Publish retry failed: "+params.Err.Error(), retryFields)
		}
		return true
	}

	if _, err := retry.Middleware(f.publish)(msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	f.metrics.published(kind)
	f.log.Trace("Envelope published", fields)
	return nil
}

// publish is the handler the retry middleware wraps.
func (f *Forwarder) publish(msg *message.Message) ([]*message.Message, error) {
	return nil, f.publisher.Publish(f.topic, msg)
}
