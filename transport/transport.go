// Package transport defines how outbound result publishers are built. Each
// backend (rabbitmq, kafka, nats, http, aws, channel) lives in its own
// sub-package and registers a Builder with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport wraps the publisher a builder produced.
type Transport struct {
	Publisher message.Publisher
}

// Close releases the publisher, if any.
func (t Transport) Close() error {
	if t.Publisher == nil {
		return nil
	}
	return t.Publisher.Close()
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values result publishers need, without depending on
// the config package.
type Config interface {
	// GetResultPublisher returns the registered transport name to build.
	GetResultPublisher() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetResultExchange() string

	// Kafka
	GetKafkaBrokers() []string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
