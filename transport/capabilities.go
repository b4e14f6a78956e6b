package transport

// Capabilities describes what a result publisher guarantees once Publish
// returns.
type Capabilities struct {
	// SupportsConfirms indicates Publish only returns nil after the broker
	// accepted the message.
	SupportsConfirms bool `json:"supports_confirms"`

	// SupportsOrdering indicates messages published to one topic arrive in
	// publish order.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool `json:"supports_tracing"`

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool `json:"supports_partitioning"`

	// Durable indicates published messages survive a broker restart.
	Durable bool `json:"durable"`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"max_message_size"`

	// Name is the human-readable name of the transport.
	Name string `json:"name"`
}

// SupportsReliableDelivery reports whether a successful Publish means the
// result cannot be lost by the broker.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsConfirms && c.Durable
}

// Predefined capability sets for the bundled publishers.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: false,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsConfirms:     true,
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsPartitioning: true,
		Durable:              true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsConfirms: true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsConfirms: true,
		SupportsTracing:  true,
		Durable:          true,
		MaxMessageSize:   262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:             "http",
		SupportsConfirms: true,
		SupportsTracing:  true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Returns a Capabilities carrying only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
