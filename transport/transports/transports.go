// Package transports registers every bundled result publisher with the
// default registry. Importing it is enough; RegisterAll is exported for
// callers that reset the registry.
package transports

import (
	"github.com/drblury/taskrelay/transport/aws"
	"github.com/drblury/taskrelay/transport/channel"
	"github.com/drblury/taskrelay/transport/http"
	"github.com/drblury/taskrelay/transport/kafka"
	"github.com/drblury/taskrelay/transport/nats"
	"github.com/drblury/taskrelay/transport/rabbitmq"
)

func init() {
	RegisterAll()
}

// RegisterAll registers the bundled transports with transport.DefaultRegistry.
func RegisterAll() {
	aws.Register()
	channel.Register()
	http.Register()
	kafka.Register()
	nats.Register()
	rabbitmq.Register()
}
