/*
Package runtime wires the task relay pipeline together.

# Architecture Overview

Tasks arrive on a RabbitMQ queue, run on an execution engine, and every
outcome is published to a result transport:

	broker -> subscriber -> delivery queue -> dispatcher -> engine
	                                                          |
	publisher <- forwarder <- relay queue <-------------------+

The engine also puts a status report on the relay queue every heartbeat
period, so results and heartbeats share one ordered outbound stream.

# Package Structure

## Core Service (service.go)

Service owns every stage and their lifecycle. Stop shuts them down front to
back so no accepted task is lost: intake stops first, queued deliveries are
submitted, in-flight tasks finish, and the relay is drained before the
publisher is closed.

## Dispatch (dispatcher.go, hooks.go)

The dispatcher takes deliveries off the delivery queue, resolves the task id
and submits the body to the engine. TaskHooks observe each task.

## Monitoring (metrics.go, status.go)

Prometheus collectors for every stage plus queue depth gauges, and a JSON
snapshot of the pipeline on /api/status.

# Sub-packages

  - config/: Service configuration with defaults and validation
  - engine/: Task submission, failure results and heartbeat reporting
  - errors/: Sentinel errors and error types
  - future/: Single-assignment results with completion callbacks
  - ids/: ULID generation
  - jsoncodec/: JSON encoding
  - logging/: Logger interface and adapters
  - messages/: Result and status report envelopes
  - queue/: Bounded in-process queues
  - relay/: Publishes relay entries to the result transport
  - reporter/: Periodic check runner
  - subscriber/: Resilient AMQP consumer
*/
package runtime
