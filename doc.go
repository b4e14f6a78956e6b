// Package taskrelay consumes tasks from a RabbitMQ queue, runs them on a
// pluggable execution engine and publishes every result, together with a
// periodic status report, to a Watermill publisher.
//
// Config names the task queue, the subscriber's failure policy and the result
// transport. NewService wires a resilient subscriber, two bounded in-process
// queues, the engine and an outbound forwarder; Run blocks until the context
// ends or the subscriber gives up, then shuts the pipeline down in order so
// that every accepted task is relayed before the publisher closes.
//
// # Subscriber
//
// The subscriber only passively checks the queue (and optional exchange), so
// it never creates broker topology. Connection loss is retried with jittered
// delays up to ConnectAttemptLimit; rejected credentials and repeated channel
// failures inside ChannelCloseWindow stop it. A delivery is acknowledged once
// it sits in the delivery queue and requeued if the queue stays full.
//
// # Transports
//
// Results can be published through six transports:
//   - rabbitmq: durable topic exchange with publisher confirms
//   - kafka: synchronous producer
//   - nats: core NATS subjects
//   - aws: SNS topics, with LocalStack support
//   - http: POST to a base URL plus the topic
//   - channel: in-memory Go channels for tests
//
// Importing this package registers all of them; a custom publisher can be
// passed in ServiceDependencies instead.
//
// # Task Hooks
//
// TaskHooks provide OnTaskReceived, OnTaskDone and OnTaskError callbacks
// around every task for logging, metrics collection and alerting.
package taskrelay
