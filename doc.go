// Package creditflow runs a three-stage credit pipeline over RabbitMQ:
// client intake publishes ClientCreated, the proposal stage scores the client
// and publishes ProposalApproved or ProposalRejected, and the card stage issues
// cards for approved proposals.
//
// The root package re-exports the runtime the stages are built on so other
// consumers can attach to the same topology. A Service owns the transport,
// the consumers and the admin HTTP server; RegisterConsumer binds a typed
// Processor to a routing key, and every delivery settles with an explicit
// Outcome instead of an error.
//
// # Transports
//
//   - rabbitmq: durable direct exchange with a dead-letter exchange and queue
//     per consuming stage
//   - channel: in-process Go channels for local runs and tests; dead letters
//     are forwarded and retained for the dlq tooling
//
// # Middleware
//
// The default chain injects correlation ids, logs deliveries, continues
// trace context from message headers, runs delivery hooks, records
// Prometheus metrics and recovers panics as failed deliveries. Custom
// middleware can be added via ServiceDependencies.Middlewares.
package creditflow
