/*
Package runtime hosts the message-processing core shared by the creditflow
stages.

# Service

A Service owns one broker transport, the consumers registered on it and the
HTTP servers of the process. Consumers are registered before Start; Start
subscribes each of them and runs one delivery at a time per consumer until the
context is cancelled or the broker connection is lost.

# Deliveries

Every delivery runs through the middleware chain and ends in a
handlers.Result. Settlement depends only on its Outcome:

  - completed and dropped deliveries are acknowledged
  - malformed and failed deliveries are dead-lettered

Transports with broker-side dead-lettering reject without requeue. The
in-process transport receives a forwarded copy carrying the
dead_letter_reason, dead_letter_error and original_routing_key headers.

# Middleware

The default chain, outermost first: correlation id, message logging, tracing,
delivery hooks, metrics, recoverer. ServiceDependencies.Middlewares are
appended after it.

# Admin

When AdminAddr is set, the Service serves /healthz, /metrics,
/api/consumers and /api/dlq with replay and purge actions.

# Sub-packages

  - config/: process configuration loaded from the environment
  - errors/: sentinel errors
  - handlers/: outcomes and the typed JSON decode step
  - ids/: ULID message and correlation identifiers
  - jsoncodec/: wire codec
  - logging/: ServiceLogger and adapters
  - metadata/: header keys and correlation propagation
  - telemetry/: trace provider setup
  - topology/: exchanges, queues and dead-letter bindings
*/
package runtime
