package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("creditflow: service is required")
	ErrProcessorRequired    = sterrors.New("creditflow: processor is required")
	ErrConsumerNameRequired = sterrors.New("creditflow: consumer name is required")
	ErrRouteRequired        = sterrors.New("creditflow: consumer route is required")
	ErrEventTypeRequired    = sterrors.New("creditflow: event type is required")
	ErrEventPointerNeeded   = sterrors.New("creditflow: event type must be a pointer")
	ErrEventPayloadRequired = sterrors.New("creditflow: event payload is required")
	ErrPublisherRequired    = sterrors.New("creditflow: publisher is required")
	ErrSubscriberRequired   = sterrors.New("creditflow: subscriber is required")
	ErrRoutingKeyRequired   = sterrors.New("creditflow: routing key is required")

	// ErrTopologyMismatch marks a declare that conflicts with an existing
	// broker object. It is fatal at startup.
	ErrTopologyMismatch = sterrors.New("creditflow: broker topology mismatch")
	// ErrConnectRetriesExhausted is returned when the broker stays unreachable
	// for the whole retry budget.
	ErrConnectRetriesExhausted = sterrors.New("creditflow: broker connection retries exhausted")
	// ErrConnectionLost is returned by a running service once its broker
	// connection drops.
	ErrConnectionLost = sterrors.New("creditflow: broker connection lost")
	// ErrSubscriptionClosed is returned when a delivery channel closes while
	// the service is still supposed to be consuming.
	ErrSubscriptionClosed = sterrors.New("creditflow: subscription closed unexpectedly")
)

var (
	// ErrDLQUnsupported is returned by dlq operations on transports that
	// cannot inspect their dead-letter queues.
	ErrDLQUnsupported = sterrors.New("creditflow: transport does not support dlq operations")
	// ErrServiceStarted is returned when registering on a running service.
	ErrServiceStarted = sterrors.New("creditflow: service already started")
)
