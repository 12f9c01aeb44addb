package transport

// Capabilities describes the delivery features of a transport backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsNativeDLQ indicates rejected deliveries are dead-lettered by the
	// broker. When false the consumer forwards them through DeadLetters.
	SupportsNativeDLQ bool

	// SupportsPrefetch indicates the broker enforces a per-consumer
	// unacknowledged delivery limit.
	SupportsPrefetch bool

	// SupportsPersistence indicates messages survive a broker restart.
	SupportsPersistence bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment.
	SupportsNack bool
}

// RequiresDLQEmulation returns true if the consumer must forward dead letters
// itself because the broker does not.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:        "channel",
		SupportsAck: true,
		// Nack on gochannel redelivers; dead-lettering is forwarded.
		SupportsNack: true,
	}

	// RabbitMQCapabilities for the AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		SupportsNativeDLQ:   true,
		SupportsPrefetch:    true,
		SupportsPersistence: true,
		SupportsAck:         true,
		SupportsNack:        true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
