package metadata

import "context"

// Header keys set on every published message.
const (
	// KeyCorrelationID tracks one intake request across all stages.
	KeyCorrelationID = "correlation_id"
	// KeyEventType names the wire schema of the payload.
	KeyEventType = "event_type"
	// KeyContentType mirrors the AMQP content-type for transports without one.
	KeyContentType = "content_type"

	// KeyDeadLetterReason records the outcome that sent a message to a dead-letter queue.
	KeyDeadLetterReason = "dead_letter_reason"
	// KeyDeadLetterError records the processing error text.
	KeyDeadLetterError = "dead_letter_error"
	// KeyOriginalRoutingKey lets replay tooling put the message back where it came from.
	KeyOriginalRoutingKey = "original_routing_key"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation header, if present.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

type correlationKey struct{}

// WithCorrelationID stores id on ctx so publishes made while processing a
// delivery carry the same correlation id downstream.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id stored by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
