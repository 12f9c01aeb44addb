package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/creditflow/internal/events"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	idspkg "github.com/drblury/creditflow/internal/runtime/ids"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
)

// Producer emits events onto the configured transport.
type Producer interface {
	Publish(ctx context.Context, routingKey string, event events.Event) error
}

// NewMessage encodes event as JSON and stamps the standard headers: event
// type, content type, correlation id and the trace context found on ctx.
func NewMessage(ctx context.Context, event events.Event) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(metadatapkg.KeyEventType, event.EventType())
	msg.Metadata.Set(metadatapkg.KeyContentType, jsoncodec.ContentType)

	correlationID := metadatapkg.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = idspkg.CreateULID()
	}
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	msg.SetContext(ctx)
	return msg, nil
}

// Publish encodes event and publishes it under routingKey. It returns once
// the transport has accepted the message.
func Publish(ctx context.Context, publisher message.Publisher, routingKey string, event events.Event) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if routingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
	defer span.End()

	msg, err := NewMessage(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return err
	}
	span.SetAttributes(attribute.String("messaging.message.id", msg.UUID))

	if err := publisher.Publish(routingKey, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return fmt.Errorf("publish %s to %s: %w", event.EventType(), routingKey, err)
	}
	return nil
}

// Publish emits the event through the Service publisher.
func (s *Service) Publish(ctx context.Context, routingKey string, event events.Event) error {
	if s == nil {
		return errors.New("creditflow: service is nil")
	}
	return Publish(ctx, s.publisher, routingKey, event)
}
