package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
)

// DeliveryContext provides information about one delivery to hooks.
type DeliveryContext struct {
	DeliveryInfo
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// CorrelationID ties the delivery to its intake request.
	CorrelationID string
	// Metadata contains the message headers.
	Metadata message.Metadata
	// Context is the processing context of the delivery.
	Context context.Context
	// StartedAt is when processing began.
	StartedAt time.Time
	// Duration is how long processing took. Zero in OnDeliveryStart.
	Duration time.Duration
}

// DeliveryHooks defines callbacks for the delivery lifecycle.
// All hooks are optional - nil hooks are simply not called.
type DeliveryHooks struct {
	// OnDeliveryStart is called before the processor runs.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called for deliveries that will be acknowledged:
	// completed and dropped ones.
	OnDeliveryDone func(ctx DeliveryContext, res handlerpkg.Result)

	// OnDeadLetter is called for malformed and failed deliveries.
	OnDeadLetter func(ctx DeliveryContext, res handlerpkg.Result)
}

// IsZero reports whether no hook is set.
func (h DeliveryHooks) IsZero() bool {
	return h.OnDeliveryStart == nil && h.OnDeliveryDone == nil && h.OnDeadLetter == nil
}

// Merge combines two DeliveryHooks. The hooks from other run after the hooks from h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: chainHook(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chainResultHook(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeadLetter:    chainResultHook(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainHook[C any](a, b func(C)) func(C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx C) {
		a(ctx)
		b(ctx)
	}
}

func chainResultHook[C, R any](a, b func(C, R)) func(C, R) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx C, res R) {
		a(ctx, res)
		b(ctx, res)
	}
}

// DeliveryHooksMiddleware creates a middleware that invokes hooks around
// each delivery.
func DeliveryHooksMiddleware(hooks DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "delivery_hooks",
		Middleware: deliveryHooksMiddleware(hooks),
	}
}

// ConfiguredHooksMiddleware invokes the hooks passed in ServiceDependencies.
func ConfiguredHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "configured_hooks",
		Builder: func(s *Service) (handlerpkg.DeliveryMiddleware, error) {
			if s.hooks.IsZero() {
				return nil, nil
			}
			return deliveryHooksMiddleware(s.hooks), nil
		},
	}
}

func deliveryHooksMiddleware(hooks DeliveryHooks) handlerpkg.DeliveryMiddleware {
	return func(h handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
		return func(msg *message.Message) handlerpkg.Result {
			info, _ := DeliveryInfoFromContext(msg.Context())
			dctx := DeliveryContext{
				DeliveryInfo:  info,
				MessageUUID:   msg.UUID,
				CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}

			if hooks.OnDeliveryStart != nil {
				hooks.OnDeliveryStart(dctx)
			}

			res := h(msg)
			dctx.Duration = time.Since(dctx.StartedAt)

			if res.Outcome.DeadLetters() {
				if hooks.OnDeadLetter != nil {
					hooks.OnDeadLetter(dctx, res)
				}
			} else if hooks.OnDeliveryDone != nil {
				hooks.OnDeliveryDone(dctx, res)
			}

			return res
		}
	}
}

// LoggingHooks returns hooks that log the delivery lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	fields := func(ctx DeliveryContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"consumer":       ctx.Consumer,
			"routing_key":    ctx.RoutingKey,
			"message_uuid":   ctx.MessageUUID,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", fields(ctx))
		},
		OnDeliveryDone: func(ctx DeliveryContext, res handlerpkg.Result) {
			f := loggingpkg.Merge(fields(ctx), res.Fields)
			f["outcome"] = res.Outcome.String()
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Delivery settled", f)
		},
		OnDeadLetter: func(ctx DeliveryContext, res handlerpkg.Result) {
			f := loggingpkg.Merge(fields(ctx), res.Fields)
			f["outcome"] = res.Outcome.String()
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Delivery rejected", res.Err, f)
		},
	}
}

// AlertingHooks returns hooks that call alert for every dead-lettered delivery.
func AlertingHooks(alert func(ctx DeliveryContext, res handlerpkg.Result)) DeliveryHooks {
	return DeliveryHooks{OnDeadLetter: alert}
}
