package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	idspkg "github.com/drblury/creditflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
)

const (
	metricsNamespace = "creditflow"
	tracerName       = "github.com/drblury/creditflow"
)

// MiddlewareBuilder constructs a delivery middleware using the provided service instance.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Service) (handlerpkg.DeliveryMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware handlerpkg.DeliveryMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service
// constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		ConfiguredHooksMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each delivery carries a correlation identifier
// and exposes it on the processing context for downstream publishes.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(h handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
	return func(msg *message.Message) handlerpkg.Result {
		id := msg.Metadata.Get(metadatapkg.KeyCorrelationID)
		if id == "" {
			id = idspkg.CreateULID()
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, id)
		}
		msg.SetContext(metadatapkg.WithCorrelationID(msg.Context(), id))
		return h(msg)
	}
}

// LogMessagesMiddleware logs the payload and metadata of every delivery at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (handlerpkg.DeliveryMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) handlerpkg.DeliveryMiddleware {
	return func(h handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
		return func(msg *message.Message) handlerpkg.Result {
			info, _ := DeliveryInfoFromContext(msg.Context())
			logger.Debug("Processing delivery", loggingpkg.LogFields{
				"consumer":     info.Consumer,
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// TracerMiddleware continues the trace carried in the message headers and
// wraps processing in a consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(h handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
	return func(msg *message.Message) handlerpkg.Result {
		info, _ := DeliveryInfoFromContext(msg.Context())
		ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))

		ctx, span := otel.Tracer(tracerName).Start(ctx, "consume "+info.RoutingKey,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.destination.name", info.Queue),
				attribute.String("messaging.rabbitmq.destination.routing_key", info.RoutingKey),
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("creditflow.consumer", info.Consumer),
			),
		)
		defer span.End()
		msg.SetContext(ctx)

		res := h(msg)

		span.SetAttributes(attribute.String("creditflow.outcome", res.Outcome.String()))
		if res.Outcome.DeadLetters() {
			if res.Err != nil {
				span.RecordError(res.Err)
			}
			span.SetStatus(codes.Error, res.Outcome.String())
		}
		return res
	}
}

// MetricsMiddleware counts settled deliveries per consumer and outcome and
// observes processing time.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (handlerpkg.DeliveryMiddleware, error) {
			if s.Conf == nil || !s.Conf.MetricsEnabled {
				return nil, nil
			}
			m, err := newDeliveryMetrics(s.metricsRegisterer)
			if err != nil {
				return nil, err
			}
			return m.middleware, nil
		},
	}
}

type deliveryMetrics struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newDeliveryMetrics(registerer prometheus.Registerer) (*deliveryMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "consumer",
		Name:      "deliveries_total",
		Help:      "Settled deliveries by consumer and outcome",
	}, []string{"consumer", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "consumer",
		Name:      "processing_seconds",
		Help:      "Time spent processing a delivery",
		Buckets:   prometheus.DefBuckets,
	}, []string{"consumer", "outcome"})

	m := &deliveryMetrics{}
	var err error
	if m.deliveries, err = registerCollector(registerer, deliveries); err != nil {
		return nil, err
	}
	if m.duration, err = registerCollector(registerer, duration); err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers c, reusing an identical collector registered earlier.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *deliveryMetrics) middleware(h handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
	return func(msg *message.Message) handlerpkg.Result {
		info, _ := DeliveryInfoFromContext(msg.Context())
		start := time.Now()
		res := h(msg)
		outcome := res.Outcome.String()
		m.deliveries.WithLabelValues(info.Consumer, outcome).Inc()
		m.duration.WithLabelValues(info.Consumer, outcome).Observe(time.Since(start).Seconds())
		return res
	}
}

// RecovererMiddleware converts panics into failed results so the delivery is
// dead-lettered instead of crashing the consumer.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

func recovererMiddleware(h handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
	return func(msg *message.Message) handlerpkg.Result {
		var res handlerpkg.Result
		_, err := middleware.Recoverer(func(msg *message.Message) ([]*message.Message, error) {
			res = h(msg)
			return nil, nil
		})(msg)
		if err != nil {
			return handlerpkg.Fail(err)
		}
		return res
	}
}

// RegisterMiddleware appends the middleware to the delivery chain. It must be
// called before Start.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw handlerpkg.DeliveryMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	if s.started.Load() {
		return errors.New("middleware must be registered before the service starts")
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

// chain wraps deliver with the registered middleware, the first registered outermost.
func (s *Service) chain(deliver handlerpkg.DeliveryFunc) handlerpkg.DeliveryFunc {
	s.middlewaresMu.RLock()
	defer s.middlewaresMu.RUnlock()

	for i := len(s.middlewares) - 1; i >= 0; i-- {
		deliver = s.middlewares[i](deliver)
	}
	return deliver
}
