package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/creditflow/internal/events"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	idspkg "github.com/drblury/creditflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
)

// ConsumerRegistration wires a typed stage processor to the routing key it consumes.
type ConsumerRegistration[T events.Event] struct {
	Name       string
	RoutingKey string
	Processor  handlerpkg.Processor[T]
}

// DeliveryConsumerRegistration wires a raw delivery function without the JSON decode step.
type DeliveryConsumerRegistration struct {
	Name       string
	RoutingKey string
	Deliver    handlerpkg.DeliveryFunc
}

// RegisterConsumer decodes deliveries on cfg.RoutingKey into T and hands them to cfg.Processor.
func RegisterConsumer[T events.Event](svc *Service, cfg ConsumerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	deliver, err := handlerpkg.BuildJSONProcessor(cfg.Processor)
	if err != nil {
		return err
	}

	return svc.registerConsumer(DeliveryConsumerRegistration{
		Name:       cfg.Name,
		RoutingKey: cfg.RoutingKey,
		Deliver:    deliver,
	})
}

// RegisterDeliveryConsumer attaches a raw delivery function to the service.
func RegisterDeliveryConsumer(svc *Service, cfg DeliveryConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerConsumer(cfg)
}

// DeliveryInfo identifies the consumer handling a delivery. Middleware reads
// it from the message context.
type DeliveryInfo struct {
	Consumer   string
	RoutingKey string
	Queue      string
}

type deliveryInfoKey struct{}

func withDeliveryInfo(ctx context.Context, info DeliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryInfoKey{}, info)
}

// DeliveryInfoFromContext returns the DeliveryInfo of the delivery being processed.
func DeliveryInfoFromContext(ctx context.Context) (DeliveryInfo, bool) {
	if ctx == nil {
		return DeliveryInfo{}, false
	}
	info, ok := ctx.Value(deliveryInfoKey{}).(DeliveryInfo)
	return info, ok
}

type consumer struct {
	info                 DeliveryInfo
	deadLetterQueue      string
	deadLetterRoutingKey string
	deliver              handlerpkg.DeliveryFunc
	stats                *ConsumerStats
}

func (c *consumer) logFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"consumer":    c.info.Consumer,
		"routing_key": c.info.RoutingKey,
		"queue":       c.info.Queue,
	}
}

func (s *Service) registerConsumer(cfg DeliveryConsumerRegistration) error {
	if cfg.Deliver == nil {
		return errspkg.ErrProcessorRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrConsumerNameRequired
	}
	if cfg.RoutingKey == "" {
		return errspkg.ErrRouteRequired
	}
	if s.started.Load() {
		return errspkg.ErrServiceStarted
	}

	c := &consumer{
		info: DeliveryInfo{
			Consumer:   cfg.Name,
			RoutingKey: cfg.RoutingKey,
			Queue:      s.topology.QueueName(cfg.RoutingKey),
		},
		deliver: cfg.Deliver,
	}
	if b, ok := s.topology.ByRoutingKey(cfg.RoutingKey); ok {
		c.deadLetterQueue = b.DeadLetterQueue
		c.deadLetterRoutingKey = b.DeadLetterRoutingKey
	} else {
		c.deadLetterQueue = c.info.Queue + ".dlq"
		c.deadLetterRoutingKey = cfg.RoutingKey + ".dlq"
	}
	c.stats = newConsumerStats()

	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	for _, existing := range s.consumers {
		if existing.info.Consumer == cfg.Name {
			return fmt.Errorf("creditflow: consumer %q already registered", cfg.Name)
		}
	}
	s.consumers = append(s.consumers, c)
	return nil
}

// runConsumer processes deliveries one at a time until ctx is done. A
// delivery already received is always settled before returning.
func (s *Service) runConsumer(ctx context.Context, c *consumer, deliver handlerpkg.DeliveryFunc, deliveries <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %s", errspkg.ErrSubscriptionClosed, c.info.Queue)
			}
			s.handleDelivery(c, deliver, msg)
		}
	}
}

func (s *Service) handleDelivery(c *consumer, deliver handlerpkg.DeliveryFunc, msg *message.Message) {
	ctx := context.WithoutCancel(msg.Context())
	msg.SetContext(withDeliveryInfo(ctx, c.info))

	c.stats.onStart()
	start := time.Now()
	res := deliver(msg)
	c.stats.onFinish(res, time.Since(start))

	s.settle(c, msg, res)
}

// settle acknowledges completed and dropped deliveries and dead-letters the rest.
func (s *Service) settle(c *consumer, msg *message.Message, res handlerpkg.Result) {
	fields := loggingpkg.Merge(c.logFields(), res.Fields)
	fields["message_uuid"] = msg.UUID
	fields["correlation_id"] = msg.Metadata.Get(metadatapkg.KeyCorrelationID)
	fields["outcome"] = res.Outcome.String()

	if !res.Outcome.DeadLetters() {
		if res.Outcome == handlerpkg.OutcomeDropped {
			s.Logger.Error("Delivery dropped", res.Err, fields)
		} else {
			s.Logger.Debug("Delivery completed", fields)
		}
		msg.Ack()
		return
	}

	fields["dlq"] = c.deadLetterQueue
	s.Logger.Error("Delivery dead-lettered", res.Err, fields)
	s.dlqMetrics.RecordMessageToDLQ(c.info.Queue, c.info.Consumer, res.Outcome.String(), messageAge(msg))

	forwarder := s.transport.DeadLetters
	if forwarder == nil {
		msg.Nack()
		return
	}

	deadLetter := msg.Copy()
	deadLetter.Metadata.Set(metadatapkg.KeyDeadLetterReason, res.Outcome.String())
	if res.Err != nil {
		deadLetter.Metadata.Set(metadatapkg.KeyDeadLetterError, res.Err.Error())
	}
	deadLetter.Metadata.Set(metadatapkg.KeyOriginalRoutingKey, c.info.RoutingKey)

	if err := forwarder.Forward(c.deadLetterRoutingKey, deadLetter); err != nil {
		s.Logger.Error("Failed to forward dead letter", err, fields)
		msg.Nack()
		return
	}
	msg.Ack()
}

// messageAge derives the time since publish from the ULID message uuid, or -1.
func messageAge(msg *message.Message) time.Duration {
	ts, ok := idspkg.Timestamp(msg.UUID)
	if !ok {
		return -1
	}
	return time.Since(ts)
}
