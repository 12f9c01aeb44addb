// Package rabbitmq provides the AMQP transport. Every stage publishes to one
// durable direct exchange with the routing key as the Watermill topic; each
// consumer subscribes by routing key and reads the queue the topology table
// binds to it. Rejected deliveries are nacked without requeue so the broker
// moves them to the paired dead-letter queue.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	"github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/topology"
	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// prefetchCount keeps one unacknowledged delivery per consumer.
const prefetchCount = 1

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build connects through a Supervisor and creates the publisher and subscriber
// for the fixed pipeline topology.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	table := topology.Default()

	supervisor := NewSupervisor(SupervisorConfig{
		Connection: amqp.ConnectionConfig{
			AmqpURI:   url,
			Reconnect: amqp.DefaultReconnectConfig(),
		},
		Retries:          cfg.GetConnectRetries(),
		Backoff:          cfg.GetConnectBackoff(),
		LivenessInterval: cfg.GetLivenessInterval(),
	}, logger)

	conn, err := supervisor.Connect(ctx)
	if err != nil {
		return transport.Transport{}, err
	}

	amqpConfig := NewConfig(url, table, logging.NewWatermillServiceLogger(logger))

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = supervisor.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = supervisor.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Monitor:    supervisor,
		DLQ:        NewDLQManager(url, table),
		Connection: supervisor,
	}, nil
}

// NewConfig returns the Watermill AMQP configuration for table: a durable
// direct exchange, routing keys equal to topics, queues resolved through the
// table, prefetch of one and nack without requeue.
func NewConfig(url string, table topology.Table, logger logging.ServiceLogger) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, table.QueueName)

	cfg.Exchange.GenerateName = func(string) string { return topology.Exchange }
	cfg.Exchange.Type = amqp091.ExchangeDirect
	cfg.Exchange.Durable = true

	cfg.Queue.Durable = true
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	cfg.Consume.Qos.PrefetchCount = prefetchCount
	cfg.Consume.Qos.Global = false
	cfg.Consume.NoRequeueOnNack = true

	cfg.Marshaler = amqp.DefaultMarshaler{
		PostprocessPublishing: func(p amqp091.Publishing) amqp091.Publishing {
			p.ContentType = jsoncodec.ContentType
			p.ContentEncoding = "utf-8"
			p.DeliveryMode = amqp091.Persistent
			return p
		},
	}
	cfg.TopologyBuilder = &TopologyBuilder{
		Table:   table,
		Manager: topology.NewManager(logger),
	}
	return cfg
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
