package rabbitmq

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/creditflow/internal/runtime/topology"
)

// TopologyBuilder declares the exchange, dead-letter pair and work queue
// for a subscription instead of the Watermill default layout.
type TopologyBuilder struct {
	Table   topology.Table
	Manager *topology.Manager
}

var _ amqp.TopologyBuilder = (*TopologyBuilder)(nil)

// ExchangeDeclare is called by publishers before their first publish.
func (b *TopologyBuilder) ExchangeDeclare(channel *amqp091.Channel, exchangeName string, _ amqp.Config) error {
	return b.Manager.DeclareExchange(channel, exchangeName)
}

// BuildTopology is called by subscribers before consuming.
func (b *TopologyBuilder) BuildTopology(channel *amqp091.Channel, params amqp.BuildTopologyParams, _ amqp.Config, _ watermill.LoggerAdapter) error {
	return b.build(channel, params.Topic, params.QueueName)
}

func (b *TopologyBuilder) build(ch topology.Declarer, routingKey, queue string) error {
	binding, ok := b.Table.ByRoutingKey(routingKey)
	if !ok {
		return fmt.Errorf("rabbitmq: no binding for routing key %q", routingKey)
	}
	if queue != "" && queue != binding.Queue {
		return fmt.Errorf("rabbitmq: routing key %q resolves to queue %q, not %q", routingKey, binding.Queue, queue)
	}
	return b.Manager.Declare(ch, binding)
}
