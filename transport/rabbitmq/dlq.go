package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/internal/runtime/topology"
)

// channelAPI is the subset of *amqp091.Channel used by DLQManager.
type channelAPI interface {
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	QueuePurge(name string, noWait bool) (int, error)
	Close() error
}

// Dialer opens a short-lived channel for DLQ operations. The returned
// closer releases the connection behind it.
type Dialer func(url string) (channelAPI, func() error, error)

// DialChannel dials url and opens a channel on it.
func DialChannel(url string) (channelAPI, func() error, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// DLQManager counts, replays and purges the dead-letter queues of a topology
// table. Queues are addressed by their main queue name.
type DLQManager struct {
	url   string
	table topology.Table
	dial  Dialer
}

// NewDLQManager returns a DLQManager dialing url for each operation.
func NewDLQManager(url string, table topology.Table) *DLQManager {
	return &DLQManager{url: url, table: table, dial: DialChannel}
}

// Count returns the number of messages waiting in the dead-letter queue of queue.
func (m *DLQManager) Count(ctx context.Context, queue string) (int, error) {
	var count int
	err := m.withChannel(ctx, queue, func(ch channelAPI, b topology.Binding) error {
		q, err := ch.QueueDeclarePassive(b.DeadLetterQueue, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", b.DeadLetterQueue, err)
		}
		count = q.Messages
		return nil
	})
	return count, err
}

// Replay republishes up to limit dead-lettered messages to the main exchange
// under their original routing key. A limit of zero replays until the queue
// is empty. Messages that fail to republish are returned to the queue.
func (m *DLQManager) Replay(ctx context.Context, queue string, limit int) (int, error) {
	var replayed int
	err := m.withChannel(ctx, queue, func(ch channelAPI, b topology.Binding) error {
		for limit <= 0 || replayed < limit {
			if err := ctx.Err(); err != nil {
				return err
			}
			delivery, ok, err := ch.Get(b.DeadLetterQueue, false)
			if err != nil {
				return fmt.Errorf("get from %s: %w", b.DeadLetterQueue, err)
			}
			if !ok {
				return nil
			}
			if err := ch.PublishWithContext(ctx, b.Exchange, replayRoutingKey(delivery, b), false, false, replayPublishing(delivery)); err != nil {
				_ = delivery.Nack(false, true)
				return fmt.Errorf("republish to %s: %w", b.Exchange, err)
			}
			if err := delivery.Ack(false); err != nil {
				return fmt.Errorf("ack replayed message: %w", err)
			}
			replayed++
		}
		return nil
	})
	return replayed, err
}

// Purge drops every message in the dead-letter queue of queue.
func (m *DLQManager) Purge(ctx context.Context, queue string) (int, error) {
	var purged int
	err := m.withChannel(ctx, queue, func(ch channelAPI, b topology.Binding) error {
		n, err := ch.QueuePurge(b.DeadLetterQueue, false)
		if err != nil {
			return fmt.Errorf("purge %s: %w", b.DeadLetterQueue, err)
		}
		purged = n
		return nil
	})
	return purged, err
}

func (m *DLQManager) withChannel(ctx context.Context, queue string, fn func(channelAPI, topology.Binding) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := m.table.ByQueue(queue)
	if !ok {
		return fmt.Errorf("rabbitmq: unknown queue %q", queue)
	}
	ch, closeConn, err := m.dial(m.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	err = fn(ch, b)
	return errors.Join(err, ch.Close(), closeConn())
}

// replayRoutingKey prefers the routing key recorded when the message was
// dead-lettered, then the broker's x-death record, then the binding's key.
func replayRoutingKey(d amqp091.Delivery, b topology.Binding) string {
	if rk, ok := d.Headers[metadata.KeyOriginalRoutingKey].(string); ok && rk != "" {
		return rk
	}
	if deaths, ok := d.Headers["x-death"].([]any); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp091.Table); ok {
			if keys, ok := death["routing-keys"].([]any); ok && len(keys) > 0 {
				if rk, ok := keys[0].(string); ok && rk != "" {
					return rk
				}
			}
		}
	}
	return b.RoutingKey
}

func replayPublishing(d amqp091.Delivery) amqp091.Publishing {
	headers := amqp091.Table{}
	for k, v := range d.Headers {
		if k == "x-death" || k == metadata.KeyDeadLetterReason || k == metadata.KeyDeadLetterError {
			continue
		}
		headers[k] = v
	}
	return amqp091.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp091.Persistent,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		Body:            d.Body,
	}
}
