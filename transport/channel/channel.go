// Package channel provides the in-process Go channel transport used by the
// all-in-one local mode and by end-to-end tests. Gochannel has no
// dead-letter exchange, so rejected deliveries are forwarded to their
// dead-letter routing key as ordinary messages and retained in memory for
// the dlq tooling.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/internal/runtime/topology"
	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{}, logger)
	forwarder := NewForwarder(pub)
	return transport.Transport{
		Publisher:   pub,
		Subscriber:  sub,
		DeadLetters: forwarder,
		DLQ:         NewDLQ(pub, forwarder, topology.Default()),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Forwarder republishes rejected deliveries under their dead-letter routing
// key and keeps a copy per key until it is replayed or purged.
type Forwarder struct {
	publisher message.Publisher

	mu       sync.Mutex
	retained map[string][]*message.Message
}

// NewForwarder returns a Forwarder publishing through pub.
func NewForwarder(pub message.Publisher) *Forwarder {
	return &Forwarder{publisher: pub, retained: make(map[string][]*message.Message)}
}

// Forward publishes a copy of msg. The caller acknowledges the original.
func (f *Forwarder) Forward(deadLetterRoutingKey string, msg *message.Message) error {
	if f.publisher == nil {
		return errors.New("channel: dead-letter publisher is nil")
	}
	if err := f.publisher.Publish(deadLetterRoutingKey, msg.Copy()); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retained == nil {
		f.retained = make(map[string][]*message.Message)
	}
	f.retained[deadLetterRoutingKey] = append(f.retained[deadLetterRoutingKey], msg.Copy())
	return nil
}

func (f *Forwarder) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retained[key])
}

// take removes up to limit retained messages for key. A limit of zero takes all.
func (f *Forwarder) take(key string, limit int) []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.retained[key]
	if len(msgs) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	taken := msgs[:limit:limit]
	f.retained[key] = msgs[limit:]
	return taken
}

// restore puts msgs back in front of the queue for key.
func (f *Forwarder) restore(key string, msgs []*message.Message) {
	if len(msgs) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retained == nil {
		f.retained = make(map[string][]*message.Message)
	}
	f.retained[key] = append(msgs, f.retained[key]...)
}

// DLQ serves the dlq tooling from the messages retained by a Forwarder.
type DLQ struct {
	publisher message.Publisher
	forwarder *Forwarder
	table     topology.Table
}

// NewDLQ returns a DLQ replaying through pub.
func NewDLQ(pub message.Publisher, forwarder *Forwarder, table topology.Table) *DLQ {
	return &DLQ{publisher: pub, forwarder: forwarder, table: table}
}

func (d *DLQ) binding(queue string) (topology.Binding, error) {
	b, ok := d.table.ByQueue(queue)
	if !ok {
		return topology.Binding{}, fmt.Errorf("channel: unknown queue %q", queue)
	}
	return b, nil
}

// Count returns the number of retained dead letters for queue.
func (d *DLQ) Count(_ context.Context, queue string) (int, error) {
	b, err := d.binding(queue)
	if err != nil {
		return 0, err
	}
	return d.forwarder.count(b.DeadLetterRoutingKey), nil
}

// Replay republishes retained dead letters to their original routing key
// with the dead-letter headers removed.
func (d *DLQ) Replay(ctx context.Context, queue string, limit int) (int, error) {
	b, err := d.binding(queue)
	if err != nil {
		return 0, err
	}
	msgs := d.forwarder.take(b.DeadLetterRoutingKey, limit)
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			d.forwarder.restore(b.DeadLetterRoutingKey, msgs[i:])
			return i, err
		}
		routingKey := msg.Metadata.Get(metadata.KeyOriginalRoutingKey)
		if routingKey == "" {
			routingKey = b.RoutingKey
		}
		replay := msg.Copy()
		delete(replay.Metadata, metadata.KeyDeadLetterReason)
		delete(replay.Metadata, metadata.KeyDeadLetterError)
		if err := d.publisher.Publish(routingKey, replay); err != nil {
			d.forwarder.restore(b.DeadLetterRoutingKey, msgs[i:])
			return i, fmt.Errorf("channel: republish to %s: %w", routingKey, err)
		}
	}
	return len(msgs), nil
}

// Purge drops every retained dead letter for queue.
func (d *DLQ) Purge(_ context.Context, queue string) (int, error) {
	b, err := d.binding(queue)
	if err != nil {
		return 0, err
	}
	return len(d.forwarder.take(b.DeadLetterRoutingKey, 0)), nil
}
