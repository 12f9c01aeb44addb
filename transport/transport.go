// Package transport defines the broker-facing types shared by the creditflow
// transports. Each implementation lives in its own sub-package and registers
// itself with the registry.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport bundles what a process needs from its broker.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Monitor is nil for transports without a connection to lose.
	Monitor ConnectionMonitor
	// DeadLetters is nil when the broker dead-letters rejected deliveries
	// itself (Capabilities.SupportsNativeDLQ).
	DeadLetters DeadLetterForwarder
	// DLQ is nil when the transport cannot inspect its dead-letter queues.
	DLQ DLQManager
	// Connection is closed after the publisher and subscriber.
	Connection io.Closer

	Capabilities Capabilities
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values transports read.
type Config interface {
	GetPubSubSystem() string

	GetRabbitMQURL() string
	GetConnectRetries() int
	GetConnectBackoff() time.Duration
	GetLivenessInterval() time.Duration
}

// ConnectionMonitor reports the health of a long-lived broker connection.
type ConnectionMonitor interface {
	// Healthy reports whether the connection is currently usable.
	Healthy() bool
	// Lost is closed once the connection drops. It never reopens.
	Lost() <-chan struct{}
	// Watch polls the connection until ctx is done or the connection drops.
	Watch(ctx context.Context) error
}

// DeadLetterForwarder moves a rejected delivery to the dead-letter routing
// key for transports without broker-side dead-lettering.
type DeadLetterForwarder interface {
	Forward(deadLetterRoutingKey string, msg *message.Message) error
}

// DLQManager inspects and drains the dead-letter queue paired with a main queue.
type DLQManager interface {
	// Count returns the number of messages waiting in the dead-letter queue.
	Count(ctx context.Context, queue string) (int, error)
	// Replay moves up to limit messages back onto the main exchange under
	// their original routing key. A limit of zero replays everything.
	Replay(ctx context.Context, queue string, limit int) (int, error)
	// Purge drops every message in the dead-letter queue.
	Purge(ctx context.Context, queue string) (int, error)
}

// Close releases the publisher, the subscriber and then the connection.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			firstErr = err
		}
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.Connection != nil {
		if err := t.Connection.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
