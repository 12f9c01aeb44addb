// Package topology declares the broker objects each consuming stage needs:
// the shared direct exchange, its dead-letter exchange, the work queue and
// the dead-letter queue, bound by routing key.
package topology

import (
	"errors"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/creditflow/internal/events"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
)

const (
	// Exchange is the shared direct exchange every stage publishes to.
	Exchange = "clients_exchange"

	// Queue names of the consuming stages.
	QueueProposalAnalyze = "proposal.analyze"
	QueueCardIssue       = "card.issue"

	exchangeKind = amqp091.ExchangeDirect

	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// Binding names one work queue and its dead-letter pair.
type Binding struct {
	Exchange             string
	DeadLetterExchange   string
	Queue                string
	DeadLetterQueue      string
	RoutingKey           string
	DeadLetterRoutingKey string
}

// NewBinding derives the dead-letter names from the main ones:
// <exchange>.dlx, <queue>.dlq and <routingKey>.dlq.
func NewBinding(exchange, queue, routingKey string) Binding {
	return Binding{
		Exchange:             exchange,
		DeadLetterExchange:   exchange + ".dlx",
		Queue:                queue,
		DeadLetterQueue:      queue + ".dlq",
		RoutingKey:           routingKey,
		DeadLetterRoutingKey: routingKey + ".dlq",
	}
}

// Validate reports missing names.
func (b Binding) Validate() error {
	var errs []error
	for field, value := range map[string]string{
		"exchange":                b.Exchange,
		"dead-letter exchange":    b.DeadLetterExchange,
		"queue":                   b.Queue,
		"dead-letter queue":       b.DeadLetterQueue,
		"routing key":             b.RoutingKey,
		"dead-letter routing key": b.DeadLetterRoutingKey,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("topology: %s is required", field))
		}
	}
	return errors.Join(errs...)
}

// QueueArgs are the arguments the main queue is declared with.
func (b Binding) QueueArgs() amqp091.Table {
	return amqp091.Table{
		argDeadLetterExchange:   b.DeadLetterExchange,
		argDeadLetterRoutingKey: b.DeadLetterRoutingKey,
	}
}

// LogFields describes the binding for logs.
func (b Binding) LogFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"exchange":    b.Exchange,
		"queue":       b.Queue,
		"routing_key": b.RoutingKey,
		"dlq":         b.DeadLetterQueue,
	}
}

// Table is the set of bindings a deployment declares. It maps routing keys
// to queues for the transports.
type Table []Binding

// Default is the fixed pipeline topology.
func Default() Table {
	return Table{
		NewBinding(Exchange, QueueProposalAnalyze, events.RoutingKeyClientCreated),
		NewBinding(Exchange, QueueCardIssue, events.RoutingKeyProposalApproved),
	}
}

// ByRoutingKey returns the binding consuming routingKey.
func (t Table) ByRoutingKey(routingKey string) (Binding, bool) {
	for _, b := range t {
		if b.RoutingKey == routingKey {
			return b, true
		}
	}
	return Binding{}, false
}

// ByQueue returns the binding whose main queue is named queue.
func (t Table) ByQueue(queue string) (Binding, bool) {
	for _, b := range t {
		if b.Queue == queue {
			return b, true
		}
	}
	return Binding{}, false
}

// QueueName maps a routing key to its queue name. Unknown keys map to
// themselves so ad-hoc subscriptions keep working.
func (t Table) QueueName(routingKey string) string {
	if b, ok := t.ByRoutingKey(routingKey); ok {
		return b.Queue
	}
	return routingKey
}

// Declarer is the subset of *amqp091.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
}

// Manager declares bindings. Declares are idempotent on the broker; a
// conflicting existing object fails with ErrTopologyMismatch.
type Manager struct {
	logger loggingpkg.ServiceLogger
}

// NewManager returns a Manager logging through logger.
func NewManager(logger loggingpkg.ServiceLogger) *Manager {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Manager{logger: logger}
}

// DeclareExchange declares a durable direct exchange.
func (m *Manager) DeclareExchange(ch Declarer, name string) error {
	if err := ch.ExchangeDeclare(name, exchangeKind, true, false, false, false, nil); err != nil {
		return classify(fmt.Sprintf("declare exchange %s", name), err)
	}
	return nil
}

// Declare creates the main exchange, the dead-letter exchange and queue,
// then the main queue with its dead-letter arguments, and binds both queues.
func (m *Manager) Declare(ch Declarer, b Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}

	if err := m.DeclareExchange(ch, b.Exchange); err != nil {
		return err
	}
	if err := m.DeclareExchange(ch, b.DeadLetterExchange); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(b.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return classify(fmt.Sprintf("declare queue %s", b.DeadLetterQueue), err)
	}
	if err := ch.QueueBind(b.DeadLetterQueue, b.DeadLetterRoutingKey, b.DeadLetterExchange, false, nil); err != nil {
		return classify(fmt.Sprintf("bind queue %s", b.DeadLetterQueue), err)
	}

	if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, b.QueueArgs()); err != nil {
		return classify(fmt.Sprintf("declare queue %s", b.Queue), err)
	}
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
		return classify(fmt.Sprintf("bind queue %s", b.Queue), err)
	}

	m.logger.Debug("Topology declared", b.LogFields())
	return nil
}

// DeclareAll declares every binding in t.
func (m *Manager) DeclareAll(ch Declarer, t Table) error {
	for _, b := range t {
		if err := m.Declare(ch, b); err != nil {
			return err
		}
	}
	return nil
}

func classify(op string, err error) error {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.PreconditionFailed {
		return fmt.Errorf("%s: %w: %s", op, errspkg.ErrTopologyMismatch, amqpErr.Reason)
	}
	return fmt.Errorf("%s: %w", op, err)
}
