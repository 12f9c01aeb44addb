package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/cenkalti/backoff/v5"
	amqp091 "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

// liveConnection is the part of *amqp.ConnectionWrapper the supervisor needs
// after connecting.
type liveConnection interface {
	IsConnected() bool
	Close() error
}

// closeNotifier is satisfied by *amqp091.Connection.
type closeNotifier interface {
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
}

// SupervisorConfig tunes startup retries and runtime liveness polling.
type SupervisorConfig struct {
	Connection amqp.ConnectionConfig
	// Retries is the number of reconnect attempts after the first dial.
	Retries int
	// Backoff is the delay before the first retry; later delays double.
	Backoff time.Duration
	// LivenessInterval is the polling period of Watch. Close notifications
	// from the broker are observed immediately.
	LivenessInterval time.Duration
}

// Supervisor opens the broker connection with bounded exponential backoff and
// reports its loss at runtime. Lost connections are not re-established here:
// the owning process is expected to exit and be restarted.
type Supervisor struct {
	cfg    SupervisorConfig
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	conn   liveConnection
	closed <-chan *amqp091.Error

	healthy  atomic.Bool
	closing  atomic.Bool
	lost     chan struct{}
	lostOnce sync.Once
}

// NewSupervisor returns a Supervisor that dials with ConnectionFactory.
func NewSupervisor(cfg SupervisorConfig, logger watermill.LoggerAdapter) *Supervisor {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = time.Second
	}
	return &Supervisor{cfg: cfg, logger: logger, lost: make(chan struct{})}
}

// Connect dials the broker, retrying transient failures. Authentication
// refusals and context cancellation end the attempts immediately.
func (s *Supervisor) Connect(ctx context.Context) (*amqp.ConnectionWrapper, error) {
	attempt := 0
	op := func() (*amqp.ConnectionWrapper, error) {
		attempt++
		conn, err := ConnectionFactory(s.cfg.Connection, s.logger)
		if err == nil {
			return conn, nil
		}
		if isPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	retries := max(s.cfg.Retries, 0)
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.Backoff << retries,
	}

	conn, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Error("Broker connection failed, retrying", err, watermill.LogFields{
				"attempt": attempt,
				"retry_in": wait.String(),
			})
		}),
	)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isPermanent(err):
			return nil, fmt.Errorf("connect to broker: %w", err)
		default:
			return nil, fmt.Errorf("%w after %d attempts: %w", errspkg.ErrConnectRetriesExhausted, attempt, err)
		}
	}

	var closed <-chan *amqp091.Error
	if raw := conn.Connection(); raw != nil {
		closed = notifyClose(raw)
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = closed
	s.mu.Unlock()
	s.healthy.Store(true)

	s.logger.Info("Broker connection established", watermill.LogFields{"attempts": attempt})
	return conn, nil
}

// Healthy reports whether the connection is open and has not been lost.
func (s *Supervisor) Healthy() bool {
	return s.healthy.Load()
}

// Lost is closed once Watch observes the connection drop.
func (s *Supervisor) Lost() <-chan struct{} {
	return s.lost
}

// Watch blocks until ctx is done or the connection drops, in which case it
// returns ErrConnectionLost. A close notification counts as a loss even when
// the connection wrapper has already reconnected.
func (s *Supervisor) Watch(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if conn == nil {
		return errors.New("rabbitmq: supervisor is not connected")
	}

	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if s.closing.Load() {
				return nil
			}
			fields := watermill.LogFields{"detected_by": "close_notification"}
			if ok && amqpErr != nil {
				fields["amqp_code"] = amqpErr.Code
				fields["amqp_reason"] = amqpErr.Reason
			}
			return s.lose(fields)
		case <-ticker.C:
			if conn.IsConnected() {
				continue
			}
			return s.lose(watermill.LogFields{"detected_by": "liveness_poll"})
		}
	}
}

func (s *Supervisor) lose(fields watermill.LogFields) error {
	s.markLost()
	s.logger.Error("Broker connection lost", errspkg.ErrConnectionLost, fields)
	return errspkg.ErrConnectionLost
}

// Close closes the underlying connection.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.closing.Store(true)
	s.healthy.Store(false)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func notifyClose(conn closeNotifier) <-chan *amqp091.Error {
	return conn.NotifyClose(make(chan *amqp091.Error, 1))
}

func (s *Supervisor) markLost() {
	s.healthy.Store(false)
	s.lostOnce.Do(func() { close(s.lost) })
}

func isPermanent(err error) bool {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp091.AccessRefused || amqpErr.Code == amqp091.NotAllowed
	}
	return false
}
