package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

func newTestSupervisor(retries int) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Retries:          retries,
		Backoff:          time.Millisecond,
		LivenessInterval: 5 * time.Millisecond,
	}, watermill.NopLogger{})
}

func TestSupervisorConnectRetriesTransientFailures(t *testing.T) {
	stubFactories(t)

	calls := 0
	want := &amqp.ConnectionWrapper{}
	ConnectionFactory = func(amqp.ConnectionConfig, watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return want, nil
	}

	s := newTestSupervisor(5)
	conn, err := s.Connect(context.Background())

	require.NoError(t, err)
	assert.Same(t, want, conn)
	assert.Equal(t, 3, calls)
	assert.True(t, s.Healthy())
}

func TestSupervisorConnectStopsOnAccessRefused(t *testing.T) {
	stubFactories(t)

	calls := 0
	ConnectionFactory = func(amqp.ConnectionConfig, watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		calls++
		return nil, &amqp091.Error{Code: amqp091.AccessRefused, Reason: "ACCESS_REFUSED"}
	}

	s := newTestSupervisor(5)
	_, err := s.Connect(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NotErrorIs(t, err, errspkg.ErrConnectRetriesExhausted)
	var amqpErr *amqp091.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp091.AccessRefused, amqpErr.Code)
	assert.False(t, s.Healthy())
}

func TestSupervisorConnectHonoursContext(t *testing.T) {
	stubFactories(t)

	ctx, cancel := context.WithCancel(context.Background())
	ConnectionFactory = func(amqp.ConnectionConfig, watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		cancel()
		return nil, errors.New("connection refused")
	}

	s := NewSupervisor(SupervisorConfig{Retries: 5, Backoff: time.Second}, watermill.NopLogger{})
	start := time.Now()
	_, err := s.Connect(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSupervisorWatchReportsLoss(t *testing.T) {
	conn := &fakeLiveConnection{}
	conn.connected.Store(true)

	s := newTestSupervisor(0)
	s.conn = conn
	s.healthy.Store(true)

	done := make(chan error, 1)
	go func() { done <- s.Watch(context.Background()) }()

	conn.connected.Store(false)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("watch did not observe the lost connection")
	}

	assert.False(t, s.Healthy())
	select {
	case <-s.Lost():
	default:
		t.Fatal("lost channel should be closed")
	}
}

func TestSupervisorWatchReportsTransientDrop(t *testing.T) {
	conn := &fakeLiveConnection{}
	conn.connected.Store(true)
	notifier := &fakeCloseNotifier{}

	s := NewSupervisor(SupervisorConfig{LivenessInterval: time.Hour}, watermill.NopLogger{})
	s.conn = conn
	s.closed = notifyClose(notifier)
	s.healthy.Store(true)

	done := make(chan error, 1)
	go func() { done <- s.Watch(context.Background()) }()

	// The wrapper reconnects well inside one polling interval.
	conn.connected.Store(false)
	notifier.fire(&amqp091.Error{Code: amqp091.ConnectionForced, Reason: "CONNECTION_FORCED"})
	conn.connected.Store(true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("watch did not observe the dropped connection")
	}
	assert.False(t, s.Healthy())
	select {
	case <-s.Lost():
	default:
		t.Fatal("lost channel should be closed")
	}
}

func TestSupervisorWatchIgnoresOwnClose(t *testing.T) {
	conn := &fakeLiveConnection{}
	conn.connected.Store(true)
	notifier := &fakeCloseNotifier{}

	s := NewSupervisor(SupervisorConfig{LivenessInterval: time.Hour}, watermill.NopLogger{})
	s.conn = conn
	s.closed = notifyClose(notifier)
	s.healthy.Store(true)

	done := make(chan error, 1)
	go func() { done <- s.Watch(context.Background()) }()

	require.NoError(t, s.Close())
	notifier.closeAll()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not return after close")
	}
	select {
	case <-s.Lost():
		t.Fatal("lost channel should stay open")
	default:
	}
}

func TestSupervisorConnectBackoffDoubles(t *testing.T) {
	stubFactories(t)

	ConnectionFactory = func(amqp.ConnectionConfig, watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	logger := watermill.NewCaptureLogger()
	s := NewSupervisor(SupervisorConfig{Retries: 5, Backoff: time.Millisecond}, logger)
	_, err := s.Connect(context.Background())
	require.ErrorIs(t, err, errspkg.ErrConnectRetriesExhausted)

	var waits []string
	for _, msg := range logger.Captured()[watermill.ErrorLogLevel] {
		if msg.Msg == "Broker connection failed, retrying" {
			waits = append(waits, msg.Fields["retry_in"].(string))
		}
	}
	assert.Equal(t, []string{"1ms", "2ms", "4ms", "8ms", "16ms"}, waits)
}

func TestSupervisorWatchStopsWithContext(t *testing.T) {
	conn := &fakeLiveConnection{}
	conn.connected.Store(true)

	s := newTestSupervisor(0)
	s.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Watch(ctx))
	select {
	case <-s.Lost():
		t.Fatal("lost channel should stay open")
	default:
	}
}

func TestSupervisorWatchRequiresConnection(t *testing.T) {
	s := newTestSupervisor(0)
	assert.Error(t, s.Watch(context.Background()))
}

func TestSupervisorClose(t *testing.T) {
	conn := &fakeLiveConnection{}
	s := newTestSupervisor(0)
	s.conn = conn
	s.healthy.Store(true)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), conn.closed.Load())
	assert.False(t, s.Healthy())
}

type fakeLiveConnection struct {
	connected atomic.Bool
	closed    atomic.Int32
}

func (f *fakeLiveConnection) IsConnected() bool { return f.connected.Load() }

func (f *fakeLiveConnection) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeCloseNotifier struct {
	mu        sync.Mutex
	receivers []chan *amqp091.Error
}

func (f *fakeCloseNotifier) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receivers = append(f.receivers, receiver)
	return receiver
}

func (f *fakeCloseNotifier) fire(err *amqp091.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.receivers {
		r <- err
		close(r)
	}
	f.receivers = nil
}

func (f *fakeCloseNotifier) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.receivers {
		close(r)
	}
	f.receivers = nil
}
