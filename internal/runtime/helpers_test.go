package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	transportpkg "github.com/drblury/creditflow/transport"
	channeltransport "github.com/drblury/creditflow/transport/channel"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.Discard()
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:   channeltransport.TransportName,
		Store:          configpkg.StoreMemory,
		MetricsEnabled: true,
	}
}

type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.published = append(p.published, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.topics))
	copy(clone, p.topics)
	return clone
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]*message.Message, len(p.published))
	copy(clone, p.published)
	return clone
}

// testSubscriber hands out one channel per topic. Tests push deliveries with send.
type testSubscriber struct {
	mu       sync.Mutex
	channels map[string]chan *message.Message
	err      error
}

func (s *testSubscriber) channel(topic string) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]chan *message.Message)
	}
	ch, ok := s.channels[topic]
	if !ok {
		ch = make(chan *message.Message)
		s.channels[topic] = ch
	}
	return ch
}

func (s *testSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.channel(topic), nil
}

func (s *testSubscriber) send(topic string, msg *message.Message) {
	s.channel(topic) <- msg
}

func (s *testSubscriber) Close() error { return nil }

type testMonitor struct {
	mu      sync.Mutex
	healthy bool
	lost    chan struct{}
}

func newTestMonitor() *testMonitor {
	return &testMonitor{healthy: true, lost: make(chan struct{})}
}

func (m *testMonitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *testMonitor) Lost() <-chan struct{} { return m.lost }

func (m *testMonitor) Watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-m.lost:
		return errspkg.ErrConnectionLost
	}
}

func (m *testMonitor) drop() {
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
	close(m.lost)
}

func newChannelTransport(t *testing.T) *transportpkg.Transport {
	t.Helper()
	tr, err := channeltransport.Build(context.Background(), newTestConfig(), loggingpkg.NewWatermillAdapter(newTestLogger()))
	require.NoError(t, err)
	tr.Capabilities = transportpkg.ChannelCapabilities
	return &tr
}

// newTestService builds a Service over the in-process transport unless deps
// carries one. Metrics go to a private registry.
func newTestService(t *testing.T, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Transport == nil {
		deps.Transport = newChannelTransport(t)
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), newTestConfig(), newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// runService starts svc and waits until its consumers are subscribed. The
// returned function cancels it and returns the Start error.
func runService(t *testing.T, svc *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("service stopped before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("service did not become ready")
	}

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				stopErr = errors.New("service did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// gatheredValue returns the value of the first sample of name whose labels
// include labels. Histograms report their sample count. Missing series are 0.
func gatheredValue(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := gatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for key, want := range labels {
		found := false
		for _, pair := range metric.GetLabel() {
			if pair.GetName() == key && pair.GetValue() == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func newDelivery(payload string) *message.Message {
	msg := message.NewMessage("01HZX3K6Q9W8V7T6S5R4P3N2M1", []byte(payload))
	msg.SetContext(context.Background())
	return msg
}

// waitSettled reports whether msg was acked or nacked within a second.
func waitSettled(t *testing.T, msg *message.Message) string {
	t.Helper()
	select {
	case <-msg.Acked():
		return "ack"
	case <-msg.Nacked():
		return "nack"
	case <-time.After(time.Second):
		t.Fatal("delivery was not settled")
		return ""
	}
}
