package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/runtime/topology"
	"github.com/drblury/creditflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.RequiresDLQEmulation())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with default factory", func(t *testing.T) {
		tr, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})

		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.NotNil(t, tr.DeadLetters)
		assert.NotNil(t, tr.DLQ)
		assert.Nil(t, tr.Monitor)
		require.NoError(t, tr.Close())
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		t.Cleanup(func() { Factory = originalFactory })

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			return mockPub, mockSub
		}

		tr, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})
}

func TestForwarderPublishesCopyToDeadLetterKey(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dlq, err := pubSub.Subscribe(ctx, "client.created.dlq")
	require.NoError(t, err)

	original := message.NewMessage("m-1", []byte(`{"broken"`))
	original.Metadata.Set("dead_letter_reason", "malformed")

	require.NoError(t, NewForwarder(pubSub).Forward("client.created.dlq", original))

	select {
	case got := <-dlq:
		assert.Equal(t, "m-1", got.UUID)
		assert.Equal(t, `{"broken"`, string(got.Payload))
		assert.Equal(t, "malformed", got.Metadata.Get("dead_letter_reason"))
		got.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter was not forwarded")
	}
}

func TestForwarderWithoutPublisher(t *testing.T) {
	assert.Error(t, (&Forwarder{}).Forward("x.dlq", message.NewMessage("m", nil)))
}

type mockConfig struct{}

func (m *mockConfig) GetPubSubSystem() string            { return "channel" }
func (m *mockConfig) GetRabbitMQURL() string             { return "" }
func (m *mockConfig) GetConnectRetries() int             { return 0 }
func (m *mockConfig) GetConnectBackoff() time.Duration   { return time.Millisecond }
func (m *mockConfig) GetLivenessInterval() time.Duration { return time.Millisecond }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func TestDLQCountReplayPurge(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	replayed, err := pubSub.Subscribe(ctx, "client.created")
	require.NoError(t, err)

	forwarder := NewForwarder(pubSub)
	dlq := NewDLQ(pubSub, forwarder, topology.Default())

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		msg := message.NewMessage(id, []byte(`{}`))
		msg.Metadata.Set("dead_letter_reason", "failed")
		msg.Metadata.Set("original_routing_key", "client.created")
		require.NoError(t, forwarder.Forward("client.created.dlq", msg))
	}

	n, err := dlq.Count(ctx, "proposal.analyze")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = dlq.Replay(ctx, "proposal.analyze", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []string
	for range 2 {
		select {
		case msg := <-replayed:
			got = append(got, msg.UUID)
			assert.Empty(t, msg.Metadata.Get("dead_letter_reason"))
			assert.Equal(t, "client.created", msg.Metadata.Get("original_routing_key"))
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("replayed message not delivered")
		}
	}
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, got)

	n, err = dlq.Purge(ctx, "proposal.analyze")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dlq.Count(ctx, "proposal.analyze")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQUnknownQueue(t *testing.T) {
	dlq := NewDLQ(&mockPublisher{}, NewForwarder(&mockPublisher{}), topology.Default())

	_, err := dlq.Count(context.Background(), "unknown")
	assert.Error(t, err)
}
