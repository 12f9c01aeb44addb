package creditflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterConsumerRequiresService(t *testing.T) {
	err := RegisterConsumer[*ClientCreated](nil, ConsumerRegistration[*ClientCreated]{})
	assert.True(t, errors.Is(err, ErrServiceRequired), "got %v", err)
}

func TestBuildJSONProcessorRequiresProcessor(t *testing.T) {
	_, err := BuildJSONProcessor[*ProposalApproved](nil)
	assert.ErrorIs(t, err, ErrProcessorRequired)
}

func TestResultExports(t *testing.T) {
	assert.Equal(t, OutcomeCompleted, Complete().Outcome)
	assert.Equal(t, OutcomeDropped, Drop(nil).Outcome)
	assert.Equal(t, OutcomeMalformed, Malformed(nil).Outcome)
	assert.Equal(t, OutcomeFailed, Fail(nil).Outcome)
}

func TestLoaderExports(t *testing.T) {
	cfg, err := LoadConfigFrom(map[string]string{"CREDITFLOW_PUBSUB": "channel"})
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))
	assert.Equal(t, "channel", cfg.PubSubSystem)

	logger, err := NewLogger(LoggerOptions{Level: "debug"})
	require.NoError(t, err)
	logger.Info("boot", LogFields{"component": "test"})
	DiscardLogger().Info("dropped", nil)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	data, err := Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestTopologyExports(t *testing.T) {
	table := DefaultTopology()
	b, ok := table.ByRoutingKey(RoutingKeyProposalApproved)
	require.True(t, ok)
	assert.Equal(t, QueueCardIssue, b.Queue)
	assert.Equal(t, Exchange, b.Exchange)

	_, ok = table.ByRoutingKey(RoutingKeyProposalRejected)
	assert.False(t, ok)
}

func TestCorrelationExports(t *testing.T) {
	id := CreateULID()
	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, CorrelationIDFromCtx(ctx))
}
