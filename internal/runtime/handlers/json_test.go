package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/events"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

type recordingProcessor struct {
	calls  int
	last   *events.ClientCreated
	result Result
}

func (p *recordingProcessor) Process(_ context.Context, evt *events.ClientCreated) Result {
	p.calls++
	p.last = evt
	return p.result
}

func TestBuildJSONProcessorDecodes(t *testing.T) {
	proc := &recordingProcessor{result: Complete()}
	fn, err := BuildJSONProcessor[*events.ClientCreated](proc)
	require.NoError(t, err)

	id := uuid.New()
	res := fn(message.NewMessage("m-1", []byte(`{"clientId":"`+id.String()+`","name":"Ana","identifier":"111.222.333-44","email":"a@b.com","extra":1}`)))

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, proc.calls)
	assert.Equal(t, id, proc.last.ClientID)
	assert.Equal(t, "111.222.333-44", proc.last.Identifier)
	assert.Equal(t, id.String(), res.Fields["client_id"])
}

func TestBuildJSONProcessorMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty payload", ""},
		{"invalid json", `{"clientId":`},
		{"wrong shape", `["not","an","object"]`},
		{"null", `null`},
		{"missing identity", `{"name":"Ana","identifier":"11122233344","email":"a@b.com"}`},
		{"empty identity", `{"clientId":"","name":"Ana"}`},
		{"nil uuid identity", `{"clientId":"00000000-0000-0000-0000-000000000000"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &recordingProcessor{result: Complete()}
			fn, err := BuildJSONProcessor[*events.ClientCreated](proc)
			require.NoError(t, err)

			res := fn(message.NewMessage("m-1", []byte(tt.payload)))
			assert.Equal(t, OutcomeMalformed, res.Outcome)
			assert.Error(t, res.Err)
			assert.Zero(t, proc.calls, "processor must not run for malformed deliveries")
		})
	}
}

func TestBuildJSONProcessorPassesOutcome(t *testing.T) {
	boom := errors.New("store down")
	proc := &recordingProcessor{result: Fail(boom)}
	fn, err := BuildJSONProcessor[*events.ClientCreated](proc)
	require.NoError(t, err)

	res := fn(message.NewMessage("m-1", []byte(`{"clientId":"`+uuid.NewString()+`"}`)))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
}

func TestBuildJSONProcessorRequiresProcessor(t *testing.T) {
	_, err := BuildJSONProcessor[*events.ClientCreated](nil)
	assert.ErrorIs(t, err, errspkg.ErrProcessorRequired)
}

func TestProcessorFunc(t *testing.T) {
	var got string
	fn, err := BuildJSONProcessor[*events.ProposalRejected](ProcessorFunc[*events.ProposalRejected](
		func(_ context.Context, evt *events.ProposalRejected) Result {
			got = evt.Reason()
			return Drop(errors.New("nothing to do"))
		}))
	require.NoError(t, err)

	res := fn(message.NewMessage("m-1", []byte(`{"proposalId":"`+uuid.NewString()+`","clientId":"`+uuid.NewString()+`"}`)))
	assert.Equal(t, OutcomeDropped, res.Outcome)
	assert.Equal(t, events.DefaultRejectionReason, got)
}

func TestOutcome(t *testing.T) {
	assert.False(t, OutcomeCompleted.DeadLetters())
	assert.False(t, OutcomeDropped.DeadLetters())
	assert.True(t, OutcomeMalformed.DeadLetters())
	assert.True(t, OutcomeFailed.DeadLetters())

	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "dropped", OutcomeDropped.String())
	assert.Equal(t, "malformed", OutcomeMalformed.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}

func TestResultWithFields(t *testing.T) {
	base := Fail(errors.New("x")).WithFields(map[string]any{"a": 1})
	merged := base.WithFields(map[string]any{"b": 2})

	assert.Len(t, base.Fields, 1)
	assert.Equal(t, 1, merged.Fields["a"])
	assert.Equal(t, 2, merged.Fields["b"])
	assert.Equal(t, base, base.WithFields(nil))
}
