package proposal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/events"
	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	"github.com/drblury/creditflow/internal/storage/memory"
)

var errBoom = errors.New("boom")

type publishedEvent struct {
	routingKey string
	event      events.Event
}

type fakeProducer struct {
	mu        sync.Mutex
	published []publishedEvent
	err       error
}

func (p *fakeProducer) Publish(_ context.Context, routingKey string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedEvent{routingKey, event})
	return nil
}

// recordingStore counts writes and can fail any of them.
type recordingStore struct {
	Store
	creates, updates     int
	createErr, updateErr error
	findErr              error
}

func (s *recordingStore) Create(ctx context.Context, p Proposal) error {
	s.creates++
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.Create(ctx, p)
}

func (s *recordingStore) Update(ctx context.Context, p Proposal) error {
	s.updates++
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.Update(ctx, p)
}

func (s *recordingStore) FindBy(ctx context.Context, index, value string) ([]Proposal, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindBy(ctx, index, value)
}

func newTestProcessor(score int) (*Processor, *recordingStore, *fakeProducer) {
	store := &recordingStore{Store: NewStore(memory.New())}
	producer := &fakeProducer{}
	p := NewProcessor(store, producer, constantScore(score), nil)
	p.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return p, store, producer
}

func storedProposals(t *testing.T, store *recordingStore, clientID uuid.UUID) []Proposal {
	t.Helper()
	found, err := store.Store.FindBy(context.Background(), IndexClientID, clientID.String())
	require.NoError(t, err)
	return found
}

func TestProcessApproves(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	evt := validEvent()

	res := p.Process(context.Background(), evt)
	require.Equal(t, handlerpkg.OutcomeCompleted, res.Outcome, res.Err)
	assert.NotEmpty(t, res.Fields["proposal_id"])

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusApproved, stored[0].Status)
	assert.Equal(t, "11122233344", stored[0].Identifier)
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, 1, store.updates)

	require.Len(t, producer.published, 1)
	assert.Equal(t, events.RoutingKeyProposalApproved, producer.published[0].routingKey)
	approved := producer.published[0].event.(*events.ProposalApproved)
	assert.Equal(t, stored[0].ID, approved.ProposalID)
	assert.True(t, StandardLimit.Equal(approved.ApprovedLimit))
	assert.Equal(t, 1, approved.InstrumentCount)
}

func TestProcessRejects(t *testing.T) {
	p, store, producer := newTestProcessor(50)
	evt := validEvent()

	res := p.Process(context.Background(), evt)
	require.Equal(t, handlerpkg.OutcomeCompleted, res.Outcome, res.Err)

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusRejected, stored[0].Status)

	require.Len(t, producer.published, 1)
	assert.Equal(t, events.RoutingKeyProposalRejected, producer.published[0].routingKey)
	assert.Equal(t, RejectionInsufficientScore, producer.published[0].event.(*events.ProposalRejected).Reason())
}

func TestProcessDropsInvalidClientWithoutWrites(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	evt := validEvent()
	evt.Identifier = "123"

	res := p.Process(context.Background(), evt)
	assert.Equal(t, handlerpkg.OutcomeDropped, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrInvalidClient)
	assert.Equal(t, evt.ClientID.String(), res.Fields["client_id"])
	assert.Zero(t, store.creates)
	assert.Zero(t, store.updates)
	assert.Empty(t, producer.published)
}

func TestProcessCreateFailureFails(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	store.createErr = errBoom

	res := p.Process(context.Background(), validEvent())
	assert.Equal(t, handlerpkg.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Empty(t, producer.published)
}

func TestProcessLookupFailureFails(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	store.findErr = errBoom

	res := p.Process(context.Background(), validEvent())
	assert.Equal(t, handlerpkg.OutcomeFailed, res.Outcome)
	assert.Zero(t, store.creates)
	assert.Empty(t, producer.published)
}

func TestProcessUpdateFailureStillPublishes(t *testing.T) {
	p, store, producer := newTestProcessor(700)
	store.updateErr = errBoom
	evt := validEvent()

	res := p.Process(context.Background(), evt)
	require.Equal(t, handlerpkg.OutcomeCompleted, res.Outcome)

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusPending, stored[0].Status, "stored proposal lags the published decision")

	require.Len(t, producer.published, 1)
	assert.Equal(t, events.RoutingKeyProposalApproved, producer.published[0].routingKey)
}

func TestProcessPublishFailureKeepsProposal(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	producer.err = errBoom
	evt := validEvent()

	res := p.Process(context.Background(), evt)
	assert.Equal(t, handlerpkg.OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, errBoom)

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusApproved, stored[0].Status)
}

func TestProcessRedeliveryResumesExistingProposal(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	producer.err = errBoom
	evt := validEvent()

	require.Equal(t, handlerpkg.OutcomeFailed, p.Process(context.Background(), evt).Outcome)
	first := storedProposals(t, store, evt.ClientID)[0]

	producer.err = nil
	p.scorer = constantScore(10)
	res := p.Process(context.Background(), evt)
	require.Equal(t, handlerpkg.OutcomeCompleted, res.Outcome)

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	assert.Equal(t, first, stored[0])
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, 1, store.updates, "an already scored proposal is not rewritten")

	require.Len(t, producer.published, 1)
	assert.Equal(t, events.RoutingKeyProposalApproved, producer.published[0].routingKey)
	assert.Equal(t, first.ID, producer.published[0].event.(*events.ProposalApproved).ProposalID)
}

func TestProcessRedeliveryScoresPendingProposal(t *testing.T) {
	p, store, producer := newTestProcessor(300)
	store.updateErr = errBoom
	producer.err = errBoom
	evt := validEvent()
	require.Equal(t, handlerpkg.OutcomeFailed, p.Process(context.Background(), evt).Outcome)

	store.updateErr = nil
	producer.err = nil
	require.Equal(t, handlerpkg.OutcomeCompleted, p.Process(context.Background(), evt).Outcome)

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	assert.Equal(t, StatusApproved, stored[0].Status)
	assert.Equal(t, 1, store.creates)
}

func TestProcessRealScorerEndToEnd(t *testing.T) {
	store := &recordingStore{Store: NewStore(memory.New())}
	producer := &fakeProducer{}
	p := NewProcessor(store, producer, nil, nil)
	evt := &events.ClientCreated{ClientID: uuid.New(), Name: "Ana", Identifier: "111.222.333-44", Email: "a@b.com"}

	require.Equal(t, handlerpkg.OutcomeCompleted, p.Process(context.Background(), evt).Outcome)

	stored := storedProposals(t, store, evt.ClientID)
	require.Len(t, stored, 1)
	prop := stored[0]
	assert.Equal(t, "11122233344", prop.Identifier)
	require.NotNil(t, prop.Score)
	assert.GreaterOrEqual(t, *prop.Score, 300)
	assert.Less(t, *prop.Score, 501)
	assert.Equal(t, StatusApproved, prop.Status)
	assert.True(t, StandardLimit.Equal(*prop.ApprovedLimit))

	require.Len(t, producer.published, 1)
	_, isApproved := producer.published[0].event.(*events.ProposalApproved)
	assert.True(t, isApproved)
}
