package proposal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/creditflow/internal/events"
	"github.com/drblury/creditflow/internal/runtime"
	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/storage"
)

// BucketName is the storage bucket holding proposals.
const BucketName = "proposals"

// Store is the persistence the processor needs.
type Store interface {
	Create(ctx context.Context, p Proposal) error
	Update(ctx context.Context, p Proposal) error
	FindBy(ctx context.Context, index, value string) ([]Proposal, error)
}

// NewStore binds the proposals bucket of d.
func NewStore(d storage.Driver) *storage.Collection[Proposal] {
	return storage.NewCollection[Proposal](d, BucketName)
}

// Processor handles client.created deliveries.
type Processor struct {
	store    Store
	producer runtime.Producer
	scorer   Scorer
	logger   loggingpkg.ServiceLogger

	now   func() time.Time
	newID func() uuid.UUID
}

var _ handlerpkg.Processor[*events.ClientCreated] = (*Processor)(nil)

// NewProcessor uses NewBandScorer when scorer is nil.
func NewProcessor(store Store, producer runtime.Producer, scorer Scorer, logger loggingpkg.ServiceLogger) *Processor {
	if scorer == nil {
		scorer = NewBandScorer()
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Processor{
		store:    store,
		producer: producer,
		scorer:   scorer,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// Process creates (or resumes) the client's proposal, scores it and
// publishes exactly one decision.
//
// Invalid client data is dropped without touching the store. A failed
// create or publish fails the delivery. A failed update after scoring is
// only logged, so the published decision can be ahead of the stored one.
func (p *Processor) Process(ctx context.Context, evt *events.ClientCreated) handlerpkg.Result {
	fields := evt.LogFields()

	prop, res, ok := p.load(ctx, evt)
	if !ok {
		return res.WithFields(fields)
	}
	fields["proposal_id"] = prop.ID.String()

	if prop.Evaluate(p.scorer, p.now()) {
		fields = loggingpkg.Merge(fields, scoreFields(prop))
		if err := p.store.Update(ctx, prop); err != nil {
			p.logger.Error("Failed to store scored proposal", err, fields)
		}
	}

	routingKey, decision, ok := prop.Decision()
	if !ok {
		return handlerpkg.Fail(fmt.Errorf("proposal %s left pending after scoring", prop.ID)).WithFields(fields)
	}
	if err := p.producer.Publish(ctx, routingKey, decision); err != nil {
		return handlerpkg.Fail(err).WithFields(fields)
	}

	p.logger.Info("Proposal decided", loggingpkg.Merge(fields, loggingpkg.LogFields{"status": string(prop.Status)}))
	return handlerpkg.Complete().WithFields(fields)
}

// load resumes the proposal already created for the client, if any, so a
// redelivery never creates a second one. ok is false when res settles the
// delivery.
func (p *Processor) load(ctx context.Context, evt *events.ClientCreated) (prop Proposal, res handlerpkg.Result, ok bool) {
	candidate, err := New(p.newID(), evt, p.now())
	if err != nil {
		return Proposal{}, handlerpkg.Drop(err), false
	}

	existing, err := p.store.FindBy(ctx, IndexClientID, evt.ClientID.String())
	if err != nil {
		return Proposal{}, handlerpkg.Fail(fmt.Errorf("lookup proposals: %w", err)), false
	}
	if len(existing) > 0 {
		prop = existing[0]
		p.logger.Info("Resuming existing proposal", loggingpkg.LogFields{
			"client_id":   evt.ClientID.String(),
			"proposal_id": prop.ID.String(),
			"status":      string(prop.Status),
		})
		return prop, handlerpkg.Result{}, true
	}

	if err := p.store.Create(ctx, candidate); err != nil {
		return Proposal{}, handlerpkg.Fail(fmt.Errorf("store proposal: %w", err)), false
	}
	return candidate, handlerpkg.Result{}, true
}

func scoreFields(p Proposal) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{"status": string(p.Status)}
	if p.Score != nil {
		fields["score"] = *p.Score
	}
	if p.ApprovedLimit != nil {
		fields["approved_limit"] = p.ApprovedLimit.String()
		fields["instrument_count"] = p.InstrumentCount
	}
	return fields
}
