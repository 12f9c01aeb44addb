package card

import (
	"context"
	"fmt"

	"github.com/drblury/creditflow/internal/events"
	handlerpkg "github.com/drblury/creditflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/storage"
)

// BucketName is the storage bucket holding cards.
const BucketName = "cards"

// Store is the persistence the processor needs.
type Store interface {
	Create(ctx context.Context, c Card) error
	CreateMany(ctx context.Context, cards []Card) error
	FindBy(ctx context.Context, index, value string) ([]Card, error)
}

// NewStore binds the cards bucket of d.
func NewStore(d storage.Driver) *storage.Collection[Card] {
	return storage.NewCollection[Card](d, BucketName)
}

// Processor handles proposal.approved deliveries.
type Processor struct {
	store     Store
	generator *Generator
	logger    loggingpkg.ServiceLogger
}

var _ handlerpkg.Processor[*events.ProposalApproved] = (*Processor)(nil)

// NewProcessor uses a default Generator when generator is nil.
func NewProcessor(store Store, generator *Generator, logger loggingpkg.ServiceLogger) *Processor {
	if generator == nil {
		generator = &Generator{}
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Processor{store: store, generator: generator, logger: logger}
}

// Process issues the approved cards. A single card goes through Create and
// several through one CreateMany, never both. Every failure dead-letters the
// delivery; a proposal that already has cards completes without writes.
func (p *Processor) Process(ctx context.Context, evt *events.ProposalApproved) handlerpkg.Result {
	if err := evt.CheckIdentity(); err != nil {
		return handlerpkg.Malformed(err)
	}
	if err := Validate(evt); err != nil {
		return handlerpkg.Fail(err)
	}

	existing, err := p.store.FindBy(ctx, IndexProposalID, evt.ProposalID.String())
	if err != nil {
		return handlerpkg.Fail(fmt.Errorf("lookup cards: %w", err))
	}
	if len(existing) > 0 {
		p.logger.Info("Cards already issued for proposal", loggingpkg.Merge(evt.LogFields(), loggingpkg.LogFields{
			"issued": len(existing),
		}))
		return handlerpkg.Complete()
	}

	cards, err := p.generator.Issue(evt)
	if err != nil {
		return handlerpkg.Fail(err)
	}
	if len(cards) == 1 {
		err = p.store.Create(ctx, cards[0])
	} else {
		err = p.store.CreateMany(ctx, cards)
	}
	if err != nil {
		return handlerpkg.Fail(fmt.Errorf("store cards: %w", err))
	}

	for _, c := range cards {
		p.logger.Info("Card issued", loggingpkg.LogFields{
			"card_id":     c.ID.String(),
			"proposal_id": c.ProposalID.String(),
			"client_id":   c.ClientID.String(),
			"last_four":   c.LastFour(),
			"expires_at":  c.ExpiresAt.Format("2006-01"),
		})
	}
	return handlerpkg.Complete().WithFields(loggingpkg.LogFields{"issued": len(cards)})
}
