// Package proposal is the analysis stage: it turns a ClientCreated event into
// a scored credit proposal and announces the decision.
package proposal

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drblury/creditflow/internal/client"
	"github.com/drblury/creditflow/internal/events"
	"github.com/drblury/creditflow/internal/storage"
)

// IndexClientID indexes proposals by owning client.
const IndexClientID = "client_id"

// RejectionInsufficientScore is recorded on proposals scored at or below
// RejectionMaxScore.
const RejectionInsufficientScore = "insufficient score"

// Score tiers. A score of at most RejectionMaxScore is rejected; up to
// StandardMaxScore earns the standard tier and anything above the premium tier.
const (
	RejectionMaxScore = 100
	StandardMaxScore  = 500
)

var (
	StandardLimit       = decimal.NewFromInt(1000)
	StandardInstruments = 1
	PremiumLimit        = decimal.NewFromInt(5000)
	PremiumInstruments  = 2
)

var ErrInvalidClient = errors.New("invalid client data")

// Status is the proposal state. Pending is the only non-terminal state.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

// Proposal snapshots the client attributes at creation and carries the
// scoring decision.
type Proposal struct {
	ID         uuid.UUID `json:"id"`
	ClientID   uuid.UUID `json:"clientId"`
	ClientName string    `json:"clientName"`
	Identifier string    `json:"identifier"`
	Email      string    `json:"email"`

	Status          Status           `json:"status"`
	Score           *int             `json:"score"`
	ApprovedLimit   *decimal.Decimal `json:"approvedLimit"`
	InstrumentCount int              `json:"instrumentCount"`
	RejectionReason *string          `json:"rejectionReason"`

	CreatedAt time.Time  `json:"createdAt"`
	ScoredAt  *time.Time `json:"scoredAt"`
}

func (p Proposal) RecordID() string { return p.ID.String() }

func (p Proposal) Indexes() []storage.Index {
	return []storage.Index{{Name: IndexClientID, Value: p.ClientID.String()}}
}

// New validates the client snapshot carried by evt and returns a pending
// proposal with a normalised identifier.
func New(id uuid.UUID, evt *events.ClientCreated, now time.Time) (Proposal, error) {
	var problems []string
	if evt.ClientID == uuid.Nil {
		problems = append(problems, "clientId is empty")
	}
	if strings.TrimSpace(evt.Name) == "" {
		problems = append(problems, "name is blank")
	}
	if strings.TrimSpace(evt.Email) == "" {
		problems = append(problems, "email is blank")
	}
	identifier, err := client.NormalizeIdentifier(evt.Identifier)
	if strings.TrimSpace(evt.Identifier) == "" {
		problems = append(problems, "identifier is blank")
	} else if err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return Proposal{}, invalidClient(problems)
	}

	return Proposal{
		ID:         id,
		ClientID:   evt.ClientID,
		ClientName: strings.TrimSpace(evt.Name),
		Identifier: identifier,
		Email:      strings.TrimSpace(evt.Email),
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
	}, nil
}

func invalidClient(problems []string) error {
	return &invalidClientError{problems: problems}
}

type invalidClientError struct {
	problems []string
}

func (e *invalidClientError) Error() string {
	return ErrInvalidClient.Error() + ": " + strings.Join(e.problems, ", ")
}

func (e *invalidClientError) Unwrap() error { return ErrInvalidClient }

// Evaluate runs the single scoring transition. On a proposal that has already
// left Pending it changes nothing and returns false.
func (p *Proposal) Evaluate(scorer Scorer, now time.Time) bool {
	if p.Status != StatusPending {
		return false
	}
	score := scorer.Score(p.Identifier)
	scoredAt := now.UTC()
	p.Score = &score
	p.ScoredAt = &scoredAt

	switch {
	case score <= RejectionMaxScore:
		reason := RejectionInsufficientScore
		p.Status = StatusRejected
		p.ApprovedLimit = nil
		p.InstrumentCount = 0
		p.RejectionReason = &reason
	case score <= StandardMaxScore:
		p.approve(StandardLimit, StandardInstruments)
	default:
		p.approve(PremiumLimit, PremiumInstruments)
	}
	return true
}

func (p *Proposal) approve(limit decimal.Decimal, instruments int) {
	p.Status = StatusApproved
	p.ApprovedLimit = &limit
	p.InstrumentCount = instruments
	p.RejectionReason = nil
}

// Decision returns the event announcing the scoring outcome with its routing
// key, or ok=false while the proposal is still pending.
func (p Proposal) Decision() (routingKey string, event events.Event, ok bool) {
	switch p.Status {
	case StatusApproved:
		return events.RoutingKeyProposalApproved, &events.ProposalApproved{
			ProposalID:      p.ID,
			ClientID:        p.ClientID,
			Identifier:      p.Identifier,
			ApprovedLimit:   *p.ApprovedLimit,
			InstrumentCount: p.InstrumentCount,
		}, true
	case StatusRejected:
		reason := ""
		if p.RejectionReason != nil {
			reason = *p.RejectionReason
		}
		return events.RoutingKeyProposalRejected, &events.ProposalRejected{
			ProposalID:      p.ID,
			ClientID:        p.ClientID,
			Identifier:      p.Identifier,
			RejectionReason: reason,
		}, true
	default:
		return "", nil, false
	}
}
