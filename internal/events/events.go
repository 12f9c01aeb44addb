// Package events holds the wire schemas exchanged between pipeline stages.
//
// Payloads are flat UTF-8 JSON records. Field names are part of the contract;
// unknown fields are ignored on read.
package events

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	"github.com/drblury/creditflow/internal/runtime/logging"
)

// Routing keys on the shared exchange.
const (
	RoutingKeyClientCreated    = "client.created"
	RoutingKeyProposalApproved = "proposal.approved"
	RoutingKeyProposalRejected = "proposal.rejected"
)

// DefaultRejectionReason fills a rejection published without a reason.
const DefaultRejectionReason = "reason not specified"

// ErrMissingIdentity is returned by CheckIdentity when a required identity
// field is absent or empty.
var ErrMissingIdentity = errors.New("event identity field missing")

// Event is implemented by every wire schema.
type Event interface {
	// EventType names the schema. It is written to the event_type header.
	EventType() string
	// CheckIdentity reports ErrMissingIdentity when the payload cannot be
	// attributed to an entity.
	CheckIdentity() error
	// LogFields returns the identity fields used to correlate logs and replays.
	LogFields() logging.LogFields
}

// ClientCreated is published by intake once a client passes validation.
type ClientCreated struct {
	ClientID   uuid.UUID `json:"clientId"`
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	Email      string    `json:"email"`
}

func (*ClientCreated) EventType() string { return "ClientCreated" }

func (e *ClientCreated) CheckIdentity() error {
	if e.ClientID == uuid.Nil {
		return fmt.Errorf("%w: clientId", ErrMissingIdentity)
	}
	return nil
}

func (e *ClientCreated) LogFields() logging.LogFields {
	return logging.LogFields{"client_id": e.ClientID.String()}
}

// ProposalApproved is published when scoring approves a proposal.
type ProposalApproved struct {
	ProposalID      uuid.UUID       `json:"proposalId"`
	ClientID        uuid.UUID       `json:"clientId"`
	Identifier      string          `json:"identifier"`
	ApprovedLimit   decimal.Decimal `json:"approvedLimit"`
	InstrumentCount int             `json:"instrumentCount"`
}

// MarshalJSON writes approvedLimit as a bare JSON number.
func (e ProposalApproved) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(struct {
		ProposalID      uuid.UUID  `json:"proposalId"`
		ClientID        uuid.UUID  `json:"clientId"`
		Identifier      string     `json:"identifier"`
		ApprovedLimit   jsonNumber `json:"approvedLimit"`
		InstrumentCount int        `json:"instrumentCount"`
	}{e.ProposalID, e.ClientID, e.Identifier, jsonNumber(e.ApprovedLimit), e.InstrumentCount})
}

func (*ProposalApproved) EventType() string { return "ProposalApproved" }

func (e *ProposalApproved) CheckIdentity() error {
	switch {
	case e.ProposalID == uuid.Nil:
		return fmt.Errorf("%w: proposalId", ErrMissingIdentity)
	case e.ClientID == uuid.Nil:
		return fmt.Errorf("%w: clientId", ErrMissingIdentity)
	}
	return nil
}

func (e *ProposalApproved) LogFields() logging.LogFields {
	return logging.LogFields{
		"proposal_id":      e.ProposalID.String(),
		"client_id":        e.ClientID.String(),
		"approved_limit":   e.ApprovedLimit.String(),
		"instrument_count": e.InstrumentCount,
	}
}

// jsonNumber encodes a decimal without quotes.
type jsonNumber decimal.Decimal

func (n jsonNumber) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(n).String()), nil
}

// ProposalRejected is published when scoring rejects a proposal.
type ProposalRejected struct {
	ProposalID      uuid.UUID `json:"proposalId"`
	ClientID        uuid.UUID `json:"clientId"`
	Identifier      string    `json:"identifier"`
	RejectionReason string    `json:"rejectionReason"`
}

func (*ProposalRejected) EventType() string { return "ProposalRejected" }

func (e *ProposalRejected) CheckIdentity() error {
	switch {
	case e.ProposalID == uuid.Nil:
		return fmt.Errorf("%w: proposalId", ErrMissingIdentity)
	case e.ClientID == uuid.Nil:
		return fmt.Errorf("%w: clientId", ErrMissingIdentity)
	}
	return nil
}

func (e *ProposalRejected) LogFields() logging.LogFields {
	return logging.LogFields{
		"proposal_id": e.ProposalID.String(),
		"client_id":   e.ClientID.String(),
		"reason":      e.Reason(),
	}
}

// Reason returns the rejection reason, falling back to DefaultRejectionReason.
func (e *ProposalRejected) Reason() string {
	if e.RejectionReason == "" {
		return DefaultRejectionReason
	}
	return e.RejectionReason
}
