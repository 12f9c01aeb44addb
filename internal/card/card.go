// Package card is the issuance stage: every approved proposal yields one
// card per allowed instrument.
package card

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drblury/creditflow/internal/events"
	"github.com/drblury/creditflow/internal/storage"
)

// Storage indexes.
const (
	IndexProposalID = "proposal_id"
	IndexClientID   = "client_id"
	IndexNumber     = "number"
)

// NumberPrefix starts every generated card number.
const NumberPrefix = "5500"

// MaxInstruments caps the cards issued for a single approval.
const MaxInstruments = 10

const (
	numberLength   = 16
	validityYears  = 5
	maxNumberDraws = 32
)

var (
	// ErrInvalidApproval is returned for approvals without a positive limit
	// or with an instrument count outside [1, MaxInstruments].
	ErrInvalidApproval = errors.New("invalid proposal approval")
	errNumberSpace     = errors.New("could not draw a distinct card number")
)

// Card is an issued instrument.
type Card struct {
	ID           uuid.UUID       `json:"id"`
	ClientID     uuid.UUID       `json:"clientId"`
	ProposalID   uuid.UUID       `json:"proposalId"`
	Number       string          `json:"number"`
	SecurityCode string          `json:"securityCode"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Limit        decimal.Decimal `json:"limit"`
	IssuedAt     time.Time       `json:"issuedAt"`
}

func (c Card) RecordID() string { return c.ID.String() }

func (c Card) Indexes() []storage.Index {
	return []storage.Index{
		{Name: IndexProposalID, Value: c.ProposalID.String()},
		{Name: IndexClientID, Value: c.ClientID.String()},
		{Name: IndexNumber, Value: c.Number, Unique: true},
	}
}

// LastFour returns the only part of the number that may be logged.
func (c Card) LastFour() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// ExpiryFor returns the last second of the month validityYears after issuedAt, in UTC.
func ExpiryFor(issuedAt time.Time) time.Time {
	t := issuedAt.UTC()
	firstOfNext := time.Date(t.Year()+validityYears, t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.Add(-time.Second)
}

// Generator produces card records. Zero-value fields fall back to
// math/rand/v2, time.Now and uuid.New.
type Generator struct {
	IntN  func(n int) int
	Now   func() time.Time
	NewID func() uuid.UUID
}

// Validate checks the numeric fields of an approval. Identity fields are
// checked by the event itself.
func Validate(evt *events.ProposalApproved) error {
	var problems []string
	if !evt.ApprovedLimit.IsPositive() {
		problems = append(problems, "approvedLimit must be positive")
	}
	switch {
	case evt.InstrumentCount <= 0:
		problems = append(problems, "instrumentCount must be positive")
	case evt.InstrumentCount > MaxInstruments:
		problems = append(problems, fmt.Sprintf("instrumentCount must not exceed %d", MaxInstruments))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidApproval, strings.Join(problems, ", "))
	}
	return nil
}

// Issue returns evt.InstrumentCount cards sharing the client, proposal and
// limit of evt, with distinct numbers.
func (g *Generator) Issue(evt *events.ProposalApproved) ([]Card, error) {
	if err := Validate(evt); err != nil {
		return nil, err
	}
	now := g.now().UTC()
	expiry := ExpiryFor(now)

	seen := make(map[string]struct{}, evt.InstrumentCount)
	cards := make([]Card, 0, evt.InstrumentCount)
	for range evt.InstrumentCount {
		number, err := g.distinctNumber(seen)
		if err != nil {
			return nil, err
		}
		cards = append(cards, Card{
			ID:           g.newID(),
			ClientID:     evt.ClientID,
			ProposalID:   evt.ProposalID,
			Number:       number,
			SecurityCode: g.securityCode(),
			ExpiresAt:    expiry,
			Limit:        evt.ApprovedLimit,
			IssuedAt:     now,
		})
	}
	return cards, nil
}

func (g *Generator) distinctNumber(seen map[string]struct{}) (string, error) {
	for range maxNumberDraws {
		n := g.number()
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		return n, nil
	}
	return "", errNumberSpace
}

func (g *Generator) number() string {
	var b strings.Builder
	b.Grow(numberLength)
	b.WriteString(NumberPrefix)
	for range numberLength - len(NumberPrefix) {
		b.WriteByte(byte('0' + g.intN(10)))
	}
	return b.String()
}

// securityCode is a three-digit code in [100, 999].
func (g *Generator) securityCode() string {
	return fmt.Sprintf("%03d", 100+g.intN(900))
}

func (g *Generator) intN(n int) int {
	if g.IntN != nil {
		return g.IntN(n)
	}
	return rand.IntN(n)
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Generator) newID() uuid.UUID {
	if g.NewID != nil {
		return g.NewID()
	}
	return uuid.New()
}
