package card

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/events"
)

func approval(count int) *events.ProposalApproved {
	return &events.ProposalApproved{
		ProposalID:      uuid.New(),
		ClientID:        uuid.New(),
		Identifier:      "11122233344",
		ApprovedLimit:   decimal.NewFromInt(5000),
		InstrumentCount: count,
	}
}

func TestExpiryFor(t *testing.T) {
	cases := []struct {
		issued time.Time
		want   time.Time
	}{
		{time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), time.Date(2031, 1, 31, 23, 59, 59, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC), time.Date(2031, 12, 31, 23, 59, 59, 0, time.UTC)},
		{time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2032, 2, 29, 23, 59, 59, 0, time.UTC)},
		{time.Date(2026, 4, 30, 22, 0, 0, 0, time.FixedZone("BRT", -3*3600)), time.Date(2031, 5, 31, 23, 59, 59, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExpiryFor(tc.issued), tc.issued.String())
	}
}

func TestIssueSharesApprovalFields(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	g := &Generator{Now: func() time.Time { return now }}
	evt := approval(2)

	cards, err := g.Issue(evt)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	for _, c := range cards {
		assert.Equal(t, evt.ClientID, c.ClientID)
		assert.Equal(t, evt.ProposalID, c.ProposalID)
		assert.True(t, evt.ApprovedLimit.Equal(c.Limit))
		assert.Equal(t, now, c.IssuedAt)
		assert.Equal(t, time.Date(2031, 3, 31, 23, 59, 59, 0, time.UTC), c.ExpiresAt)
		assert.NotEqual(t, uuid.Nil, c.ID)
	}
	assert.NotEqual(t, cards[0].ID, cards[1].ID)
}

func TestIssueNumberAndSecurityCodeFormat(t *testing.T) {
	g := &Generator{}
	cards, err := g.Issue(approval(50))
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for _, c := range cards {
		assert.Len(t, c.Number, 16)
		assert.True(t, strings.HasPrefix(c.Number, NumberPrefix))
		assert.Equal(t, "", strings.Trim(c.Number, "0123456789"))
		_, dup := seen[c.Number]
		assert.False(t, dup, "number %s issued twice", c.Number)
		seen[c.Number] = struct{}{}

		require.Len(t, c.SecurityCode, 3)
		assert.GreaterOrEqual(t, c.SecurityCode, "100")
		assert.LessOrEqual(t, c.SecurityCode, "999")
	}
}

func TestIssueRedrawsDuplicateNumbers(t *testing.T) {
	// 13 draws per card: 12 number digits then the security code.
	draws := 0
	g := &Generator{IntN: func(n int) int {
		draws++
		if draws <= 26 {
			return 0
		}
		return 1 % n
	}}
	cards, err := g.Issue(approval(2))
	require.NoError(t, err)
	assert.Equal(t, "5500000000000000", cards[0].Number)
	assert.NotEqual(t, cards[0].Number, cards[1].Number)
}

func TestIssueGivesUpOnExhaustedNumberSpace(t *testing.T) {
	g := &Generator{IntN: func(int) int { return 0 }}
	_, err := g.Issue(approval(2))
	assert.ErrorIs(t, err, errNumberSpace)
}

func TestIssueSecurityCodeBounds(t *testing.T) {
	low := &Generator{IntN: func(int) int { return 0 }}
	cards, err := low.Issue(approval(1))
	require.NoError(t, err)
	assert.Equal(t, "100", cards[0].SecurityCode)

	high := &Generator{IntN: func(n int) int { return n - 1 }}
	cards, err = high.Issue(approval(1))
	require.NoError(t, err)
	assert.Equal(t, "999", cards[0].SecurityCode)
	assert.Equal(t, "5500999999999999", cards[0].Number)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(approval(1)))
	assert.NoError(t, Validate(approval(MaxInstruments)))

	tooMany := approval(200_000_000)
	err := Validate(tooMany)
	assert.ErrorIs(t, err, ErrInvalidApproval)
	assert.ErrorContains(t, err, "must not exceed")

	zeroCount := approval(0)
	assert.ErrorIs(t, Validate(zeroCount), ErrInvalidApproval)

	zeroLimit := approval(1)
	zeroLimit.ApprovedLimit = decimal.Zero
	assert.ErrorIs(t, Validate(zeroLimit), ErrInvalidApproval)

	negative := approval(-1)
	negative.ApprovedLimit = decimal.NewFromInt(-5)
	err = Validate(negative)
	assert.ErrorContains(t, err, "approvedLimit")
	assert.ErrorContains(t, err, "instrumentCount")
}

func TestIssueRejectsOversizedCount(t *testing.T) {
	var g Generator
	cards, err := g.Issue(approval(MaxInstruments + 1))
	assert.ErrorIs(t, err, ErrInvalidApproval)
	assert.Nil(t, cards)
}

func TestLastFour(t *testing.T) {
	assert.Equal(t, "4321", Card{Number: "5500000000004321"}.LastFour())
	assert.Equal(t, "12", Card{Number: "12"}.LastFour())
}

func TestIndexes(t *testing.T) {
	c := Card{ID: uuid.New(), ProposalID: uuid.New(), ClientID: uuid.New(), Number: "5500000000000001"}
	idx := c.Indexes()
	require.Len(t, idx, 3)
	assert.Equal(t, IndexProposalID, idx[0].Name)
	assert.Equal(t, c.ProposalID.String(), idx[0].Value)
	assert.True(t, idx[2].Unique)
}
