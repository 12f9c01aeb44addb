package client

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "111.222.333-44", want: "11122233344"},
		{raw: "11122233344", want: "11122233344"},
		{raw: " 111 222 333 44 ", want: "11122233344"},
		{raw: "1112223334", wantErr: true},
		{raw: "111222333444", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := NormalizeIdentifier(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	c, err := New(id, Registration{Name: "  Ana Maria ", Identifier: "111.222.333-44", Email: "a@b.com"}, now)
	require.NoError(t, err)
	assert.Equal(t, Client{
		ID:         id,
		Name:       "Ana Maria",
		Identifier: "11122233344",
		Email:      "a@b.com",
		Status:     StatusUnderReview,
		CreatedAt:  now.UTC(),
	}, c)
}

func TestNewRejectsInvalidFields(t *testing.T) {
	cases := []struct {
		name   string
		req    Registration
		fields []string
	}{
		{name: "empty", req: Registration{}, fields: []string{"name", "identifier", "email"}},
		{name: "short name", req: Registration{Name: "Al", Identifier: "11122233344", Email: "a@b.com"}, fields: []string{"name"}},
		{name: "long name", req: Registration{Name: strings.Repeat("a", MaxNameLength+1), Identifier: "11122233344", Email: "a@b.com"}, fields: []string{"name"}},
		{name: "bad identifier", req: Registration{Name: "Ana", Identifier: "123", Email: "a@b.com"}, fields: []string{"identifier"}},
		{name: "bad email", req: Registration{Name: "Ana", Identifier: "11122233344", Email: "not-an-email"}, fields: []string{"email"}},
		{name: "display name email", req: Registration{Name: "Ana", Identifier: "11122233344", Email: "Ana <a@b.com>"}, fields: []string{"email"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(uuid.New(), tc.req, time.Now())
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			got := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				got = append(got, f.Field)
			}
			assert.Equal(t, tc.fields, got)
		})
	}
}

func TestNameLengthCountsCharacters(t *testing.T) {
	_, err := New(uuid.New(), Registration{Name: "Zoë", Identifier: "11122233344", Email: "z@b.com"}, time.Now())
	assert.NoError(t, err)
}

func TestStatusTransitions(t *testing.T) {
	transitions := map[Status]func(*Client) error{
		StatusReviewApproved: (*Client).MarkApproved,
		StatusReviewRejected: (*Client).MarkRejected,
		StatusCompleted:      (*Client).MarkCompleted,
	}
	for want, mark := range transitions {
		t.Run(string(want), func(t *testing.T) {
			c := Client{Status: StatusUnderReview}
			require.NoError(t, mark(&c))
			assert.Equal(t, want, c.Status)

			err := c.MarkApproved()
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, want, c.Status)
		})
	}
}

func TestIndexes(t *testing.T) {
	c := Client{ID: uuid.New(), Identifier: "11122233344"}
	assert.Equal(t, c.ID.String(), c.RecordID())
	require.Len(t, c.Indexes(), 1)
	assert.True(t, c.Indexes()[0].Unique)
	assert.Equal(t, "11122233344", c.Indexes()[0].Value)
}
