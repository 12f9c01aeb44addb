// Package client owns the client record and the intake boundary that creates
// it and announces it to the proposal stage.
package client

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/drblury/creditflow/internal/storage"
)

// IdentifierLength is the number of digits in a normalised national identifier.
const IdentifierLength = 11

// Name length bounds, in characters.
const (
	MinNameLength = 3
	MaxNameLength = 100
)

// IndexIdentifier is the unique storage index on the normalised identifier.
const IndexIdentifier = "identifier"

var (
	ErrInvalidIdentifier = errors.New("identifier must contain exactly 11 digits")
	ErrInvalidTransition = errors.New("client status can only change from UnderReview")
)

// Status is the client lifecycle state.
type Status string

const (
	StatusUnderReview    Status = "UnderReview"
	StatusReviewApproved Status = "ReviewApproved"
	StatusReviewRejected Status = "ReviewRejected"
	StatusCompleted      Status = "Completed"
)

// Client is the intake record.
type Client struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	Email      string    `json:"email"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (c Client) RecordID() string { return c.ID.String() }

func (c Client) Indexes() []storage.Index {
	return []storage.Index{{Name: IndexIdentifier, Value: c.Identifier, Unique: true}}
}

// NormalizeIdentifier strips every non-digit and requires exactly
// IdentifierLength digits to remain.
func NormalizeIdentifier(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(digits) != IdentifierLength {
		return "", ErrInvalidIdentifier
	}
	return digits, nil
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a registration request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid client: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Registration is the intake request.
type Registration struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
}

// New validates r and builds a client under review. The returned error is a
// *ValidationError when any field is rejected.
func New(id uuid.UUID, r Registration, now time.Time) (Client, error) {
	verr := &ValidationError{}

	name := strings.TrimSpace(r.Name)
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		verr.add("name", "is required")
	case n < MinNameLength || n > MaxNameLength:
		verr.add("name", fmt.Sprintf("must be between %d and %d characters", MinNameLength, MaxNameLength))
	}

	identifier, err := NormalizeIdentifier(r.Identifier)
	if strings.TrimSpace(r.Identifier) == "" {
		verr.add("identifier", "is required")
	} else if err != nil {
		verr.add("identifier", err.Error())
	}

	email := strings.TrimSpace(r.Email)
	if email == "" {
		verr.add("email", "is required")
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		verr.add("email", "must be a valid address")
	}

	if len(verr.Fields) > 0 {
		return Client{}, verr
	}
	return Client{
		ID:         id,
		Name:       name,
		Identifier: identifier,
		Email:      email,
		Status:     StatusUnderReview,
		CreatedAt:  now.UTC(),
	}, nil
}

// Review outcomes leave UnderReview exactly once. Intake does not consume
// proposal decisions yet, so nothing in the pipeline calls these.
func (c *Client) MarkApproved() error  { return c.transition(StatusReviewApproved) }
func (c *Client) MarkRejected() error  { return c.transition(StatusReviewRejected) }
func (c *Client) MarkCompleted() error { return c.transition(StatusCompleted) }

func (c *Client) transition(to Status) error {
	if c.Status != StatusUnderReview {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	return nil
}
