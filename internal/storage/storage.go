// Package storage defines the entity store contract shared by the pipeline
// stages.
//
// A Driver stores opaque entries grouped in named buckets. Collection layers
// typed records on top of a bucket, encoding them with the wire codec so no
// backend ever hands out a value aliased with its own state.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists is returned when a create collides with an existing id
	// or a unique index value.
	ErrAlreadyExists = errors.New("storage: record already exists")
	// ErrClosed is returned by drivers after Close.
	ErrClosed = errors.New("storage: driver closed")
)

// Index is a secondary key a record can be found by.
type Index struct {
	Name   string
	Value  string
	Unique bool
}

// Record is implemented by every stored entity.
type Record interface {
	RecordID() string
	Indexes() []Index
}

// Entry is the encoded form of a record handed to a Driver.
type Entry struct {
	ID      string
	Body    []byte
	Indexes []Index
}

// Bucket is the per-collection surface a Driver exposes. Every method must be
// safe for concurrent use.
type Bucket interface {
	// Insert stores every entry or none of them. An id or unique index
	// collision fails the whole call with ErrAlreadyExists.
	Insert(ctx context.Context, entries ...Entry) error
	// Replace overwrites an existing entry and its indexes. It fails with
	// ErrNotFound when the id is unknown.
	Replace(ctx context.Context, entry Entry) error
	// Get returns the body stored under id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Find returns the bodies indexed under name=value in insertion order.
	Find(ctx context.Context, name, value string) ([][]byte, error)
}

// Driver opens buckets on a backend.
type Driver interface {
	Bucket(name string) Bucket
	Close() error
}

// Collection is a typed view over one bucket.
type Collection[T Record] struct {
	name   string
	bucket Bucket
}

// NewCollection binds a typed collection to the named bucket of d.
func NewCollection[T Record](d Driver, name string) *Collection[T] {
	return &Collection[T]{name: name, bucket: d.Bucket(name)}
}

// Name returns the bucket name.
func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) Create(ctx context.Context, record T) error {
	entry, err := c.encode(record)
	if err != nil {
		return err
	}
	if err := c.bucket.Insert(ctx, entry); err != nil {
		return fmt.Errorf("create %s %s: %w", c.name, entry.ID, err)
	}
	return nil
}

// CreateMany stores all records or none of them.
func (c *Collection[T]) CreateMany(ctx context.Context, records []T) error {
	if len(records) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entry, err := c.encode(record)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := c.bucket.Insert(ctx, entries...); err != nil {
		return fmt.Errorf("create %d %s: %w", len(entries), c.name, err)
	}
	return nil
}

func (c *Collection[T]) Update(ctx context.Context, record T) error {
	entry, err := c.encode(record)
	if err != nil {
		return err
	}
	if err := c.bucket.Replace(ctx, entry); err != nil {
		return fmt.Errorf("update %s %s: %w", c.name, entry.ID, err)
	}
	return nil
}

func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	body, err := c.bucket.Get(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("get %s %s: %w", c.name, id, err)
	}
	return c.decode(body)
}

// FindBy returns the records indexed under index=value. No match is an empty
// slice, not an error.
func (c *Collection[T]) FindBy(ctx context.Context, index, value string) ([]T, error) {
	bodies, err := c.bucket.Find(ctx, index, value)
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", c.name, index, err)
	}
	out := make([]T, 0, len(bodies))
	for _, body := range bodies {
		record, err := c.decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (c *Collection[T]) encode(record T) (Entry, error) {
	id := record.RecordID()
	if id == "" {
		return Entry{}, fmt.Errorf("encode %s: record id is empty", c.name)
	}
	body, err := jsoncodec.Marshal(record)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s %s: %w", c.name, id, err)
	}
	return Entry{ID: id, Body: body, Indexes: record.Indexes()}, nil
}

func (c *Collection[T]) decode(body []byte) (T, error) {
	var record T
	if err := jsoncodec.Unmarshal(body, &record); err != nil {
		return record, fmt.Errorf("decode %s: %w", c.name, err)
	}
	return record, nil
}
