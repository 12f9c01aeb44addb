package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/creditflow/internal/events"
	"github.com/drblury/creditflow/internal/storage/memory"
)

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
	p.published = append(p.published, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *fakeProducer) events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.published...)
}

type failingStore struct {
	Store
	createErr error
	findErr   error
	getErr    error
}

func (s failingStore) Create(ctx context.Context, c Client) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.Create(ctx, c)
}

func (s failingStore) FindBy(ctx context.Context, index, value string) ([]Client, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindBy(ctx, index, value)
}

func (s failingStore) Get(ctx context.Context, id string) (Client, error) {
	if s.getErr != nil {
		return Client{}, s.getErr
	}
	return s.Store.Get(ctx, id)
}

var errBoom = errors.New("boom")

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, store Store, producer *fakeProducer) *Service {
	t.Helper()
	if store == nil {
		store = NewStore(memory.New())
	}
	svc := NewService(store, producer, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func fixedIDs(ids ...uuid.UUID) func() uuid.UUID {
	var mu sync.Mutex
	return func() uuid.UUID {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
}
