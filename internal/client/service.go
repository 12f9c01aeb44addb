package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/creditflow/internal/events"
	"github.com/drblury/creditflow/internal/runtime"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/storage"
)

// BucketName is the storage bucket holding client records.
const BucketName = "clients"

var (
	// ErrDuplicate is returned when a client with the same identifier exists.
	ErrDuplicate = errors.New("client with this identifier already exists")
	ErrNotFound  = errors.New("client not found")
	// ErrAnnounce is returned when the client was stored but ClientCreated
	// could not be published.
	ErrAnnounce = errors.New("client stored but not announced")
)

// Store is the persistence the intake needs.
type Store interface {
	Create(ctx context.Context, c Client) error
	Get(ctx context.Context, id string) (Client, error)
	FindBy(ctx context.Context, index, value string) ([]Client, error)
}

// NewStore binds the clients bucket of d.
func NewStore(d storage.Driver) *storage.Collection[Client] {
	return storage.NewCollection[Client](d, BucketName)
}

// Service registers clients and announces them on client.created.
type Service struct {
	store    Store
	producer runtime.Producer
	logger   loggingpkg.ServiceLogger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(store Store, producer runtime.Producer, logger loggingpkg.ServiceLogger) *Service {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Service{
		store:    store,
		producer: producer,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// Register validates r, stores a client under review and publishes exactly
// one ClientCreated. A publish failure leaves the client stored and returns
// ErrAnnounce.
func (s *Service) Register(ctx context.Context, r Registration) (Client, error) {
	c, err := New(s.newID(), r, s.now())
	if err != nil {
		return Client{}, err
	}

	existing, err := s.store.FindBy(ctx, IndexIdentifier, c.Identifier)
	if err != nil {
		return Client{}, fmt.Errorf("lookup identifier: %w", err)
	}
	if len(existing) > 0 {
		return Client{}, ErrDuplicate
	}

	if err := s.store.Create(ctx, c); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Client{}, ErrDuplicate
		}
		return Client{}, fmt.Errorf("store client: %w", err)
	}
	fields := loggingpkg.LogFields{"client_id": c.ID.String()}
	s.logger.Info("Client registered", fields)

	event := &events.ClientCreated{
		ClientID:   c.ID,
		Name:       c.Name,
		Identifier: c.Identifier,
		Email:      c.Email,
	}
	if err := s.producer.Publish(ctx, events.RoutingKeyClientCreated, event); err != nil {
		s.logger.Error("Client stored but ClientCreated not published", err, fields)
		return c, fmt.Errorf("%w: %w", ErrAnnounce, err)
	}
	return c, nil
}

// Get returns the client with id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Client, error) {
	c, err := s.store.Get(ctx, id.String())
	if errors.Is(err, storage.ErrNotFound) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("load client: %w", err)
	}
	return c, nil
}
