package identitystore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// InMemoryStore keeps the identity for the lifetime of the process only.
type InMemoryStore struct {
	mu sync.Mutex
	id *chat.Identity
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Load(_ context.Context) (*chat.Identity, error) {
	if s == nil {
		return nil, errors.New("in-memory identity store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return nil, nil
	}
	id := *s.id
	return &id, nil
}

func (s *InMemoryStore) Save(_ context.Context, id chat.Identity) error {
	if s == nil {
		return errors.New("in-memory identity store: nil store")
	}
	if err := chat.ValidateIdentity(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.id = &id
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	if s == nil {
		return errors.New("in-memory identity store: nil store")
	}
	s.mu.Lock()
	s.id = nil
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
