package docstore

import (
	"context"
	"sync"

	"github.com/commercelab/spikes"
)

// InMemoryStore is a map-backed DocumentStore for tests and local runs.
// ErrOnWrite / ErrOnRead let tests induce store failures.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]spikes.Document

	ErrOnRead  error
	ErrOnWrite error
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]spikes.Document),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (bool, spikes.Document, error) {
	if s.ErrOnRead != nil {
		return false, spikes.Document{}, s.ErrOnRead
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return ok, doc, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, doc spikes.Document) error {
	if s.ErrOnWrite != nil {
		return s.ErrOnWrite
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	if s.ErrOnWrite != nil {
		return s.ErrOnWrite
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// Len reports the number of stored documents.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
