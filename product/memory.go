package product

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/commercelab/spikes"
)

// MemoryStore backs Repository, IdempotencyRepository and UnitOfWork with
// maps for local runs and tests. The version compare-and-set and the
// idempotency-key race behave like the relational implementation.
type MemoryStore struct {
	mu       sync.Mutex
	products map[spikes.UUID]*Product
	idem     map[string]IdempotencyRecord
	outbox   []OutboxEvent

	// ErrOnSave, when set, is returned by Save before any mutation.
	ErrOnSave error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[spikes.UUID]*Product),
		idem:     make(map[string]IdempotencyRecord),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id spikes.UUID) (bool, *Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return false, nil, nil
	}
	cp := *p
	return true, &cp, nil
}

func (s *MemoryStore) GetBySKU(ctx context.Context, sku string) (bool, *Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.SKU == sku {
			cp := *p
			return true, &cp, nil
		}
	}
	return false, nil, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Product
	for _, p := range s.products {
		if p.Deleted {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetIdempotency(ctx context.Context, key string) (bool, IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	return ok, rec, nil
}

func (s *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, rec := range s.idem {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.idem, key)
			removed++
		}
	}
	return removed, nil
}

// Save applies the same atomicity and conflict rules as the relational unit
// of work.
func (s *MemoryStore) Save(ctx context.Context, p *Product, insert bool, idem *IdempotencyRecord, event *OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrOnSave != nil {
		return s.ErrOnSave
	}
	if idem != nil {
		if _, exists := s.idem[idem.Key]; exists {
			return ErrIdempotencyConflict
		}
	}
	if insert {
		for _, existing := range s.products {
			if existing.SKU == p.SKU && !existing.Deleted {
				return spikes.NewErrorWithDetails(spikes.DuplicateSKU,
					fmt.Errorf("sku %s already exists", p.SKU),
					map[string]any{"sku": p.SKU})
			}
		}
	} else {
		current, ok := s.products[p.ID]
		if !ok || current.Version != p.Version-1 {
			var currentVersion int64
			if ok {
				currentVersion = current.Version
			}
			return spikes.NewErrorWithDetails(spikes.ConcurrentModification,
				fmt.Errorf("product %s was modified concurrently", p.ID),
				map[string]any{"currentVersion": currentVersion, "expectedVersion": p.Version - 1})
		}
	}
	cp := *p
	s.products[p.ID] = &cp
	if idem != nil {
		s.idem[idem.Key] = *idem
	}
	if event != nil {
		s.outbox = append(s.outbox, *event)
	}
	return nil
}

// Outbox returns the recorded events for assertions.
func (s *MemoryStore) Outbox() []OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// IdempotencyView adapts MemoryStore to the IdempotencyRepository port (the
// repository's Get collides with the product Get).
type IdempotencyView struct {
	Store *MemoryStore
}

func (v IdempotencyView) Get(ctx context.Context, key string) (bool, IdempotencyRecord, error) {
	return v.Store.GetIdempotency(ctx, key)
}

func (v IdempotencyView) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return v.Store.PurgeOlderThan(ctx, cutoff)
}
