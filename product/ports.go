package product

import (
	"context"
	"errors"
	"time"

	"github.com/commercelab/spikes"
)

// ErrIdempotencyConflict is returned by UnitOfWork.Save when a concurrent
// invocation with the same idempotency key won the insert race. The handler
// re-reads the recorded result and replays it.
var ErrIdempotencyConflict = errors.New("idempotency key already recorded")

// IdempotencyRecord ties a caller-supplied key to the single observable
// effect of a command.
type IdempotencyRecord struct {
	Key         string
	CommandType string
	AggregateID spikes.UUID
	Result      string
	CreatedAt   time.Time
}

// OutboxEvent is the transactional-outbox row describing a state change; a
// background relay publishes it to the log after commit.
type OutboxEvent struct {
	ID           spikes.UUID
	AggregateID  spikes.UUID
	EventType    string
	Payload      string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Repository reads product aggregates. Writes go through the UnitOfWork so
// they stay atomic with idempotency and outbox rows.
type Repository interface {
	// Get returns found=false (no error) when the aggregate does not exist.
	Get(ctx context.Context, id spikes.UUID) (bool, *Product, error)
	// GetBySKU supports the duplicate-sku guard and lookups by natural key.
	GetBySKU(ctx context.Context, sku string) (bool, *Product, error)
	// List returns non-deleted aggregates, newest first.
	List(ctx context.Context, limit int) ([]*Product, error)
}

// IdempotencyRepository reads and prunes idempotency rows. Inserts happen
// inside the UnitOfWork.
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (bool, IdempotencyRecord, error)
	// PurgeOlderThan enforces the 7-day retention; returns rows removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// UnitOfWork persists one command's effects atomically: the aggregate row
// (insert or version compare-and-set update), the idempotency row when a key
// was supplied, and the outbox event. On a lost version race it returns a
// ConcurrentModification error; on a duplicate sku a DuplicateSKU error; on
// a lost idempotency race ErrIdempotencyConflict.
type UnitOfWork interface {
	Save(ctx context.Context, p *Product, insert bool, idem *IdempotencyRecord, event *OutboxEvent) error
}
