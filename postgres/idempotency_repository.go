package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/product"
)

type idempotencyRow struct {
	Key         string       `db:"key"`
	CommandType string       `db:"command_type"`
	AggregateID string       `db:"aggregate_id"`
	Result      string       `db:"result"`
	CreatedAt   sql.NullTime `db:"created_at"`
}

// IdempotencyRepository reads and prunes idempotency rows; inserts run inside
// the unit of work.
type IdempotencyRepository struct {
	db *sqlx.DB
}

// NewIdempotencyRepository returns an IdempotencyRepository over the pool.
func NewIdempotencyRepository(db *sqlx.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns found=false when the key was never recorded.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (bool, product.IdempotencyRecord, error) {
	var row idempotencyRow
	err := r.db.GetContext(ctx, &row,
		`SELECT key, command_type, aggregate_id, result, created_at
		 FROM idempotency WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, product.IdempotencyRecord{}, nil
	}
	if err != nil {
		return false, product.IdempotencyRecord{}, fmt.Errorf("selecting idempotency key: %w", err)
	}
	aggregateID, err := spikes.ParseUUID(row.AggregateID)
	if err != nil {
		return false, product.IdempotencyRecord{}, fmt.Errorf("parsing idempotency aggregate id: %w", err)
	}
	rec := product.IdempotencyRecord{
		Key:         row.Key,
		CommandType: row.CommandType,
		AggregateID: aggregateID,
		Result:      row.Result,
	}
	if row.CreatedAt.Valid {
		rec.CreatedAt = row.CreatedAt.Time
	}
	return true, rec, nil
}

// PurgeOlderThan deletes rows created before cutoff and returns the count.
func (r *IdempotencyRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging idempotency rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
