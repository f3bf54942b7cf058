package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/product"
)

const uniqueViolation = "23505"

// SQLUnitOfWork writes one command's effects in a single transaction: the
// aggregate row, the idempotency row when present, and the outbox event.
type SQLUnitOfWork struct {
	db *sqlx.DB
}

// NewSQLUnitOfWork returns a SQLUnitOfWork over the pool.
func NewSQLUnitOfWork(db *sqlx.DB) *SQLUnitOfWork {
	return &SQLUnitOfWork{db: db}
}

// Save persists the aggregate, idempotency record, and outbox event
// atomically. A lost version race maps to ConcurrentModification, a duplicate
// sku to DuplicateSKU, and a lost idempotency-key race to
// ErrIdempotencyConflict.
func (u *SQLUnitOfWork) Save(ctx context.Context, p *product.Product, insert bool, idem *product.IdempotencyRecord, event *product.OutboxEvent) error {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if insert {
		err = u.insertProduct(ctx, tx, p)
	} else {
		err = u.updateProduct(ctx, tx, p)
	}
	if err != nil {
		return err
	}
	if idem != nil {
		if err := u.insertIdempotency(ctx, tx, idem); err != nil {
			return err
		}
	}
	if event != nil {
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing command transaction: %w", err)
	}
	return nil
}

func (u *SQLUnitOfWork) insertProduct(ctx context.Context, tx *sqlx.Tx, p *product.Product) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO products (id, sku, name, description, price_cents, status, version,
			deleted, deleted_by, discontinue_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID.String(), p.SKU, p.Name, p.Description, p.PriceCents, string(p.Status),
		p.Version, p.Deleted, p.DeletedBy, p.DiscontinueReason, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err, "sku") {
		return spikes.NewErrorWithDetails(spikes.DuplicateSKU,
			fmt.Errorf("sku %s already exists", p.SKU),
			map[string]any{"sku": p.SKU})
	}
	if err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}
	return nil
}

// updateProduct compares-and-sets on the previous version: the aggregate was
// loaded at Version-1 and mutated in memory, so exactly the row still at that
// version may be replaced.
func (u *SQLUnitOfWork) updateProduct(ctx context.Context, tx *sqlx.Tx, p *product.Product) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE products SET sku = $1, name = $2, description = $3, price_cents = $4,
			status = $5, version = $6, deleted = $7, deleted_by = $8,
			discontinue_reason = $9, updated_at = $10
		 WHERE id = $11 AND version = $12`,
		p.SKU, p.Name, p.Description, p.PriceCents, string(p.Status), p.Version,
		p.Deleted, p.DeletedBy, p.DiscontinueReason, p.UpdatedAt,
		p.ID.String(), p.Version-1)
	if isUniqueViolation(err, "sku") {
		return spikes.NewErrorWithDetails(spikes.DuplicateSKU,
			fmt.Errorf("sku %s already exists", p.SKU),
			map[string]any{"sku": p.SKU})
	}
	if err != nil {
		return fmt.Errorf("updating product %s: %w", p.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// The caller needs both sides of the version race.
		var current int64
		if qerr := tx.QueryRowxContext(ctx,
			`SELECT version FROM products WHERE id = $1`, p.ID.String()).Scan(&current); qerr != nil {
			return fmt.Errorf("reading current version of %s: %w", p.ID, qerr)
		}
		return spikes.NewErrorWithDetails(spikes.ConcurrentModification,
			fmt.Errorf("product %s was modified concurrently", p.ID),
			map[string]any{"currentVersion": current, "expectedVersion": p.Version - 1})
	}
	return nil
}

func (u *SQLUnitOfWork) insertIdempotency(ctx context.Context, tx *sqlx.Tx, rec *product.IdempotencyRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency (key, command_type, aggregate_id, result, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.Key, rec.CommandType, rec.AggregateID.String(), rec.Result, rec.CreatedAt)
	if isUniqueViolation(err, "idempotency") {
		return product.ErrIdempotencyConflict
	}
	if err != nil {
		return fmt.Errorf("inserting idempotency record: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sqlx.Tx, e *product.OutboxEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID.String(), e.AggregateID.String(), e.EventType, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting outbox event: %w", err)
	}
	return nil
}

// isUniqueViolation matches a Postgres 23505 whose constraint name mentions
// hint. Non-pgx drivers (the test harness) are matched on the message text.
func isUniqueViolation(err error, hint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, hint)
	}
	msg := err.Error()
	return strings.Contains(msg, uniqueViolation) && strings.Contains(msg, hint)
}
