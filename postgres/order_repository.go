package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/saga"
)

type orderRow struct {
	ID          string       `db:"id"`
	Status      string       `db:"status"`
	Items       []byte       `db:"items"`
	AmountCents int64        `db:"amount_cents"`
	CreatedAt   sql.NullTime `db:"created_at"`
	UpdatedAt   sql.NullTime `db:"updated_at"`
}

// OrderRepository persists orders with their items as a JSONB column.
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository returns an OrderRepository over the pool.
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Insert stores a new order.
func (r *OrderRepository) Insert(ctx context.Context, o *saga.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encoding order items: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO orders (id, status, items, amount_cents, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID.String(), string(o.Status), items, o.AmountCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

// Get returns found=false when no row exists.
func (r *OrderRepository) Get(ctx context.Context, id spikes.UUID) (bool, *saga.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, status, items, amount_cents, created_at, updated_at
		 FROM orders WHERE id = $1`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("selecting order %s: %w", id, err)
	}
	order, err := row.toOrder()
	if err != nil {
		return false, nil, err
	}
	return true, order, nil
}

// UpdateStatus moves the order to status and touches updated_at.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id spikes.UUID, status saga.OrderStatus, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), at, id.String())
	if err != nil {
		return fmt.Errorf("updating order %s status: %w", id, err)
	}
	return nil
}

func (r orderRow) toOrder() (*saga.Order, error) {
	id, err := spikes.ParseUUID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing order id %q: %w", r.ID, err)
	}
	var items []saga.OrderItem
	if len(r.Items) > 0 {
		if err := json.Unmarshal(r.Items, &items); err != nil {
			return nil, fmt.Errorf("decoding order items: %w", err)
		}
	}
	o := &saga.Order{
		ID:          id,
		Status:      saga.OrderStatus(r.Status),
		Items:       items,
		AmountCents: r.AmountCents,
	}
	if r.CreatedAt.Valid {
		o.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		o.UpdatedAt = r.UpdatedAt.Time
	}
	return o, nil
}
