package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/product"
)

type outboxRow struct {
	ID           string       `db:"id"`
	AggregateID  string       `db:"aggregate_id"`
	EventType    string       `db:"event_type"`
	Payload      string       `db:"payload"`
	CreatedAt    sql.NullTime `db:"created_at"`
	DispatchedAt sql.NullTime `db:"dispatched_at"`
}

// OutboxRepository reads and marks outbox rows for the relay. Inserts happen
// inside the unit of work.
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository returns an OutboxRepository over the pool.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// FetchUndispatched returns up to limit unpublished events, oldest first.
func (r *OutboxRepository) FetchUndispatched(ctx context.Context, limit int) ([]product.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, aggregate_id, event_type, payload, created_at, dispatched_at
		 FROM outbox_events WHERE dispatched_at IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching undispatched outbox events: %w", err)
	}
	out := make([]product.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// MarkDispatched stamps the events as published.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, ids []spikes.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	query, args, err := sqlx.In(`UPDATE outbox_events SET dispatched_at = ? WHERE id IN (?)`, at, strs)
	if err != nil {
		return fmt.Errorf("building dispatch update: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("marking outbox events dispatched: %w", err)
	}
	return nil
}

func (r outboxRow) toEvent() (*product.OutboxEvent, error) {
	id, err := spikes.ParseUUID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing outbox id %q: %w", r.ID, err)
	}
	aggregateID, err := spikes.ParseUUID(r.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("parsing outbox aggregate id %q: %w", r.AggregateID, err)
	}
	e := &product.OutboxEvent{
		ID:          id,
		AggregateID: aggregateID,
		EventType:   r.EventType,
		Payload:     r.Payload,
	}
	if r.CreatedAt.Valid {
		e.CreatedAt = r.CreatedAt.Time
	}
	if r.DispatchedAt.Valid {
		t := r.DispatchedAt.Time
		e.DispatchedAt = &t
	}
	return e, nil
}
