package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements create the tables the spikes persist to. Idempotent; run
// at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id UUID PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
		status TEXT NOT NULL CHECK (status IN ('DRAFT','ACTIVE','DISCONTINUED')),
		version BIGINT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_by TEXT NOT NULL DEFAULT '',
		discontinue_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		command_type TEXT NOT NULL,
		aggregate_id UUID NOT NULL,
		result TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		status TEXT NOT NULL,
		items JSONB NOT NULL,
		amount_cents BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS saga_executions (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL,
		phase TEXT NOT NULL,
		current_step INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		compensation_started_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS saga_step_results (
		id UUID PRIMARY KEY,
		saga_execution_id UUID NOT NULL REFERENCES saga_executions(id) ON DELETE CASCADE,
		step_name TEXT NOT NULL,
		step_order INT NOT NULL,
		state TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS saga_history (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL,
		saga_execution_id UUID NOT NULL,
		kind TEXT NOT NULL,
		step_name TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		aggregate_id UUID NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_executions_order ON saga_executions(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_step_results_execution ON saga_step_results(saga_execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_history_order ON saga_history(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_undispatched ON outbox_events(created_at) WHERE dispatched_at IS NULL`,
}

// EnsureSchema creates all tables and indexes if missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}
