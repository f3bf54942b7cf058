package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/saga"
)

type executionRow struct {
	ID                    string       `db:"id"`
	OrderID               string       `db:"order_id"`
	Phase                 string       `db:"phase"`
	CurrentStep           int          `db:"current_step"`
	StartedAt             sql.NullTime `db:"started_at"`
	CompletedAt           sql.NullTime `db:"completed_at"`
	CompensationStartedAt sql.NullTime `db:"compensation_started_at"`
}

// ExecutionRepository persists saga executions.
type ExecutionRepository struct {
	db *sqlx.DB
}

// NewExecutionRepository returns an ExecutionRepository over the pool.
func NewExecutionRepository(db *sqlx.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Insert stores a new execution.
func (r *ExecutionRepository) Insert(ctx context.Context, e *saga.Execution) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO saga_executions (id, order_id, phase, current_step, started_at, completed_at, compensation_started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID.String(), e.OrderID.String(), string(e.Phase), e.CurrentStep,
		e.StartedAt, nullTime(e.CompletedAt), nullTime(e.CompensationStartedAt))
	if err != nil {
		return fmt.Errorf("inserting saga execution: %w", err)
	}
	return nil
}

// Update rewrites the execution's mutable columns.
func (r *ExecutionRepository) Update(ctx context.Context, e *saga.Execution) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE saga_executions SET phase = $1, current_step = $2, completed_at = $3,
			compensation_started_at = $4 WHERE id = $5`,
		string(e.Phase), e.CurrentStep, nullTime(e.CompletedAt),
		nullTime(e.CompensationStartedAt), e.ID.String())
	if err != nil {
		return fmt.Errorf("updating saga execution %s: %w", e.ID, err)
	}
	return nil
}

// GetByOrderID returns the most recent execution for the order, found=false
// when the order never started a saga.
func (r *ExecutionRepository) GetByOrderID(ctx context.Context, orderID spikes.UUID) (bool, *saga.Execution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, order_id, phase, current_step, started_at, completed_at, compensation_started_at
		 FROM saga_executions WHERE order_id = $1 ORDER BY started_at DESC LIMIT 1`,
		orderID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("selecting saga execution for order %s: %w", orderID, err)
	}
	e, err := row.toExecution()
	if err != nil {
		return false, nil, err
	}
	return true, e, nil
}

func (r executionRow) toExecution() (*saga.Execution, error) {
	id, err := spikes.ParseUUID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing execution id %q: %w", r.ID, err)
	}
	orderID, err := spikes.ParseUUID(r.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parsing execution order id %q: %w", r.OrderID, err)
	}
	e := &saga.Execution{
		ID:          id,
		OrderID:     orderID,
		Phase:       saga.Phase(r.Phase),
		CurrentStep: r.CurrentStep,
	}
	if r.StartedAt.Valid {
		e.StartedAt = r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		e.CompletedAt = &t
	}
	if r.CompensationStartedAt.Valid {
		t := r.CompensationStartedAt.Time
		e.CompensationStartedAt = &t
	}
	return e, nil
}

type stepResultRow struct {
	ID              string       `db:"id"`
	SagaExecutionID string       `db:"saga_execution_id"`
	StepName        string       `db:"step_name"`
	StepOrder       int          `db:"step_order"`
	State           string       `db:"state"`
	Payload         string       `db:"payload"`
	ErrorMessage    string       `db:"error_message"`
	StartedAt       sql.NullTime `db:"started_at"`
	EndedAt         sql.NullTime `db:"ended_at"`
}

// StepResultRepository persists per-step saga results. Rows cascade with
// their execution.
type StepResultRepository struct {
	db *sqlx.DB
}

// NewStepResultRepository returns a StepResultRepository over the pool.
func NewStepResultRepository(db *sqlx.DB) *StepResultRepository {
	return &StepResultRepository{db: db}
}

// Insert stores a new step result row.
func (r *StepResultRepository) Insert(ctx context.Context, s *saga.StepResult) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO saga_step_results (id, saga_execution_id, step_name, step_order, state,
			payload, error_message, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID.String(), s.SagaExecutionID.String(), s.StepName, s.StepOrder, string(s.State),
		s.Payload, s.ErrorMessage, nullTime(s.StartedAt), nullTime(s.EndedAt))
	if err != nil {
		return fmt.Errorf("inserting step result: %w", err)
	}
	return nil
}

// Update rewrites the step result's mutable columns.
func (r *StepResultRepository) Update(ctx context.Context, s *saga.StepResult) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE saga_step_results SET state = $1, payload = $2, error_message = $3,
			started_at = $4, ended_at = $5 WHERE id = $6`,
		string(s.State), s.Payload, s.ErrorMessage,
		nullTime(s.StartedAt), nullTime(s.EndedAt), s.ID.String())
	if err != nil {
		return fmt.Errorf("updating step result %s: %w", s.ID, err)
	}
	return nil
}

// ListByExecution returns the execution's step rows in insert order, so the
// latest attempt per step comes last.
func (r *StepResultRepository) ListByExecution(ctx context.Context, executionID spikes.UUID) ([]saga.StepResult, error) {
	var rows []stepResultRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, saga_execution_id, step_name, step_order, state, payload,
			error_message, started_at, ended_at
		 FROM saga_step_results WHERE saga_execution_id = $1
		 ORDER BY started_at NULLS FIRST, step_order`,
		executionID.String())
	if err != nil {
		return nil, fmt.Errorf("listing step results: %w", err)
	}
	out := make([]saga.StepResult, 0, len(rows))
	for _, row := range rows {
		s, err := row.toStepResult()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r stepResultRow) toStepResult() (*saga.StepResult, error) {
	id, err := spikes.ParseUUID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing step result id %q: %w", r.ID, err)
	}
	executionID, err := spikes.ParseUUID(r.SagaExecutionID)
	if err != nil {
		return nil, fmt.Errorf("parsing step result execution id %q: %w", r.SagaExecutionID, err)
	}
	s := &saga.StepResult{
		ID:              id,
		SagaExecutionID: executionID,
		StepName:        r.StepName,
		StepOrder:       r.StepOrder,
		State:           saga.StepState(r.State),
		Payload:         r.Payload,
		ErrorMessage:    r.ErrorMessage,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		s.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}

type historyRow struct {
	ID              string       `db:"id"`
	OrderID         string       `db:"order_id"`
	SagaExecutionID string       `db:"saga_execution_id"`
	Kind            string       `db:"kind"`
	StepName        string       `db:"step_name"`
	Payload         string       `db:"payload"`
	Error           string       `db:"error"`
	At              sql.NullTime `db:"at"`
}

// HistoryRepository appends immutable saga history events.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository returns a HistoryRepository over the pool.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append stores one history event. Events are never updated or deleted.
func (r *HistoryRepository) Append(ctx context.Context, e saga.HistoryEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO saga_history (id, order_id, saga_execution_id, kind, step_name, payload, error, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID.String(), e.OrderID.String(), e.SagaExecutionID.String(), string(e.Kind),
		e.StepName, e.Payload, e.Error, e.At)
	if err != nil {
		return fmt.Errorf("appending saga history: %w", err)
	}
	return nil
}

// ListByOrder returns the order's history, oldest first.
func (r *HistoryRepository) ListByOrder(ctx context.Context, orderID spikes.UUID) ([]saga.HistoryEvent, error) {
	var rows []historyRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, order_id, saga_execution_id, kind, step_name, payload, error, at
		 FROM saga_history WHERE order_id = $1 ORDER BY at`,
		orderID.String())
	if err != nil {
		return nil, fmt.Errorf("listing saga history: %w", err)
	}
	out := make([]saga.HistoryEvent, 0, len(rows))
	for _, row := range rows {
		e, err := row.toHistoryEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (r historyRow) toHistoryEvent() (*saga.HistoryEvent, error) {
	id, err := spikes.ParseUUID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing history id %q: %w", r.ID, err)
	}
	orderID, err := spikes.ParseUUID(r.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parsing history order id %q: %w", r.OrderID, err)
	}
	executionID, err := spikes.ParseUUID(r.SagaExecutionID)
	if err != nil {
		return nil, fmt.Errorf("parsing history execution id %q: %w", r.SagaExecutionID, err)
	}
	e := &saga.HistoryEvent{
		ID:              id,
		OrderID:         orderID,
		SagaExecutionID: executionID,
		Kind:            saga.HistoryKind(r.Kind),
		StepName:        r.StepName,
		Payload:         r.Payload,
		Error:           r.Error,
	}
	if r.At.Valid {
		e.At = r.At.Time
	}
	return e, nil
}

// nullTime adapts an optional timestamp to the driver.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
