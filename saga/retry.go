package saga

import (
	"context"
	"fmt"

	log "log/slog"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/telemetry"
)

// FailureClassifier decides whether a recorded step failure is worth
// retrying. The default treats every failure as retryable; deployments can
// plug in a classifier that inspects the recorded error message.
type FailureClassifier func(stepName, errorMessage string) bool

// RetryAlways is the default FailureClassifier.
func RetryAlways(stepName, errorMessage string) bool {
	return true
}

// RetryOrchestrator replays a persisted FAILED saga from its last good step.
// The contract is idempotent: N retries yield the same terminal state as a
// single successful run, because completed steps whose resources still exist
// are skipped rather than re-executed.
type RetryOrchestrator struct {
	executions ExecutionRepository
	steps      StepResultRepository
	orders     OrderRepository
	history    HistoryRepository
	executor   *Executor
	comp       *Compensator
	tel        *telemetry.Telemetry
	clock      spikes.Clock
	classify   FailureClassifier
}

// NewRetryOrchestrator wires a RetryOrchestrator. classify may be nil for
// RetryAlways.
func NewRetryOrchestrator(executions ExecutionRepository, steps StepResultRepository, orders OrderRepository, history HistoryRepository, executor *Executor, comp *Compensator, tel *telemetry.Telemetry, clock spikes.Clock, classify FailureClassifier) *RetryOrchestrator {
	if classify == nil {
		classify = RetryAlways
	}
	return &RetryOrchestrator{
		executions: executions,
		steps:      steps,
		orders:     orders,
		history:    history,
		executor:   executor,
		comp:       comp,
		tel:        tel,
		clock:      clock,
		classify:   classify,
	}
}

// Retry re-runs the saga for orderID using the given step list. It fails
// with InvalidStateTransition when the saga is not in the FAILED phase and
// with InvariantViolation when the recorded failure is classified
// non-retryable.
func (r *RetryOrchestrator) Retry(ctx context.Context, orderID spikes.UUID, steps []Step) (ExecutionOutcome, error) {
	found, execution, err := r.executions.GetByOrderID(ctx, orderID)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	if !found {
		return ExecutionOutcome{}, spikes.NewError(spikes.ProductNotFound,
			fmt.Errorf("no saga execution for order %s", orderID))
	}
	if execution.Phase != PhaseFailed {
		return ExecutionOutcome{}, spikes.NewErrorWithDetails(spikes.InvalidStateTransition,
			fmt.Errorf("saga for order %s is %s, only FAILED sagas can be retried", orderID, execution.Phase),
			map[string]any{"currentStatus": string(execution.Phase), "targetStatus": string(PhaseRunning)})
	}

	rows, err := r.steps.ListByExecution(ctx, execution.ID)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	latest := latestResults(rows)

	for _, row := range latest {
		if row.State == StepFailed && !r.classify(row.StepName, row.ErrorMessage) {
			return ExecutionOutcome{}, spikes.NewErrorWithDetails(spikes.InvariantViolation,
				fmt.Errorf("failure of step %s is not retryable", row.StepName),
				map[string]any{"invariant": "retryable failure", "step": row.StepName})
		}
	}

	orderFound, order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	if !orderFound {
		return ExecutionOutcome{}, spikes.NewError(spikes.ProductNotFound,
			fmt.Errorf("order %s not found", orderID))
	}

	// Rebuild the context from persisted step payloads so later steps and
	// compensations see the effects of the first run.
	sc := NewContext(order, execution.ID)
	for _, row := range latest {
		if row.Payload != "" {
			sc.Set(row.StepName, row.Payload)
		}
	}

	skip := r.skipPredicate(ctx, sc, latest)

	now := r.clock.Now()
	execution.Phase = PhaseRunning
	execution.CompletedAt = nil
	execution.CompensationStartedAt = nil
	if err := r.executions.Update(ctx, execution); err != nil {
		return ExecutionOutcome{}, fmt.Errorf("reopening execution: %w", err)
	}
	if err := r.orders.UpdateStatus(ctx, orderID, OrderRunning, now); err != nil {
		return ExecutionOutcome{}, fmt.Errorf("reopening order: %w", err)
	}

	outcome := r.executor.Execute(ctx, steps, sc, execution, skip)
	if outcome.AllSucceeded {
		end := r.clock.Now()
		execution.Phase = PhaseCompleted
		execution.CompletedAt = &end
		if err := r.executions.Update(ctx, execution); err != nil {
			return outcome, fmt.Errorf("completing execution: %w", err)
		}
		if err := r.orders.UpdateStatus(ctx, orderID, OrderCompleted, end); err != nil {
			return outcome, fmt.Errorf("completing order: %w", err)
		}
		r.appendHistory(ctx, sc, HistorySagaCompleted)
		r.tel.SagaOutcomes.WithLabelValues("completed").Inc()
		return outcome, nil
	}

	// The retry failed too: compensate and own the final verdict.
	if _, cerr := r.comp.Compensate(ctx, sc, execution, outcome.Completed, outcome.FailedStep, true); cerr != nil {
		log.Error("compensation after failed retry errored", "order", orderID.String(), "error", cerr.Error())
	}
	return outcome, nil
}

// skipPredicate skips steps whose last recorded result is COMPLETED (or
// SKIPPED on a prior retry) and whose resource still exists when the step
// can verify it.
func (r *RetryOrchestrator) skipPredicate(ctx context.Context, sc *Context, latest map[string]StepResult) SkipPredicate {
	return func(step Step) bool {
		row, ok := latest[step.Name()]
		if !ok {
			return false
		}
		if row.State != StepCompleted && row.State != StepSkipped {
			return false
		}
		if v, ok := step.(Verifier); ok {
			return v.StillValid(ctx, sc, row.Payload)
		}
		return true
	}
}

func (r *RetryOrchestrator) appendHistory(ctx context.Context, sc *Context, kind HistoryKind) {
	e := HistoryEvent{
		ID:              spikes.NewUUID(),
		OrderID:         sc.OrderID,
		SagaExecutionID: sc.ExecutionID,
		Kind:            kind,
		At:              r.clock.Now(),
	}
	if err := r.history.Append(ctx, e); err != nil {
		log.Warn("history append failed", "kind", string(kind), "error", err.Error())
	}
}

// latestResults keeps the most recent row per step name (rows are listed in
// insert order, so later rows win).
func latestResults(rows []StepResult) map[string]StepResult {
	latest := make(map[string]StepResult, len(rows))
	for _, row := range rows {
		latest[row.StepName] = row
	}
	return latest
}
