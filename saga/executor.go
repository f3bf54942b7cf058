package saga

import (
	"context"
	"fmt"
	"time"

	log "log/slog"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/telemetry"
)

// ExecutionOutcome is the tagged result of running a step list: either all
// steps succeeded (possibly skipped), or execution stopped at FailedIndex.
type ExecutionOutcome struct {
	AllSucceeded bool
	Completed    []Step
	FailedStep   Step
	FailedIndex  int
	Err          error
}

// Executor runs an ordered step list, persisting per-step state and history
// as it goes. Steps within one execution are strictly sequential; a failure
// stops the run and returns control to the orchestrator for compensation.
type Executor struct {
	executions ExecutionRepository
	steps      StepResultRepository
	history    HistoryRepository
	tel        *telemetry.Telemetry
	clock      spikes.Clock
}

// NewExecutor wires an Executor.
func NewExecutor(executions ExecutionRepository, steps StepResultRepository, history HistoryRepository, tel *telemetry.Telemetry, clock spikes.Clock) *Executor {
	return &Executor{
		executions: executions,
		steps:      steps,
		history:    history,
		tel:        tel,
		clock:      clock,
	}
}

// Execute runs the steps in order under skip. Persistence failures abort the
// run as a step failure so the caller compensates; step N only ever observes
// the effects of steps 0..N-1.
func (ex *Executor) Execute(ctx context.Context, steps []Step, sc *Context, execution *Execution, skip SkipPredicate) ExecutionOutcome {
	var completed []Step
	for i, step := range steps {
		if skip != nil && skip(step) {
			if err := ex.recordSkipped(ctx, sc, execution, step, i); err != nil {
				return failedOutcome(completed, step, i, err)
			}
			// Skipped steps count as done for compensation purposes: their
			// recorded effects are still in force.
			completed = append(completed, step)
			continue
		}

		if _, err := ex.runStep(ctx, sc, execution, step, i); err != nil {
			return failedOutcome(completed, step, i, err)
		}
		completed = append(completed, step)
	}
	return ExecutionOutcome{AllSucceeded: true, Completed: completed, FailedIndex: -1}
}

func (ex *Executor) runStep(ctx context.Context, sc *Context, execution *Execution, step Step, index int) (string, error) {
	now := ex.clock.Now()
	row := &StepResult{
		ID:              spikes.NewUUID(),
		SagaExecutionID: execution.ID,
		StepName:        step.Name(),
		StepOrder:       index,
		State:           StepPending,
	}
	if err := ex.steps.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("inserting step result for %s: %w", step.Name(), err)
	}

	row.State = StepInProgress
	row.StartedAt = &now
	if err := ex.steps.Update(ctx, row); err != nil {
		return "", fmt.Errorf("marking %s in progress: %w", step.Name(), err)
	}
	execution.CurrentStep = index + 1
	if err := ex.executions.Update(ctx, execution); err != nil {
		return "", fmt.Errorf("bumping current step to %d: %w", index+1, err)
	}
	ex.appendHistory(ctx, sc, HistoryStepStarted, step.Name(), "", "")

	started := time.Now()
	payload, err := step.Execute(ctx, sc)
	elapsed := time.Since(started)
	ex.tel.StepDuration.WithLabelValues(step.Name()).Observe(elapsed.Seconds())
	ended := ex.clock.Now()
	row.EndedAt = &ended

	if err != nil {
		row.State = StepFailed
		row.ErrorMessage = err.Error()
		if uerr := ex.steps.Update(ctx, row); uerr != nil {
			log.Error("failed to persist step failure", "step", step.Name(), "error", uerr.Error())
		}
		ex.appendHistory(ctx, sc, HistoryStepFailed, step.Name(), "", err.Error())
		return "", err
	}

	row.State = StepCompleted
	row.Payload = payload
	if err := ex.steps.Update(ctx, row); err != nil {
		return "", fmt.Errorf("marking %s completed: %w", step.Name(), err)
	}
	ex.appendHistory(ctx, sc, HistoryStepCompleted, step.Name(), payload, "")
	return payload, nil
}

func (ex *Executor) recordSkipped(ctx context.Context, sc *Context, execution *Execution, step Step, index int) error {
	now := ex.clock.Now()
	row := &StepResult{
		ID:              spikes.NewUUID(),
		SagaExecutionID: execution.ID,
		StepName:        step.Name(),
		StepOrder:       index,
		State:           StepSkipped,
		StartedAt:       &now,
		EndedAt:         &now,
	}
	if err := ex.steps.Insert(ctx, row); err != nil {
		return fmt.Errorf("recording skipped step %s: %w", step.Name(), err)
	}
	return nil
}

// appendHistory records the event; history failures are logged, never fatal,
// so a flaky history store cannot wedge a saga mid-flight.
func (ex *Executor) appendHistory(ctx context.Context, sc *Context, kind HistoryKind, stepName, payload, errText string) {
	e := HistoryEvent{
		ID:              spikes.NewUUID(),
		OrderID:         sc.OrderID,
		SagaExecutionID: sc.ExecutionID,
		Kind:            kind,
		StepName:        stepName,
		Payload:         payload,
		Error:           errText,
		At:              ex.clock.Now(),
	}
	if err := ex.history.Append(ctx, e); err != nil {
		log.Warn("history append failed", "kind", string(kind), "step", stepName, "error", err.Error())
	}
}

func failedOutcome(completed []Step, step Step, index int, err error) ExecutionOutcome {
	return ExecutionOutcome{
		Completed:   completed,
		FailedStep:  step,
		FailedIndex: index,
		Err:         err,
	}
}
