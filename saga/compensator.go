package saga

import (
	"context"
	"fmt"

	log "log/slog"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/telemetry"
)

// CompensationSummary reports the result of rolling a failed saga back.
// Compensation failures never cascade: every step is attempted and the
// summary reports partial success.
type CompensationSummary struct {
	CompensatedSteps    []string
	FailedCompensations []string
	AllSuccessful       bool
}

// Compensator rolls back a failed execution: the failed step first (a no-op
// returning NotRequired when it left nothing behind), then every completed
// step in reverse order.
type Compensator struct {
	executions ExecutionRepository
	steps      StepResultRepository
	orders     OrderRepository
	history    HistoryRepository
	tel        *telemetry.Telemetry
	clock      spikes.Clock
}

// NewCompensator wires a Compensator.
func NewCompensator(executions ExecutionRepository, steps StepResultRepository, orders OrderRepository, history HistoryRepository, tel *telemetry.Telemetry, clock spikes.Clock) *Compensator {
	return &Compensator{
		executions: executions,
		steps:      steps,
		orders:     orders,
		history:    history,
		tel:        tel,
		clock:      clock,
	}
}

// Compensate runs the rollback. recordSagaFailed controls whether the final
// SagaFailed history event is written; retry paths suppress it so they own
// the final verdict. The execution always ends in the FAILED phase.
func (c *Compensator) Compensate(ctx context.Context, sc *Context, execution *Execution, completed []Step, failed Step, recordSagaFailed bool) (CompensationSummary, error) {
	now := c.clock.Now()
	execution.Phase = PhaseCompensating
	execution.CompensationStartedAt = &now
	if err := c.executions.Update(ctx, execution); err != nil {
		return CompensationSummary{}, fmt.Errorf("marking execution compensating: %w", err)
	}
	if err := c.orders.UpdateStatus(ctx, sc.OrderID, OrderCompensating, now); err != nil {
		return CompensationSummary{}, fmt.Errorf("marking order compensating: %w", err)
	}
	c.appendHistory(ctx, sc, HistoryCompensationStarted, "", "", "")

	rows, err := c.steps.ListByExecution(ctx, execution.ID)
	if err != nil {
		log.Warn("listing step results for compensation failed", "error", err.Error())
	}
	latestByName := make(map[string]StepResult, len(rows))
	for _, row := range rows {
		latestByName[row.StepName] = row
	}

	var summary CompensationSummary
	// The failed step first, then completed steps in reverse order of
	// success.
	ordered := make([]Step, 0, len(completed)+1)
	if failed != nil {
		ordered = append(ordered, failed)
	}
	for i := len(completed) - 1; i >= 0; i-- {
		ordered = append(ordered, completed[i])
	}

	for _, step := range ordered {
		outcome := step.Compensate(ctx, sc)
		switch outcome.Status {
		case spikes.CompensationFailed:
			summary.FailedCompensations = append(summary.FailedCompensations, step.Name())
			errText := ""
			if outcome.Err != nil {
				errText = outcome.Err.Error()
			}
			c.appendHistory(ctx, sc, HistoryCompensationFailed, step.Name(), "", errText)
		case spikes.CompensationNotRequired:
			summary.CompensatedSteps = append(summary.CompensatedSteps, step.Name())
			c.appendHistory(ctx, sc, HistoryStepCompensated, step.Name(), "not-required", "")
		default:
			summary.CompensatedSteps = append(summary.CompensatedSteps, step.Name())
			c.appendHistory(ctx, sc, HistoryStepCompensated, step.Name(), "", "")
			c.markCompensated(ctx, latestByName, step.Name())
		}
	}
	summary.AllSuccessful = len(summary.FailedCompensations) == 0

	end := c.clock.Now()
	execution.Phase = PhaseFailed
	execution.CompletedAt = &end
	if err := c.executions.Update(ctx, execution); err != nil {
		return summary, fmt.Errorf("marking execution failed: %w", err)
	}
	if err := c.orders.UpdateStatus(ctx, sc.OrderID, OrderFailed, end); err != nil {
		return summary, fmt.Errorf("marking order failed: %w", err)
	}
	if recordSagaFailed {
		c.appendHistory(ctx, sc, HistorySagaFailed, "", "", "")
	}
	c.tel.SagaOutcomes.WithLabelValues("compensated").Inc()
	return summary, nil
}

// markCompensated flips the step's persisted row from COMPLETED (or SKIPPED)
// to COMPENSATED.
func (c *Compensator) markCompensated(ctx context.Context, latestByName map[string]StepResult, stepName string) {
	row, ok := latestByName[stepName]
	if !ok {
		return
	}
	if row.State != StepCompleted && row.State != StepSkipped {
		return
	}
	row.State = StepCompensated
	ended := c.clock.Now()
	row.EndedAt = &ended
	if err := c.steps.Update(ctx, &row); err != nil {
		log.Warn("failed to persist compensated step state", "step", stepName, "error", err.Error())
	}
}

func (c *Compensator) appendHistory(ctx context.Context, sc *Context, kind HistoryKind, stepName, payload, errText string) {
	e := HistoryEvent{
		ID:              spikes.NewUUID(),
		OrderID:         sc.OrderID,
		SagaExecutionID: sc.ExecutionID,
		Kind:            kind,
		StepName:        stepName,
		Payload:         payload,
		Error:           errText,
		At:              c.clock.Now(),
	}
	if err := c.history.Append(ctx, e); err != nil {
		log.Warn("history append failed", "kind", string(kind), "step", stepName, "error", err.Error())
	}
}
