package orders

import (
	"context"
	"fmt"

	log "log/slog"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/saga"
	"github.com/commercelab/spikes/telemetry"
)

// OrderView is the read model returned by Get: the order plus its saga
// progress.
type OrderView struct {
	Order     *saga.Order
	Execution *saga.Execution
	Steps     []saga.StepResult
}

// Service drives order sagas end to end: submit runs the step list, failure
// triggers compensation, and retry replays a FAILED saga from its last good
// step.
type Service struct {
	orders     saga.OrderRepository
	executions saga.ExecutionRepository
	stepRows   saga.StepResultRepository
	history    saga.HistoryRepository
	executor   *saga.Executor
	comp       *saga.Compensator
	retrier    *saga.RetryOrchestrator
	steps      []saga.Step
	tel        *telemetry.Telemetry
	clock      spikes.Clock
}

// NewService wires a Service around the shared saga engine and the
// registered step list.
func NewService(ordersRepo saga.OrderRepository, executions saga.ExecutionRepository, stepRows saga.StepResultRepository, history saga.HistoryRepository, executor *saga.Executor, comp *saga.Compensator, retrier *saga.RetryOrchestrator, steps []saga.Step, tel *telemetry.Telemetry, clock spikes.Clock) *Service {
	return &Service{
		orders:     ordersRepo,
		executions: executions,
		stepRows:   stepRows,
		history:    history,
		executor:   executor,
		comp:       comp,
		retrier:    retrier,
		steps:      steps,
		tel:        tel,
		clock:      clock,
	}
}

// Submit persists a new order, runs the saga, and returns the order with its
// execution. A step failure compensates before returning; the saga outcome
// is reflected in the persisted order status.
func (s *Service) Submit(ctx context.Context, items []saga.OrderItem) (*OrderView, error) {
	if len(items) == 0 {
		return nil, spikes.NewErrorWithDetails(spikes.ValidationFailed,
			fmt.Errorf("an order needs at least one item"),
			map[string]any{"fieldErrors": []map[string]string{{"field": "items", "constraint": "required"}}})
	}
	now := s.clock.Now()
	var amount int64
	for _, item := range items {
		amount += item.PriceCents * int64(item.Quantity)
	}
	order := &saga.Order{
		ID:          spikes.NewUUID(),
		Status:      saga.OrderPending,
		Items:       items,
		AmountCents: amount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("inserting order: %w", err)
	}

	execution := &saga.Execution{
		ID:        spikes.NewUUID(),
		OrderID:   order.ID,
		Phase:     saga.PhaseRunning,
		StartedAt: now,
	}
	if err := s.executions.Insert(ctx, execution); err != nil {
		return nil, fmt.Errorf("inserting saga execution: %w", err)
	}
	if err := s.orders.UpdateStatus(ctx, order.ID, saga.OrderRunning, now); err != nil {
		return nil, fmt.Errorf("starting order: %w", err)
	}
	order.Status = saga.OrderRunning

	sc := saga.NewContext(order, execution.ID)
	outcome := s.executor.Execute(ctx, s.steps, sc, execution, nil)
	if outcome.AllSucceeded {
		end := s.clock.Now()
		execution.Phase = saga.PhaseCompleted
		execution.CompletedAt = &end
		if err := s.executions.Update(ctx, execution); err != nil {
			return nil, fmt.Errorf("completing execution: %w", err)
		}
		if err := s.orders.UpdateStatus(ctx, order.ID, saga.OrderCompleted, end); err != nil {
			return nil, fmt.Errorf("completing order: %w", err)
		}
		order.Status = saga.OrderCompleted
		s.recordSagaCompleted(ctx, sc)
		s.tel.SagaOutcomes.WithLabelValues("completed").Inc()
		return &OrderView{Order: order, Execution: execution}, nil
	}

	if _, err := s.comp.Compensate(ctx, sc, execution, outcome.Completed, outcome.FailedStep, true); err != nil {
		return nil, fmt.Errorf("compensating order %s: %w", order.ID, err)
	}
	order.Status = saga.OrderFailed
	return &OrderView{Order: order, Execution: execution}, nil
}

// Retry replays the order's FAILED saga.
func (s *Service) Retry(ctx context.Context, orderID spikes.UUID) (*OrderView, error) {
	if _, err := s.retrier.Retry(ctx, orderID, s.steps); err != nil {
		return nil, err
	}
	return s.Get(ctx, orderID)
}

// Get returns the order with its saga execution and step results.
func (s *Service) Get(ctx context.Context, orderID spikes.UUID) (*OrderView, error) {
	found, order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, spikes.NewError(spikes.ProductNotFound,
			fmt.Errorf("order %s not found", orderID))
	}
	view := &OrderView{Order: order}
	if ok, execution, err := s.executions.GetByOrderID(ctx, orderID); err == nil && ok {
		view.Execution = execution
		if rows, err := s.stepRows.ListByExecution(ctx, execution.ID); err == nil {
			view.Steps = rows
		}
	}
	return view, nil
}

func (s *Service) recordSagaCompleted(ctx context.Context, sc *saga.Context) {
	e := saga.HistoryEvent{
		ID:              spikes.NewUUID(),
		OrderID:         sc.OrderID,
		SagaExecutionID: sc.ExecutionID,
		Kind:            saga.HistorySagaCompleted,
		At:              s.clock.Now(),
	}
	if err := s.history.Append(ctx, e); err != nil {
		log.Warn("history append failed", "kind", string(saga.HistorySagaCompleted), "error", err.Error())
	}
}
