package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/saga"
	"github.com/commercelab/spikes/telemetry"
)

var testClock = spikes.FrozenClock{T: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)}

type fixture struct {
	inventory *MemoryInventory
	payments  *MemoryPayments
	shipments *MemoryShipments
	orders    *saga.MemoryOrderRepository
	history   *saga.MemoryHistoryRepository
	service   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		inventory: NewMemoryInventory(),
		payments:  NewMemoryPayments(),
		shipments: NewMemoryShipments(),
		orders:    saga.NewMemoryOrderRepository(),
		history:   saga.NewMemoryHistoryRepository(),
	}
	executions := saga.NewMemoryExecutionRepository()
	stepRows := saga.NewMemoryStepResultRepository()
	tel := telemetry.New(prometheus.NewRegistry())
	executor := saga.NewExecutor(executions, stepRows, f.history, tel, testClock)
	comp := saga.NewCompensator(executions, stepRows, f.orders, f.history, tel, testClock)
	retrier := saga.NewRetryOrchestrator(executions, stepRows, f.orders, f.history, executor, comp, tel, testClock, nil)
	steps := Steps(f.inventory, f.payments, f.shipments, nil)
	f.service = NewService(f.orders, executions, stepRows, f.history, executor, comp, retrier, steps, tel, testClock)
	return f
}

func items() []saga.OrderItem {
	return []saga.OrderItem{{SKU: "SKU-1", Quantity: 2, PriceCents: 500}}
}

func TestSubmitRunsAllStepsAndCompletes(t *testing.T) {
	f := newFixture(t)

	view, err := f.service.Submit(context.Background(), items())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if view.Order.Status != saga.OrderCompleted {
		t.Errorf("order status %s want COMPLETED", view.Order.Status)
	}
	if view.Order.AmountCents != 1000 {
		t.Errorf("amount %d want 1000", view.Order.AmountCents)
	}
	if view.Execution.Phase != saga.PhaseCompleted {
		t.Errorf("phase %s want COMPLETED", view.Execution.Phase)
	}
}

func TestSubmitRejectsEmptyOrders(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Submit(context.Background(), nil)
	if spikes.CodeOf(err) != spikes.ValidationFailed {
		t.Errorf("got %v want ValidationFailed", err)
	}
}

func TestSubmitCompensatesOnStepFailure(t *testing.T) {
	f := newFixture(t)
	f.shipments.FailArrange = errors.New("no carrier available")

	view, err := f.service.Submit(context.Background(), items())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if view.Order.Status != saga.OrderFailed {
		t.Errorf("order status %s want FAILED", view.Order.Status)
	}
	// Reservation and authorization rolled back.
	loaded, _ := f.service.Get(context.Background(), view.Order.ID)
	for _, step := range loaded.Steps {
		switch step.StepName {
		case StepReserve, StepAuthorize:
			if step.State != saga.StepCompensated {
				t.Errorf("step %s state %s want COMPENSATED", step.StepName, step.State)
			}
		case StepShip:
			if step.State != saga.StepFailed {
				t.Errorf("step %s state %s want FAILED", step.StepName, step.State)
			}
		}
	}
}

func TestSubmitFailureLeavesNoHeldResources(t *testing.T) {
	f := newFixture(t)
	f.shipments.FailArrange = errors.New("no carrier available")

	view, _ := f.service.Submit(context.Background(), items())

	// Pull the recorded ids from history to probe the collaborators.
	events, _ := f.history.ListByOrder(context.Background(), view.Order.ID)
	for _, e := range events {
		if e.Kind != saga.HistoryStepCompleted {
			continue
		}
		switch e.StepName {
		case StepReserve:
			if f.inventory.ReservationExists(context.Background(), e.Payload) {
				t.Error("reservation survived compensation")
			}
		case StepAuthorize:
			if f.payments.AuthorizationExists(context.Background(), e.Payload) {
				t.Error("authorization survived compensation")
			}
		}
	}
}

func TestRetryCompletesAFailedOrder(t *testing.T) {
	f := newFixture(t)
	f.shipments.FailArrange = errors.New("no carrier available")
	view, err := f.service.Submit(context.Background(), items())
	if err != nil {
		t.Fatal(err)
	}

	f.shipments.FailArrange = nil
	retried, err := f.service.Retry(context.Background(), view.Order.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Order.Status != saga.OrderCompleted {
		t.Errorf("order status %s want COMPLETED", retried.Order.Status)
	}
}

func TestRetryRejectsCompletedOrders(t *testing.T) {
	f := newFixture(t)
	view, err := f.service.Submit(context.Background(), items())
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.service.Retry(context.Background(), view.Order.ID)
	if spikes.CodeOf(err) != spikes.InvalidStateTransition {
		t.Errorf("got %v want InvalidStateTransition", err)
	}
}

func TestGetUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Get(context.Background(), spikes.NewUUID())
	if spikes.CodeOf(err) != spikes.ProductNotFound {
		t.Errorf("got %v want not found", err)
	}
}

func TestStepsComposeThePolicyWrapper(t *testing.T) {
	f := newFixture(t)
	// Compensation must run even when the policy would reject execution;
	// the wrapper only guards Execute.
	steps := Steps(f.inventory, f.payments, f.shipments, nil)
	if len(steps) != 3 {
		t.Fatalf("steps: %d want 3", len(steps))
	}
	names := []string{StepReserve, StepAuthorize, StepShip}
	for i, s := range steps {
		if s.Name() != names[i] {
			t.Errorf("step %d name %s want %s", i, s.Name(), names[i])
		}
	}
}
