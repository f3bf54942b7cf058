package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/telemetry"
)

// verifiableStep is a fakeStep whose recorded resource can be checked.
type verifiableStep struct {
	fakeStep
	valid bool
}

func (s *verifiableStep) StillValid(ctx context.Context, sc *Context, payload string) bool {
	return s.valid
}

func newRetryOrchestrator(f *sagaFixture, classify FailureClassifier) *RetryOrchestrator {
	tel := telemetry.New(prometheus.NewRegistry())
	return NewRetryOrchestrator(f.executions, f.stepRows, f.orders, f.history, f.executor, f.comp, tel, testClock, classify)
}

// failSaga runs the step list to failure and compensates, leaving the saga in
// the FAILED phase the way a real first run would.
func failSaga(t *testing.T, f *sagaFixture, steps []Step) {
	t.Helper()
	ctx := context.Background()
	outcome := f.executor.Execute(ctx, steps, f.sc, f.execution, nil)
	if outcome.AllSucceeded {
		t.Fatal("fixture saga must fail")
	}
	if _, err := f.comp.Compensate(ctx, f.sc, f.execution, outcome.Completed, outcome.FailedStep, true); err != nil {
		t.Fatal(err)
	}
}

func TestRetrySkipsStepsWhoseResourcesSurvived(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	// reserve's rollback fails, so its row stays COMPLETED and the
	// reservation is still held when the retry arrives.
	reserve := &verifiableStep{fakeStep: fakeStep{name: "reserve", trace: &trace, compErr: errors.New("inventory down")}, valid: true}
	authorize := &fakeStep{name: "authorize", trace: &trace, execErr: errors.New("declined"), notRequired: true}
	failSaga(t, f, []Step{reserve, authorize})

	// The transient cause clears; retry with a healthy authorize step.
	trace = nil
	healthyAuthorize := &fakeStep{name: "authorize", trace: &trace}
	r := newRetryOrchestrator(f, nil)
	outcome, err := r.Retry(context.Background(), f.order.ID, []Step{reserve, healthyAuthorize})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !outcome.AllSucceeded {
		t.Fatalf("outcome: %+v", outcome)
	}
	for _, call := range trace {
		if call == "exec:reserve" {
			t.Error("compensated-but-still-valid step semantics: reserve was re-executed")
		}
	}

	_, order, _ := f.orders.Get(context.Background(), f.order.ID)
	if order.Status != OrderCompleted {
		t.Errorf("order status %s want COMPLETED", order.Status)
	}
	_, execution, _ := f.executions.GetByOrderID(context.Background(), f.order.ID)
	if execution.Phase != PhaseCompleted {
		t.Errorf("phase %s want COMPLETED", execution.Phase)
	}
}

func TestRetryReExecutesStepsWhoseResourcesAreGone(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	// reserve's row stays COMPLETED (rollback failed) but the reservation
	// expired externally, so the verifier rejects the skip.
	reserve := &verifiableStep{fakeStep: fakeStep{name: "reserve", trace: &trace, compErr: errors.New("inventory down")}, valid: false}
	authorize := &fakeStep{name: "authorize", trace: &trace, execErr: errors.New("declined"), notRequired: true}
	failSaga(t, f, []Step{reserve, authorize})

	trace = nil
	healthyAuthorize := &fakeStep{name: "authorize", trace: &trace}
	r := newRetryOrchestrator(f, nil)
	outcome, err := r.Retry(context.Background(), f.order.ID, []Step{reserve, healthyAuthorize})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !outcome.AllSucceeded {
		t.Fatalf("outcome: %+v", outcome)
	}
	ranReserve := false
	for _, call := range trace {
		if call == "exec:reserve" {
			ranReserve = true
		}
	}
	if !ranReserve {
		t.Error("a step whose resource vanished must re-execute")
	}
}

func TestRetryRejectsNonFailedSagas(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	steps := []Step{&fakeStep{name: "reserve", trace: &trace}}
	outcome := f.executor.Execute(context.Background(), steps, f.sc, f.execution, nil)
	if !outcome.AllSucceeded {
		t.Fatal(outcome.Err)
	}
	f.execution.Phase = PhaseCompleted
	if err := f.executions.Update(context.Background(), f.execution); err != nil {
		t.Fatal(err)
	}

	r := newRetryOrchestrator(f, nil)
	_, err := r.Retry(context.Background(), f.order.ID, steps)
	if spikes.CodeOf(err) != spikes.InvalidStateTransition {
		t.Errorf("got %v want InvalidStateTransition", err)
	}
}

func TestRetryHonorsTheFailureClassifier(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	steps := []Step{&fakeStep{name: "reserve", trace: &trace, execErr: errors.New("card stolen"), notRequired: true}}
	failSaga(t, f, steps)

	neverRetry := func(stepName, errorMessage string) bool { return false }
	r := newRetryOrchestrator(f, neverRetry)
	_, err := r.Retry(context.Background(), f.order.ID, steps)
	if spikes.CodeOf(err) != spikes.InvariantViolation {
		t.Errorf("got %v want InvariantViolation", err)
	}
}

func TestRetryIsIdempotentAcrossAttempts(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	reserve := &fakeStep{name: "reserve", trace: &trace}
	flaky := &fakeStep{name: "authorize", trace: &trace, execErr: errors.New("declined"), notRequired: true}
	failSaga(t, f, []Step{reserve, flaky})

	// First retry fails the same way; second succeeds. Terminal state must
	// match a single clean run.
	r := newRetryOrchestrator(f, nil)
	if _, err := r.Retry(context.Background(), f.order.ID, []Step{reserve, flaky}); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	healthy := &fakeStep{name: "authorize", trace: &trace}
	outcome, err := r.Retry(context.Background(), f.order.ID, []Step{reserve, healthy})
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if !outcome.AllSucceeded {
		t.Fatalf("outcome: %+v", outcome)
	}
	_, order, _ := f.orders.Get(context.Background(), f.order.ID)
	if order.Status != OrderCompleted {
		t.Errorf("order status %s want COMPLETED", order.Status)
	}
}
