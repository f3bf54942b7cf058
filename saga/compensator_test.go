package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCompensateRollsBackInReverseOrder(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	boom := errors.New("carrier unavailable")
	steps := []Step{
		&fakeStep{name: "reserve", trace: &trace},
		&fakeStep{name: "authorize", trace: &trace},
		&fakeStep{name: "ship", trace: &trace, execErr: boom, notRequired: true},
	}
	ctx := context.Background()

	outcome := f.executor.Execute(ctx, steps, f.sc, f.execution, nil)
	if outcome.AllSucceeded {
		t.Fatal("ship must fail")
	}
	summary, err := f.comp.Compensate(ctx, f.sc, f.execution, outcome.Completed, outcome.FailedStep, true)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if !summary.AllSuccessful {
		t.Errorf("summary: %+v", summary)
	}

	// Failed step first (nothing to undo), then completed steps newest first.
	want := []string{"exec:reserve", "exec:authorize", "exec:ship", "comp:ship", "comp:authorize", "comp:reserve"}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Errorf("trace %v want %v", trace, want)
	}

	if f.execution.Phase != PhaseFailed {
		t.Errorf("phase %s want FAILED", f.execution.Phase)
	}
	_, order, _ := f.orders.Get(ctx, f.order.ID)
	if order.Status != OrderFailed {
		t.Errorf("order status %s want FAILED", order.Status)
	}
	states := f.stepStates(t)
	if states["reserve"] != StepCompensated || states["authorize"] != StepCompensated {
		t.Errorf("states: %v", states)
	}
	if states["ship"] != StepFailed {
		t.Errorf("failed step row must stay FAILED, got %s", states["ship"])
	}
}

func TestCompensationFailuresNeverCascade(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	steps := []Step{
		&fakeStep{name: "reserve", trace: &trace, compErr: errors.New("inventory service down")},
		&fakeStep{name: "authorize", trace: &trace},
		&fakeStep{name: "ship", trace: &trace, execErr: errors.New("boom"), notRequired: true},
	}
	ctx := context.Background()

	outcome := f.executor.Execute(ctx, steps, f.sc, f.execution, nil)
	summary, err := f.comp.Compensate(ctx, f.sc, f.execution, outcome.Completed, outcome.FailedStep, true)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if summary.AllSuccessful {
		t.Error("failed compensation not reported")
	}
	if len(summary.FailedCompensations) != 1 || summary.FailedCompensations[0] != "reserve" {
		t.Errorf("failed compensations: %v", summary.FailedCompensations)
	}
	// authorize still compensated despite reserve's rollback failing after it.
	found := false
	for _, name := range summary.CompensatedSteps {
		if name == "authorize" {
			found = true
		}
	}
	if !found {
		t.Errorf("compensated steps: %v", summary.CompensatedSteps)
	}
}

func TestCompensateHistoryTrail(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	steps := []Step{
		&fakeStep{name: "reserve", trace: &trace},
		&fakeStep{name: "authorize", trace: &trace, execErr: errors.New("declined"), notRequired: true},
	}
	ctx := context.Background()

	outcome := f.executor.Execute(ctx, steps, f.sc, f.execution, nil)
	if _, err := f.comp.Compensate(ctx, f.sc, f.execution, outcome.Completed, outcome.FailedStep, true); err != nil {
		t.Fatal(err)
	}

	events, _ := f.history.ListByOrder(ctx, f.order.ID)
	var kinds []HistoryKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []HistoryKind{
		HistoryStepStarted, HistoryStepCompleted,
		HistoryStepStarted, HistoryStepFailed,
		HistoryCompensationStarted,
		HistoryStepCompensated, // authorize, nothing to undo
		HistoryStepCompensated, // reserve
		HistorySagaFailed,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("history kinds %v want %v", kinds, want)
	}
	// The not-required rollback is distinguishable in the trail.
	if events[5].Payload != "not-required" {
		t.Errorf("not-required marker missing: %+v", events[5])
	}
}

func TestCompensateSuppressesSagaFailedForRetryPaths(t *testing.T) {
	f := newSagaFixture(t)
	var trace []string
	steps := []Step{&fakeStep{name: "reserve", trace: &trace, execErr: errors.New("boom"), notRequired: true}}
	ctx := context.Background()

	outcome := f.executor.Execute(ctx, steps, f.sc, f.execution, nil)
	if _, err := f.comp.Compensate(ctx, f.sc, f.execution, outcome.Completed, outcome.FailedStep, false); err != nil {
		t.Fatal(err)
	}
	events, _ := f.history.ListByOrder(ctx, f.order.ID)
	for _, e := range events {
		if e.Kind == HistorySagaFailed {
			t.Error("SagaFailed must be suppressed when the caller owns the verdict")
		}
	}
}
