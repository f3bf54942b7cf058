package product

import (
	"errors"
	"testing"
	"time"

	"github.com/commercelab/spikes"
)

var now = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func draft(t *testing.T) *Product {
	t.Helper()
	p, err := NewProduct(spikes.NewUUID(), "SKU-1", "Widget", "", 1000, now)
	if err != nil {
		t.Fatalf("NewProduct: %v", err)
	}
	return p
}

func active(t *testing.T) *Product {
	t.Helper()
	p := draft(t)
	if err := p.Activate(1, now); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return p
}

func codeOf(t *testing.T, err error) spikes.ErrorCode {
	t.Helper()
	var tagged spikes.Error
	if !errors.As(err, &tagged) {
		t.Fatalf("expected a tagged error, got %v", err)
	}
	return tagged.Code
}

func TestNewProductStartsDraftAtVersionOne(t *testing.T) {
	p := draft(t)
	if p.Status != StatusDraft || p.Version != 1 {
		t.Errorf("got status=%s version=%d", p.Status, p.Version)
	}
}

func TestNewProductRejectsNegativePrice(t *testing.T) {
	_, err := NewProduct(spikes.NewUUID(), "SKU-1", "Widget", "", -1, now)
	if codeOf(t, err) != spikes.InvariantViolation {
		t.Errorf("got %v want InvariantViolation", err)
	}
}

func TestEveryMutationBumpsVersion(t *testing.T) {
	p := draft(t)
	if err := p.Update("Widget 2", "desc", 1, now); err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 {
		t.Errorf("after update, version %d want 2", p.Version)
	}
	if err := p.ChangePrice(1100, false, 0, 2, now); err != nil {
		t.Fatal(err)
	}
	if p.Version != 3 {
		t.Errorf("after price change, version %d want 3", p.Version)
	}
}

func TestVersionMismatchIsConcurrentModification(t *testing.T) {
	p := draft(t)
	err := p.Update("x", "", 7, now)
	if codeOf(t, err) != spikes.ConcurrentModification {
		t.Errorf("got %v want ConcurrentModification", err)
	}
	var tagged spikes.Error
	errors.As(err, &tagged)
	if tagged.Details["currentVersion"] != int64(1) || tagged.Details["expectedVersion"] != int64(7) {
		t.Errorf("details missing version pair: %v", tagged.Details)
	}
}

func TestStateMachineClosure(t *testing.T) {
	// DRAFT can activate and discontinue; ACTIVE can only discontinue;
	// DISCONTINUED is terminal.
	p := draft(t)
	if err := p.Activate(1, now); err != nil {
		t.Fatalf("DRAFT->ACTIVE: %v", err)
	}
	if err := p.Activate(2, now); codeOf(t, err) != spikes.InvalidStateTransition {
		t.Errorf("ACTIVE->ACTIVE must be rejected, got %v", err)
	}
	if err := p.Discontinue("eol", 2, now); err != nil {
		t.Fatalf("ACTIVE->DISCONTINUED: %v", err)
	}
	if err := p.Activate(3, now); codeOf(t, err) != spikes.InvalidStateTransition {
		t.Errorf("DISCONTINUED is terminal, got %v", err)
	}

	p2 := draft(t)
	if err := p2.Discontinue("never launched", 1, now); err != nil {
		t.Fatalf("DRAFT->DISCONTINUED: %v", err)
	}
}

func TestDiscontinueRecordsReason(t *testing.T) {
	p := active(t)
	if err := p.Discontinue("superseded", 2, now); err != nil {
		t.Fatal(err)
	}
	if p.DiscontinueReason != "superseded" {
		t.Errorf("reason, got %q", p.DiscontinueReason)
	}
}

func TestPriceThresholdOnActiveProducts(t *testing.T) {
	p := active(t)

	// 21% up without confirmation: rejected with the numbers in details.
	err := p.ChangePrice(1210, false, 0, 2, now)
	if codeOf(t, err) != spikes.PriceThresholdExceeded {
		t.Fatalf("got %v want PriceThresholdExceeded", err)
	}
	var tagged spikes.Error
	errors.As(err, &tagged)
	if tagged.Details["requestedPriceCents"] != int64(1210) {
		t.Errorf("details: %v", tagged.Details)
	}
	if p.PriceCents != 1000 || p.Version != 2 {
		t.Error("rejected change mutated the aggregate")
	}

	// Same change with confirmation applies.
	if err := p.ChangePrice(1210, true, 0, 2, now); err != nil {
		t.Fatalf("confirmed change: %v", err)
	}
	if p.PriceCents != 1210 || p.Version != 3 {
		t.Errorf("got price=%d version=%d", p.PriceCents, p.Version)
	}
}

func TestPriceThresholdExactBoundaryApplies(t *testing.T) {
	p := active(t)
	// Exactly 20% is not above the threshold.
	if err := p.ChangePrice(1200, false, 0, 2, now); err != nil {
		t.Errorf("20%% change must apply without confirmation: %v", err)
	}
}

func TestPriceThresholdAppliesToDecreases(t *testing.T) {
	p := active(t)
	err := p.ChangePrice(700, false, 0, 2, now)
	if codeOf(t, err) != spikes.PriceThresholdExceeded {
		t.Errorf("30%% decrease must be guarded, got %v", err)
	}
}

func TestDraftPriceChangesAreUnguarded(t *testing.T) {
	p := draft(t)
	if err := p.ChangePrice(9000, false, 0, 1, now); err != nil {
		t.Errorf("draft price change: %v", err)
	}
}

func TestMutationsOnDeletedProductFail(t *testing.T) {
	p := draft(t)
	if err := p.MarkDeleted("ops", 1, now); err != nil {
		t.Fatal(err)
	}
	if err := p.Update("x", "", 2, now); codeOf(t, err) != spikes.ProductDeleted {
		t.Errorf("got %v want ProductDeleted", err)
	}
	if err := p.MarkDeleted("ops", 2, now); codeOf(t, err) != spikes.ProductDeleted {
		t.Errorf("double delete, got %v want ProductDeleted", err)
	}
}
