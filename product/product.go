// Package product is the CQRS write side: the product aggregate with its
// status state machine and versioned mutations, the command types, and the
// command handler that runs them under the resiliency policy with
// idempotency and a transactional outbox.
package product

import (
	"fmt"
	"time"

	"github.com/commercelab/spikes"
)

// Status of a product aggregate.
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusActive       Status = "ACTIVE"
	StatusDiscontinued Status = "DISCONTINUED"
)

// DefaultPriceChangeThresholdPct is the relative price change (on ACTIVE
// products) above which ConfirmLarge is required.
const DefaultPriceChangeThresholdPct = 20.0

// Product is the aggregate root. Version is bumped by every successful
// mutation and acts as the optimistic-concurrency token; rows compare-and-set
// on it.
type Product struct {
	ID                spikes.UUID
	SKU               string
	Name              string
	Description       string
	PriceCents        int64
	Status            Status
	Version           int64
	Deleted           bool
	DeletedBy         string
	DiscontinueReason string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// allowed status transitions. DISCONTINUED is terminal.
var transitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusDiscontinued},
	StatusActive: {StatusDiscontinued},
}

func canTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// NewProduct creates a DRAFT aggregate at version 1.
func NewProduct(id spikes.UUID, sku, name, description string, priceCents int64, now time.Time) (*Product, error) {
	if priceCents < 0 {
		return nil, priceInvariantError(priceCents)
	}
	return &Product{
		ID:          id,
		SKU:         sku,
		Name:        name,
		Description: description,
		PriceCents:  priceCents,
		Status:      StatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// guard enforces the shared mutation preconditions: not deleted and the
// caller's expected version matching the current one.
func (p *Product) guard(expectedVersion int64) error {
	if p.Deleted {
		return spikes.NewError(spikes.ProductDeleted,
			fmt.Errorf("product %s is deleted", p.ID))
	}
	if p.Version != expectedVersion {
		return spikes.NewErrorWithDetails(spikes.ConcurrentModification,
			fmt.Errorf("product %s version mismatch", p.ID),
			map[string]any{"currentVersion": p.Version, "expectedVersion": expectedVersion})
	}
	return nil
}

func (p *Product) bump(now time.Time) {
	p.Version++
	p.UpdatedAt = now
}

// Update replaces name and description.
func (p *Product) Update(name, description string, expectedVersion int64, now time.Time) error {
	if err := p.guard(expectedVersion); err != nil {
		return err
	}
	p.Name = name
	p.Description = description
	p.bump(now)
	return nil
}

// ChangePrice sets a new price. On ACTIVE products a relative change above
// thresholdPct requires confirmLarge.
func (p *Product) ChangePrice(newPriceCents int64, confirmLarge bool, thresholdPct float64, expectedVersion int64, now time.Time) error {
	if err := p.guard(expectedVersion); err != nil {
		return err
	}
	if newPriceCents < 0 {
		return priceInvariantError(newPriceCents)
	}
	if thresholdPct <= 0 {
		thresholdPct = DefaultPriceChangeThresholdPct
	}
	if p.Status == StatusActive && p.PriceCents > 0 && !confirmLarge {
		changePct := float64(newPriceCents-p.PriceCents) / float64(p.PriceCents) * 100
		if changePct < 0 {
			changePct = -changePct
		}
		if changePct > thresholdPct {
			return spikes.NewErrorWithDetails(spikes.PriceThresholdExceeded,
				fmt.Errorf("price change of %.1f%% on product %s exceeds threshold", changePct, p.ID),
				map[string]any{
					"currentPriceCents":   p.PriceCents,
					"requestedPriceCents": newPriceCents,
					"changePercent":       changePct,
					"thresholdPercent":    thresholdPct,
				})
		}
	}
	p.PriceCents = newPriceCents
	p.bump(now)
	return nil
}

// Activate transitions DRAFT to ACTIVE.
func (p *Product) Activate(expectedVersion int64, now time.Time) error {
	if err := p.guard(expectedVersion); err != nil {
		return err
	}
	if err := p.transition(StatusActive); err != nil {
		return err
	}
	p.bump(now)
	return nil
}

// Discontinue transitions to the terminal DISCONTINUED status.
func (p *Product) Discontinue(reason string, expectedVersion int64, now time.Time) error {
	if err := p.guard(expectedVersion); err != nil {
		return err
	}
	if err := p.transition(StatusDiscontinued); err != nil {
		return err
	}
	p.DiscontinueReason = reason
	p.bump(now)
	return nil
}

// MarkDeleted soft-deletes the aggregate. Deletion also requires the version
// match.
func (p *Product) MarkDeleted(deletedBy string, expectedVersion int64, now time.Time) error {
	if err := p.guard(expectedVersion); err != nil {
		return err
	}
	p.Deleted = true
	p.DeletedBy = deletedBy
	p.bump(now)
	return nil
}

func (p *Product) transition(to Status) error {
	if !canTransition(p.Status, to) {
		return spikes.NewErrorWithDetails(spikes.InvalidStateTransition,
			fmt.Errorf("product %s cannot move from %s to %s", p.ID, p.Status, to),
			map[string]any{"currentStatus": string(p.Status), "targetStatus": string(to)})
	}
	p.Status = to
	return nil
}

func priceInvariantError(priceCents int64) error {
	return spikes.NewErrorWithDetails(spikes.InvariantViolation,
		fmt.Errorf("price_cents must be non-negative, got %d", priceCents),
		map[string]any{"invariant": "price_cents >= 0", "priceCents": priceCents})
}
