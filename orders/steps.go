// Package orders is the concrete order saga: reserve inventory, authorize
// payment, arrange shipment, compensating in reverse on failure. The
// collaborating services are ports; production wiring plugs in the real
// clients and tests plug in stubs.
package orders

import (
	"context"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/resiliency"
	"github.com/commercelab/spikes/saga"
)

// Step names double as context keys for the recorded resource ids.
const (
	StepReserve   = "reserve"
	StepAuthorize = "authorize"
	StepShip      = "ship"
)

// InventoryService reserves and releases stock.
type InventoryService interface {
	Reserve(ctx context.Context, orderID spikes.UUID, items []saga.OrderItem) (reservationID string, err error)
	Release(ctx context.Context, reservationID string) error
	ReservationExists(ctx context.Context, reservationID string) bool
}

// PaymentService authorizes and voids payments.
type PaymentService interface {
	Authorize(ctx context.Context, orderID spikes.UUID, amountCents int64) (authorizationID string, err error)
	Void(ctx context.Context, authorizationID string) error
	AuthorizationExists(ctx context.Context, authorizationID string) bool
}

// ShipmentService arranges and cancels shipments.
type ShipmentService interface {
	Arrange(ctx context.Context, orderID spikes.UUID, items []saga.OrderItem) (shipmentID string, err error)
	Cancel(ctx context.Context, shipmentID string) error
}

// reserveStep holds stock for the order.
type reserveStep struct {
	inventory InventoryService
}

func (s reserveStep) Name() string {
	return StepReserve
}

func (s reserveStep) Execute(ctx context.Context, sc *saga.Context) (string, error) {
	reservationID, err := s.inventory.Reserve(ctx, sc.OrderID, sc.Order.Items)
	if err != nil {
		return "", err
	}
	sc.Set(StepReserve, reservationID)
	return reservationID, nil
}

func (s reserveStep) Compensate(ctx context.Context, sc *saga.Context) spikes.CompensationOutcome {
	reservationID, ok := sc.Get(StepReserve)
	if !ok || reservationID == "" {
		return spikes.NotRequiredOutcome()
	}
	if err := s.inventory.Release(ctx, reservationID); err != nil {
		return spikes.CompensationFailure(err)
	}
	return spikes.CompensatedOutcome()
}

func (s reserveStep) StillValid(ctx context.Context, sc *saga.Context, payload string) bool {
	if payload == "" {
		return false
	}
	return s.inventory.ReservationExists(ctx, payload)
}

// authorizeStep authorizes payment for the order amount.
type authorizeStep struct {
	payments PaymentService
}

func (s authorizeStep) Name() string {
	return StepAuthorize
}

func (s authorizeStep) Execute(ctx context.Context, sc *saga.Context) (string, error) {
	authorizationID, err := s.payments.Authorize(ctx, sc.OrderID, sc.Order.AmountCents)
	if err != nil {
		return "", err
	}
	sc.Set(StepAuthorize, authorizationID)
	return authorizationID, nil
}

func (s authorizeStep) Compensate(ctx context.Context, sc *saga.Context) spikes.CompensationOutcome {
	authorizationID, ok := sc.Get(StepAuthorize)
	if !ok || authorizationID == "" {
		return spikes.NotRequiredOutcome()
	}
	if err := s.payments.Void(ctx, authorizationID); err != nil {
		return spikes.CompensationFailure(err)
	}
	return spikes.CompensatedOutcome()
}

func (s authorizeStep) StillValid(ctx context.Context, sc *saga.Context, payload string) bool {
	if payload == "" {
		return false
	}
	return s.payments.AuthorizationExists(ctx, payload)
}

// shipStep arranges the shipment.
type shipStep struct {
	shipments ShipmentService
}

func (s shipStep) Name() string {
	return StepShip
}

func (s shipStep) Execute(ctx context.Context, sc *saga.Context) (string, error) {
	shipmentID, err := s.shipments.Arrange(ctx, sc.OrderID, sc.Order.Items)
	if err != nil {
		return "", err
	}
	sc.Set(StepShip, shipmentID)
	return shipmentID, nil
}

func (s shipStep) Compensate(ctx context.Context, sc *saga.Context) spikes.CompensationOutcome {
	shipmentID, ok := sc.Get(StepShip)
	if !ok || shipmentID == "" {
		return spikes.NotRequiredOutcome()
	}
	if err := s.shipments.Cancel(ctx, shipmentID); err != nil {
		return spikes.CompensationFailure(err)
	}
	return spikes.CompensatedOutcome()
}

// guardedStep composes the resiliency policy around a step's execution.
// Compensation is never rate limited or broken: rollback must always get
// its chance to run.
type guardedStep struct {
	saga.Step
	policy *resiliency.Policy
}

func (g guardedStep) Execute(ctx context.Context, sc *saga.Context) (string, error) {
	result, err := g.policy.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.Step.Execute(ctx, sc)
	})
	if err != nil {
		return "", err
	}
	payload, _ := result.(string)
	return payload, nil
}

func (g guardedStep) StillValid(ctx context.Context, sc *saga.Context, payload string) bool {
	if v, ok := g.Step.(saga.Verifier); ok {
		return v.StillValid(ctx, sc, payload)
	}
	return true
}

// Steps builds the registered ordered step list, each wrapped in the policy
// when one is given.
func Steps(inventory InventoryService, payments PaymentService, shipments ShipmentService, policy *resiliency.Policy) []saga.Step {
	steps := []saga.Step{
		reserveStep{inventory: inventory},
		authorizeStep{payments: payments},
		shipStep{shipments: shipments},
	}
	if policy == nil {
		return steps
	}
	guarded := make([]saga.Step, len(steps))
	for i, s := range steps {
		guarded[i] = guardedStep{Step: s, policy: policy}
	}
	return guarded
}
