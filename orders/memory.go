package orders

import (
	"context"
	"fmt"
	"sync"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/saga"
)

// MemoryInventory is an in-process InventoryService for local runs and tests.
// Failure modes are injectable.
type MemoryInventory struct {
	mu           sync.Mutex
	reservations map[string]bool
	next         int

	// FailReserve makes Reserve return the error.
	FailReserve error
	// FailRelease makes Release return the error.
	FailRelease error
}

func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{reservations: make(map[string]bool)}
}

func (m *MemoryInventory) Reserve(ctx context.Context, orderID spikes.UUID, items []saga.OrderItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReserve != nil {
		return "", m.FailReserve
	}
	m.next++
	id := fmt.Sprintf("rsv-%d", m.next)
	m.reservations[id] = true
	return id, nil
}

func (m *MemoryInventory) Release(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRelease != nil {
		return m.FailRelease
	}
	delete(m.reservations, reservationID)
	return nil
}

func (m *MemoryInventory) ReservationExists(ctx context.Context, reservationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservations[reservationID]
}

// Drop forgets a reservation without releasing it, simulating external loss.
func (m *MemoryInventory) Drop(reservationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, reservationID)
}

// MemoryPayments is an in-process PaymentService.
type MemoryPayments struct {
	mu             sync.Mutex
	authorizations map[string]bool
	next           int

	FailAuthorize error
	FailVoid      error
}

func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{authorizations: make(map[string]bool)}
}

func (m *MemoryPayments) Authorize(ctx context.Context, orderID spikes.UUID, amountCents int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAuthorize != nil {
		return "", m.FailAuthorize
	}
	m.next++
	id := fmt.Sprintf("auth-%d", m.next)
	m.authorizations[id] = true
	return id, nil
}

func (m *MemoryPayments) Void(ctx context.Context, authorizationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailVoid != nil {
		return m.FailVoid
	}
	delete(m.authorizations, authorizationID)
	return nil
}

func (m *MemoryPayments) AuthorizationExists(ctx context.Context, authorizationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorizations[authorizationID]
}

// MemoryShipments is an in-process ShipmentService.
type MemoryShipments struct {
	mu        sync.Mutex
	shipments map[string]bool
	next      int

	FailArrange error
	FailCancel  error
}

func NewMemoryShipments() *MemoryShipments {
	return &MemoryShipments{shipments: make(map[string]bool)}
}

func (m *MemoryShipments) Arrange(ctx context.Context, orderID spikes.UUID, items []saga.OrderItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailArrange != nil {
		return "", m.FailArrange
	}
	m.next++
	id := fmt.Sprintf("shp-%d", m.next)
	m.shipments[id] = true
	return id, nil
}

func (m *MemoryShipments) Cancel(ctx context.Context, shipmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCancel != nil {
		return m.FailCancel
	}
	delete(m.shipments, shipmentID)
	return nil
}
