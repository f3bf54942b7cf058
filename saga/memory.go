package saga

import (
	"context"
	"sync"
	"time"

	"github.com/commercelab/spikes"
)

// MemoryOrderRepository is an in-process OrderRepository for local runs and
// tests.
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[spikes.UUID]*Order

	// ErrOnInsert, when set, is returned by Insert.
	ErrOnInsert error
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[spikes.UUID]*Order)}
}

func (r *MemoryOrderRepository) Insert(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ErrOnInsert != nil {
		return r.ErrOnInsert
	}
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *MemoryOrderRepository) Get(ctx context.Context, id spikes.UUID) (bool, *Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return false, nil, nil
	}
	cp := *o
	return true, &cp, nil
}

func (r *MemoryOrderRepository) UpdateStatus(ctx context.Context, id spikes.UUID, status OrderStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		o.Status = status
		o.UpdatedAt = at
	}
	return nil
}

// MemoryExecutionRepository is an in-process ExecutionRepository.
type MemoryExecutionRepository struct {
	mu         sync.Mutex
	executions map[spikes.UUID]*Execution
}

func NewMemoryExecutionRepository() *MemoryExecutionRepository {
	return &MemoryExecutionRepository{executions: make(map[spikes.UUID]*Execution)}
}

func (r *MemoryExecutionRepository) Insert(ctx context.Context, e *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.executions[e.ID] = &cp
	return nil
}

func (r *MemoryExecutionRepository) Update(ctx context.Context, e *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.executions[e.ID] = &cp
	return nil
}

func (r *MemoryExecutionRepository) GetByOrderID(ctx context.Context, orderID spikes.UUID) (bool, *Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Execution
	for _, e := range r.executions {
		if e.OrderID != orderID {
			continue
		}
		if latest == nil || e.StartedAt.After(latest.StartedAt) {
			latest = e
		}
	}
	if latest == nil {
		return false, nil, nil
	}
	cp := *latest
	return true, &cp, nil
}

// MemoryStepResultRepository is an in-process StepResultRepository preserving
// insert order.
type MemoryStepResultRepository struct {
	mu   sync.Mutex
	rows []*StepResult
}

func NewMemoryStepResultRepository() *MemoryStepResultRepository {
	return &MemoryStepResultRepository{}
}

func (r *MemoryStepResultRepository) Insert(ctx context.Context, s *StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *MemoryStepResultRepository) Update(ctx context.Context, s *StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID == s.ID {
			cp := *s
			r.rows[i] = &cp
			return nil
		}
	}
	return nil
}

func (r *MemoryStepResultRepository) ListByExecution(ctx context.Context, executionID spikes.UUID) ([]StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StepResult
	for _, row := range r.rows {
		if row.SagaExecutionID == executionID {
			out = append(out, *row)
		}
	}
	return out, nil
}

// MemoryHistoryRepository is an in-process HistoryRepository.
type MemoryHistoryRepository struct {
	mu     sync.Mutex
	events []HistoryEvent
}

func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{}
}

func (r *MemoryHistoryRepository) Append(ctx context.Context, e HistoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryHistoryRepository) ListByOrder(ctx context.Context, orderID spikes.UUID) ([]HistoryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryEvent
	for _, e := range r.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}
