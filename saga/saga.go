// Package saga executes long-running multi-step business transactions with
// compensation on failure. The engine is orchestrator-driven: an Executor
// runs a registered ordered step list recording per-step state, a
// Compensator rolls completed steps back in reverse order, and a
// RetryOrchestrator replays a FAILED saga from its last good step.
package saga

import (
	"context"
	"sync"
	"time"

	"github.com/commercelab/spikes"
)

// Phase of a saga execution.
type Phase string

const (
	PhaseRunning      Phase = "RUNNING"
	PhaseCompensating Phase = "COMPENSATING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// StepState of a persisted step result.
type StepState string

const (
	StepPending     StepState = "PENDING"
	StepInProgress  StepState = "IN_PROGRESS"
	StepCompleted   StepState = "COMPLETED"
	StepFailed      StepState = "FAILED"
	StepSkipped     StepState = "SKIPPED"
	StepCompensated StepState = "COMPENSATED"
)

// OrderStatus of the business order driving the saga.
type OrderStatus string

const (
	OrderPending      OrderStatus = "PENDING"
	OrderRunning      OrderStatus = "RUNNING"
	OrderCompleted    OrderStatus = "COMPLETED"
	OrderCompensating OrderStatus = "COMPENSATING"
	OrderFailed       OrderStatus = "FAILED"
	OrderDeleted      OrderStatus = "DELETED"
)

// HistoryKind enumerates the append-only saga history events.
type HistoryKind string

const (
	HistoryStepStarted         HistoryKind = "StepStarted"
	HistoryStepCompleted       HistoryKind = "StepCompleted"
	HistoryStepFailed          HistoryKind = "StepFailed"
	HistoryCompensationStarted HistoryKind = "CompensationStarted"
	HistoryStepCompensated     HistoryKind = "StepCompensated"
	HistoryCompensationFailed  HistoryKind = "CompensationFailed"
	HistorySagaFailed          HistoryKind = "SagaFailed"
	HistorySagaCompleted       HistoryKind = "SagaCompleted"
)

// OrderItem is one line of an order.
type OrderItem struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"priceCents"`
}

// Order is the business entity a saga works on.
type Order struct {
	ID          spikes.UUID
	Status      OrderStatus
	Items       []OrderItem
	AmountCents int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Execution is one saga run for an order. CurrentStep is 1-based.
type Execution struct {
	ID                    spikes.UUID
	OrderID               spikes.UUID
	Phase                 Phase
	CurrentStep           int
	StartedAt             time.Time
	CompletedAt           *time.Time
	CompensationStartedAt *time.Time
}

// StepResult is the persisted record of one step's state and payload, used
// for progress tracking and skip decisions on retry.
type StepResult struct {
	ID              spikes.UUID
	SagaExecutionID spikes.UUID
	StepName        string
	StepOrder       int
	State           StepState
	Payload         string
	ErrorMessage    string
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// HistoryEvent is one append-only history row. Events are never deleted.
type HistoryEvent struct {
	ID              spikes.UUID
	OrderID         spikes.UUID
	SagaExecutionID spikes.UUID
	Kind            HistoryKind
	StepName        string
	Payload         string
	Error           string
	At              time.Time
}

// Step is one unit of saga work. Execute returns a serialized result payload
// recorded with the step result; Compensate rolls the step's effects back.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc *Context) (string, error)
	Compensate(ctx context.Context, sc *Context) spikes.CompensationOutcome
}

// Verifier is optionally implemented by steps whose recorded result can be
// checked against the outside world; the retry orchestrator skips a
// COMPLETED step only when its resource still exists.
type Verifier interface {
	StillValid(ctx context.Context, sc *Context, payload string) bool
}

// SkipPredicate tells the executor to skip a step (retry paths use it for
// steps whose recorded effects are still valid).
type SkipPredicate func(step Step) bool

// Context carries the order and cross-step values through one execution.
// Values written by a step are visible to all later steps and compensations.
type Context struct {
	OrderID     spikes.UUID
	ExecutionID spikes.UUID
	Order       *Order

	mu     sync.RWMutex
	values map[string]string
}

// NewContext builds a Context for an order.
func NewContext(order *Order, executionID spikes.UUID) *Context {
	return &Context{
		OrderID:     order.ID,
		ExecutionID: executionID,
		Order:       order,
		values:      make(map[string]string),
	}
}

// Set stores a cross-step value.
func (c *Context) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get reads a cross-step value.
func (c *Context) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// OrderRepository persists orders.
type OrderRepository interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id spikes.UUID) (bool, *Order, error)
	UpdateStatus(ctx context.Context, id spikes.UUID, status OrderStatus, at time.Time) error
}

// ExecutionRepository persists saga executions.
type ExecutionRepository interface {
	Insert(ctx context.Context, e *Execution) error
	Update(ctx context.Context, e *Execution) error
	GetByOrderID(ctx context.Context, orderID spikes.UUID) (bool, *Execution, error)
}

// StepResultRepository persists per-step results. Children cascade with
// their execution.
type StepResultRepository interface {
	Insert(ctx context.Context, r *StepResult) error
	Update(ctx context.Context, r *StepResult) error
	ListByExecution(ctx context.Context, executionID spikes.UUID) ([]StepResult, error)
}

// HistoryRepository appends immutable history events.
type HistoryRepository interface {
	Append(ctx context.Context, e HistoryEvent) error
	ListByOrder(ctx context.Context, orderID spikes.UUID) ([]HistoryEvent, error)
}
