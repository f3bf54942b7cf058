package restapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/orders"
	"github.com/commercelab/spikes/saga"
)

// ordersAPI adapts the order saga service to HTTP.
type ordersAPI struct {
	service *orders.Service
}

func (a *ordersAPI) register(r *methodRegistry) {
	r.RegisterMethod(POST, "/orders", a.submit)
	r.RegisterMethod(GET_ONE, "/orders/:id", a.get)
	r.RegisterMethod(POST, "/orders/:id/retry", a.retry)
}

type submitOrderRequest struct {
	Items []saga.OrderItem `json:"items"`
}

type orderResponse struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Items       []saga.OrderItem   `json:"items"`
	AmountCents int64              `json:"amountCents"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	Saga        *sagaResponse      `json:"saga,omitempty"`
	Steps       []stepRowResponse  `json:"steps,omitempty"`
}

type sagaResponse struct {
	ExecutionID string     `json:"executionId"`
	Phase       string     `json:"phase"`
	CurrentStep int        `json:"currentStep"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type stepRowResponse struct {
	Name    string `json:"name"`
	Order   int    `json:"order"`
	State   string `json:"state"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func toOrderResponse(view *orders.OrderView) orderResponse {
	resp := orderResponse{
		ID:          view.Order.ID.String(),
		Status:      string(view.Order.Status),
		Items:       view.Order.Items,
		AmountCents: view.Order.AmountCents,
		CreatedAt:   view.Order.CreatedAt,
		UpdatedAt:   view.Order.UpdatedAt,
	}
	if view.Execution != nil {
		resp.Saga = &sagaResponse{
			ExecutionID: view.Execution.ID.String(),
			Phase:       string(view.Execution.Phase),
			CurrentStep: view.Execution.CurrentStep,
			StartedAt:   view.Execution.StartedAt,
			CompletedAt: view.Execution.CompletedAt,
		}
	}
	for _, row := range view.Steps {
		resp.Steps = append(resp.Steps, stepRowResponse{
			Name:    row.StepName,
			Order:   row.StepOrder,
			State:   string(row.State),
			Payload: row.Payload,
			Error:   row.ErrorMessage,
		})
	}
	return resp
}

func (a *ordersAPI) submit(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
		return
	}
	view, err := a.service.Submit(c.Request.Context(), req.Items)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/api/v1/orders/"+view.Order.ID.String())
	c.JSON(http.StatusAccepted, toOrderResponse(view))
}

func (a *ordersAPI) get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := a.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(view))
}

func (a *ordersAPI) retry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := a.service.Retry(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toOrderResponse(view))
}
