package restapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/product"
)

const idempotencyHeader = "Idempotency-Key"
const replayedHeader = "X-Idempotent-Replayed"

// productsAPI adapts the command handler and the read repository to HTTP.
type productsAPI struct {
	commands *product.Handler
	repo     product.Repository
}

func (a *productsAPI) register(r *methodRegistry) {
	r.RegisterMethod(POST, "/products", a.create)
	r.RegisterMethod(GET, "/products", a.list)
	r.RegisterMethod(GET_ONE, "/products/:id", a.get)
	r.RegisterMethod(PUT, "/products/:id", a.update)
	r.RegisterMethod(PATCH, "/products/:id/price", a.changePrice)
	r.RegisterMethod(POST, "/products/:id/activate", a.activate)
	r.RegisterMethod(POST, "/products/:id/discontinue", a.discontinue)
	r.RegisterMethod(DELETE, "/products/:id", a.delete)
}

type createProductRequest struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceCents  int64  `json:"priceCents"`
}

type updateProductRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type changePriceRequest struct {
	NewPriceCents   int64 `json:"newPriceCents"`
	ConfirmLarge    bool  `json:"confirmLarge"`
	ExpectedVersion int64 `json:"expectedVersion"`
}

type activateProductRequest struct {
	ExpectedVersion int64 `json:"expectedVersion"`
}

type discontinueProductRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type deleteProductRequest struct {
	DeletedBy       string `json:"deletedBy"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// commandResponse is the success body of every command route.
type commandResponse struct {
	AggregateID string `json:"aggregateId"`
	Version     int64  `json:"version"`
	Status      string `json:"status"`
}

type productResponse struct {
	ID                string    `json:"id"`
	SKU               string    `json:"sku"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	PriceCents        int64     `json:"priceCents"`
	Status            string    `json:"status"`
	Version           int64     `json:"version"`
	DiscontinueReason string    `json:"discontinueReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func toProductResponse(p *product.Product) productResponse {
	return productResponse{
		ID:                p.ID.String(),
		SKU:               p.SKU,
		Name:              p.Name,
		Description:       p.Description,
		PriceCents:        p.PriceCents,
		Status:            string(p.Status),
		Version:           p.Version,
		DiscontinueReason: p.DiscontinueReason,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (a *productsAPI) create(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
		return
	}
	outcome := a.commands.Create(c.Request.Context(), product.CreateProduct{
		SKU:            req.SKU,
		Name:           req.Name,
		Description:    req.Description,
		PriceCents:     req.PriceCents,
		IdempotencyKey: c.Request.Header.Get(idempotencyHeader),
	})
	writeOutcome(c, outcome, http.StatusCreated)
}

func (a *productsAPI) list(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	products, err := a.repo.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]productResponse, 0, len(products))
	for _, p := range products {
		out = append(out, toProductResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"products": out})
}

func (a *productsAPI) get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	found, p, err := a.repo.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		writeError(c, spikes.NewError(spikes.ProductNotFound, fmt.Errorf("product %s not found", id)))
		return
	}
	if p.Deleted {
		writeError(c, spikes.NewError(spikes.ProductDeleted, fmt.Errorf("product %s is deleted", id)))
		return
	}
	c.JSON(http.StatusOK, toProductResponse(p))
}

func (a *productsAPI) update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
		return
	}
	outcome := a.commands.Update(c.Request.Context(), product.UpdateProduct{
		ID:              id,
		Name:            req.Name,
		Description:     req.Description,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  c.Request.Header.Get(idempotencyHeader),
	})
	writeOutcome(c, outcome, http.StatusOK)
}

func (a *productsAPI) changePrice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req changePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
		return
	}
	outcome := a.commands.ChangePrice(c.Request.Context(), product.ChangePrice{
		ID:              id,
		NewPriceCents:   req.NewPriceCents,
		ConfirmLarge:    req.ConfirmLarge,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  c.Request.Header.Get(idempotencyHeader),
	})
	writeOutcome(c, outcome, http.StatusOK)
}

func (a *productsAPI) activate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req activateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
		return
	}
	outcome := a.commands.Activate(c.Request.Context(), product.ActivateProduct{
		ID:              id,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  c.Request.Header.Get(idempotencyHeader),
	})
	writeOutcome(c, outcome, http.StatusOK)
}

func (a *productsAPI) discontinue(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req discontinueProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
		return
	}
	outcome := a.commands.Discontinue(c.Request.Context(), product.DiscontinueProduct{
		ID:              id,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  c.Request.Header.Get(idempotencyHeader),
	})
	writeOutcome(c, outcome, http.StatusOK)
}

// delete accepts the expected version either in a JSON body or, for body-less
// requests, as the expected_version query parameter. Success is 204.
func (a *productsAPI) delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req deleteProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if !errors.Is(err, io.EOF) {
			writeError(c, spikes.NewError(spikes.ValidationFailed, fmt.Errorf("decoding request body: %w", err)))
			return
		}
		if raw := c.Query("expected_version"); raw != "" {
			v, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				writeError(c, spikes.NewErrorWithDetails(spikes.ValidationFailed,
					fmt.Errorf("invalid expected_version %q: %w", raw, perr),
					map[string]any{"fieldErrors": []map[string]string{{"field": "expected_version", "constraint": "integer"}}}))
				return
			}
			req.ExpectedVersion = v
		}
		req.DeletedBy = c.Query("deleted_by")
	}
	outcome := a.commands.Delete(c.Request.Context(), product.DeleteProduct{
		ID:              id,
		DeletedBy:       req.DeletedBy,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  c.Request.Header.Get(idempotencyHeader),
	})
	writeOutcome(c, outcome, http.StatusNoContent)
}

// pathID parses the :id segment, answering 400 itself on garbage.
func pathID(c *gin.Context) (spikes.UUID, bool) {
	id, err := spikes.ParseUUID(c.Param("id"))
	if err != nil {
		writeError(c, spikes.NewErrorWithDetails(spikes.ValidationFailed,
			fmt.Errorf("invalid id %q: %w", c.Param("id"), err),
			map[string]any{"fieldErrors": []map[string]string{{"field": "id", "constraint": "uuid"}}}))
		return spikes.NilUUID, false
	}
	return id, true
}

// writeOutcome renders a command outcome: success with the given status (201
// adds Location, 204 sends no body), an idempotent replay as 200 with the
// recorded body, and a failure through the error envelope.
func writeOutcome(c *gin.Context, outcome spikes.CommandOutcome, successStatus int) {
	switch outcome.Kind {
	case spikes.CommandSucceeded:
		if successStatus == http.StatusNoContent {
			c.Status(http.StatusNoContent)
			return
		}
		if successStatus == http.StatusCreated {
			c.Header("Location", "/api/v1/products/"+outcome.AggregateID.String())
		}
		c.JSON(successStatus, commandResponse{
			AggregateID: outcome.AggregateID.String(),
			Version:     outcome.Version,
			Status:      outcome.Status,
		})
	case spikes.CommandAlreadyProcessed:
		c.Header(replayedHeader, "true")
		c.Data(http.StatusOK, "application/json", []byte(outcome.Result))
	default:
		writeError(c, *outcome.Failure)
	}
}
