package restapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/orders"
	"github.com/commercelab/spikes/product"
	"github.com/commercelab/spikes/resiliency"
	"github.com/commercelab/spikes/saga"
	"github.com/commercelab/spikes/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := product.NewMemoryStore()
	registry := resiliency.NewRegistry()
	tel := telemetry.New(prometheus.NewRegistry())
	clock := spikes.FrozenClock{T: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	commands := product.NewHandler(store, product.IdempotencyView{Store: store}, store,
		registry.Policy("api-test"), tel, clock, product.HandlerOptions{})

	orderRepo := saga.NewMemoryOrderRepository()
	executions := saga.NewMemoryExecutionRepository()
	stepRows := saga.NewMemoryStepResultRepository()
	history := saga.NewMemoryHistoryRepository()
	executor := saga.NewExecutor(executions, stepRows, history, tel, clock)
	comp := saga.NewCompensator(executions, stepRows, orderRepo, history, tel, clock)
	retrier := saga.NewRetryOrchestrator(executions, stepRows, orderRepo, history, executor, comp, tel, clock, nil)
	steps := orders.Steps(orders.NewMemoryInventory(), orders.NewMemoryPayments(), orders.NewMemoryShipments(), nil)
	orderService := orders.NewService(orderRepo, executions, stepRows, history, executor, comp, retrier, steps, tel, clock)

	return NewServer(commands, store, orderService, nil, DefaultOptions())
}

func do(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return out
}

func createProduct(t *testing.T, s *Server, sku string, priceCents int64) (id string, body map[string]any) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/products",
		createProductRequest{SKU: sku, Name: "Widget", PriceCents: priceCents}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	body = decode(t, w)
	return body["aggregateId"].(string), body
}

func TestCreateProductReturns201WithLocation(t *testing.T) {
	s := newTestServer(t)
	id, body := createProduct(t, s, "SKU-1", 1000)

	if body["version"] != float64(1) || body["status"] != "DRAFT" {
		t.Errorf("body: %v", body)
	}
	w := do(t, s, http.MethodPost, "/api/v1/products",
		createProductRequest{SKU: "SKU-2", Name: "Widget", PriceCents: 1000}, nil)
	if loc := w.Header().Get("Location"); loc == "" {
		t.Error("missing Location header")
	}
	if w.Header().Get(correlationHeader) == "" {
		t.Error("missing correlation header")
	}
	_ = id
}

func TestCreateProductReplaysIdempotently(t *testing.T) {
	s := newTestServer(t)
	req := createProductRequest{SKU: "SKU-1", Name: "Widget", PriceCents: 1000}
	headers := map[string]string{idempotencyHeader: "create-once"}

	first := do(t, s, http.MethodPost, "/api/v1/products", req, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := do(t, s, http.MethodPost, "/api/v1/products", req, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayedHeader) != "true" {
		t.Error("replay must be flagged")
	}
	if decode(t, first)["aggregateId"] != decode(t, second)["aggregateId"] {
		t.Error("replay returned a different aggregate")
	}
}

func TestValidationFailureEnvelope(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/v1/products",
		createProductRequest{SKU: "", Name: "", PriceCents: -5},
		map[string]string{correlationHeader: "corr-123"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
	body := decode(t, w)
	if body["code"] != "VALIDATION_FAILED" {
		t.Errorf("code: %v", body["code"])
	}
	if body["correlationId"] != "corr-123" {
		t.Errorf("correlationId: %v", body["correlationId"])
	}
	details, _ := body["details"].(map[string]any)
	if details["fieldErrors"] == nil {
		t.Errorf("details: %v", details)
	}
}

func TestGetProduct(t *testing.T) {
	s := newTestServer(t)
	id, _ := createProduct(t, s, "SKU-1", 1000)

	w := do(t, s, http.MethodGet, "/api/v1/products/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["sku"] != "SKU-1" || body["priceCents"] != float64(1000) {
		t.Errorf("body: %v", body)
	}
}

func TestGetUnknownProductIs404(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/v1/products/"+spikes.NewUUID().String(), nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
	if decode(t, w)["code"] != "PRODUCT_NOT_FOUND" {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestGetWithGarbageIDIs400(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/v1/products/not-a-uuid", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}

func TestStaleVersionIs409(t *testing.T) {
	s := newTestServer(t)
	id, _ := createProduct(t, s, "SKU-1", 1000)

	w := do(t, s, http.MethodPut, "/api/v1/products/"+id,
		updateProductRequest{Name: "Renamed", ExpectedVersion: 99}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["code"] != "CONCURRENT_MODIFICATION" {
		t.Errorf("code: %v", body["code"])
	}
	details, _ := body["details"].(map[string]any)
	if details["currentVersion"] != float64(1) || details["expectedVersion"] != float64(99) {
		t.Errorf("details: %v", details)
	}
}

func TestLargePriceChangeNeedsConfirmation(t *testing.T) {
	s := newTestServer(t)
	id, _ := createProduct(t, s, "SKU-1", 1000)

	// The threshold only guards ACTIVE products.
	activated := do(t, s, http.MethodPost, "/api/v1/products/"+id+"/activate",
		activateProductRequest{ExpectedVersion: 1}, nil)
	if activated.Code != http.StatusOK {
		t.Fatalf("activate: %d %s", activated.Code, activated.Body.String())
	}

	w := do(t, s, http.MethodPatch, "/api/v1/products/"+id+"/price",
		changePriceRequest{NewPriceCents: 1300, ExpectedVersion: 2}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	if decode(t, w)["code"] != "PRICE_THRESHOLD_EXCEEDED" {
		t.Errorf("body: %s", w.Body.String())
	}

	confirmed := do(t, s, http.MethodPatch, "/api/v1/products/"+id+"/price",
		changePriceRequest{NewPriceCents: 1300, ConfirmLarge: true, ExpectedVersion: 2}, nil)
	if confirmed.Code != http.StatusOK {
		t.Fatalf("confirmed change: %d %s", confirmed.Code, confirmed.Body.String())
	}
}

func TestDeletedProductIs410(t *testing.T) {
	s := newTestServer(t)
	id, _ := createProduct(t, s, "SKU-1", 1000)

	w := do(t, s, http.MethodDelete, "/api/v1/products/"+id,
		deleteProductRequest{DeletedBy: "ops", ExpectedVersion: 1}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if w.Body.Len() != 0 {
		t.Errorf("204 must carry no body, got %s", w.Body.String())
	}

	got := do(t, s, http.MethodGet, "/api/v1/products/"+id, nil, nil)
	if got.Code != http.StatusGone {
		t.Fatalf("status %d", got.Code)
	}
	if decode(t, got)["code"] != "PRODUCT_DELETED" {
		t.Errorf("body: %s", got.Body.String())
	}
}

func TestDeleteAcceptsQueryVersionWithoutBody(t *testing.T) {
	s := newTestServer(t)
	id, _ := createProduct(t, s, "SKU-1", 1000)

	w := do(t, s, http.MethodDelete, "/api/v1/products/"+id+"?expected_version=1", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}

	bad := do(t, s, http.MethodDelete, "/api/v1/products/"+id+"?expected_version=abc", nil, nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("garbage version: %d", bad.Code)
	}
}

func TestListProducts(t *testing.T) {
	s := newTestServer(t)
	createProduct(t, s, "SKU-1", 1000)
	createProduct(t, s, "SKU-2", 2000)

	w := do(t, s, http.MethodGet, "/api/v1/products", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	body := decode(t, w)
	products, _ := body["products"].([]any)
	if len(products) != 2 {
		t.Errorf("listed %d products want 2", len(products))
	}
}

func TestSubmitOrderRunsTheSaga(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/v1/orders",
		submitOrderRequest{Items: []saga.OrderItem{{SKU: "SKU-1", Quantity: 2, PriceCents: 500}}}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Location") == "" {
		t.Error("missing Location header")
	}
	body := decode(t, w)
	if body["status"] != string(saga.OrderCompleted) || body["amountCents"] != float64(1000) {
		t.Errorf("body: %v", body)
	}

	id := body["id"].(string)
	got := do(t, s, http.MethodGet, "/api/v1/orders/"+id, nil, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get order: %d", got.Code)
	}
	steps, _ := decode(t, got)["steps"].([]any)
	if len(steps) != 3 {
		t.Errorf("steps: %v", steps)
	}
}

func TestRetryOfCompletedOrderIsRejected(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/v1/orders",
		submitOrderRequest{Items: []saga.OrderItem{{SKU: "SKU-1", Quantity: 1, PriceCents: 500}}}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatal(w.Body.String())
	}
	id := decode(t, w)["id"].(string)

	retry := do(t, s, http.MethodPost, "/api/v1/orders/"+id+"/retry", struct{}{}, nil)
	if retry.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", retry.Code, retry.Body.String())
	}
	if decode(t, retry)["code"] != "INVALID_STATE_TRANSITION" {
		t.Errorf("body: %s", retry.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status %d", w.Code)
	}
}
