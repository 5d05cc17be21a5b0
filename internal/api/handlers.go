package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"

	"storefront/internal/inventory"
	"storefront/internal/models"
	"storefront/internal/orders"
	"storefront/internal/pipeline"
	"storefront/internal/version"
)

// InventoryService reads and sets stock levels.
type InventoryService interface {
	Get(ctx context.Context, productID int64) (*models.Inventory, error)
	Adjust(ctx context.Context, productID int64, quantity int) (*models.Inventory, error)
}

// ProductReader serves product read models.
type ProductReader interface {
	Product(ctx context.Context, id int64) (*models.ProductView, error)
	Products(ctx context.Context) ([]models.ProductView, error)
}

// UserStore backs the demo login flow and token refresh.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains HTTP handlers for the storefront API
type Handlers struct {
	stock    InventoryService
	catalog  ProductReader
	orders   orders.ServiceInterface
	users    UserStore
	storage  Pinger
	security *pipeline.Pipeline
	clock    clock.Clock
	logger   *slog.Logger
}

// HandlerOption configures optional dependencies.
type HandlerOption func(*Handlers)

// WithUsers enables the login endpoint.
func WithUsers(users UserStore) HandlerOption {
	return func(h *Handlers) { h.users = users }
}

// WithStorage adds a storage health probe to the health endpoint.
func WithStorage(p Pinger) HandlerOption {
	return func(h *Handlers) { h.storage = p }
}

// WithSecurity gives the handlers access to token issuing, revocation and
// the security event log.
func WithSecurity(p *pipeline.Pipeline) HandlerOption {
	return func(h *Handlers) { h.security = p }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) HandlerOption {
	return func(h *Handlers) { h.clock = c }
}

// NewHandlers creates a new handlers instance
func NewHandlers(stock InventoryService, catalog ProductReader, orderService orders.ServiceInterface, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		stock:   stock,
		catalog: catalog,
		orders:  orderService,
		clock:   clock.New(),
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetInventory returns the stock level of one product
// GET /api/v1/inventory/{product_id}
func (h *Handlers) GetInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	inv, err := h.stock.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, inv)
}

// SetInventory sets the absolute stock level of one product
// PUT /api/v1/inventory/{product_id}
// Requires the ADMIN or STAFF role
func (h *Handlers) SetInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	var req models.InventoryAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	inv, err := h.stock.Adjust(r.Context(), id, *req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, inv)
}

// GetProduct returns a product with its current stock
// GET /api/v1/products/{product_id}
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	view, err := h.catalog.Product(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, view)
}

// ListProducts returns every product with its current stock
// GET /api/v1/products
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	views, err := h.catalog.Products(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, views)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := &models.HealthCheckResponse{
		Status:     models.StatusHealthy,
		Timestamp:  h.clock.Now().UTC(),
		Version:    version.GetInfo().Version,
		Components: map[string]models.ComponentHealth{},
	}
	status := http.StatusOK

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			h.logger.Warn("Storage health check failed", "error", err)
			response.Status = models.StatusUnhealthy
			response.Components["storage"] = models.ComponentHealth{
				Status:  models.StatusUnhealthy,
				Message: "Storage is unreachable",
			}
			status = http.StatusServiceUnavailable
		} else {
			response.Components["storage"] = models.ComponentHealth{Status: models.StatusHealthy}
		}
	}
	response.Components["api"] = models.ComponentHealth{Status: models.StatusHealthy}

	h.writeJSONResponse(w, status, response)
}

// productID parses the product_id path variable, writing 400 when it is not
// a positive integer.
func (h *Handlers) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["product_id"], 10, 64)
	if err != nil || id <= 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid product id")
		return 0, false
	}
	return id, true
}

// writeServiceError maps domain errors to status codes. Only fixed messages
// reach the client.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *orders.ServiceError
	switch {
	case errors.As(err, &svcErr):
		if svcErr.StatusCode >= http.StatusInternalServerError {
			h.logger.Error("Order operation failed", "path", r.URL.Path, "code", svcErr.Code, "error", err)
		}
		if svcErr.StatusCode == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		h.writeErrorResponse(w, svcErr.StatusCode, svcErr.Message)

	case errors.Is(err, inventory.ErrNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "Product not found")

	case errors.Is(err, inventory.ErrInsufficientStock):
		h.writeErrorResponse(w, http.StatusConflict, "Insufficient stock")

	case errors.Is(err, inventory.ErrInvalidQuantity):
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "Quantity must be a positive number")

	case inventory.IsRetryable(err):
		h.logger.Warn("Retryable inventory failure", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.MessageTryAgain)

	default:
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.MessageInternalError)
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more to send.
		h.logger.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message))
}
