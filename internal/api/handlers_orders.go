package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"storefront/internal/auth"
	"storefront/internal/models"
)

// CreateOrder reserves stock and records a new order for the caller
// POST /api/v1/orders
// Requires authentication; safe to retry with an Idempotency-Key
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageAuthRequired)
		return
	}

	var req models.OrderCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	order, err := h.orders.Place(r.Context(), caller, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, order)
}

// GetOrder returns one of the caller's orders
// GET /api/v1/orders/{order_id}
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageAuthRequired)
		return
	}

	order, err := h.orders.Get(r.Context(), caller, mux.Vars(r)["order_id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, order)
}

// CancelOrder cancels a pending order and returns its stock
// POST /api/v1/orders/{order_id}/cancel
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageAuthRequired)
		return
	}

	order, err := h.orders.Cancel(r.Context(), caller, mux.Vars(r)["order_id"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, order)
}
