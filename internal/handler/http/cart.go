package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/pkg/httputil"
)

// Carts is the cart service as the HTTP layer uses it.
type Carts interface {
	Get(ctx context.Context, userID string) (*domain.CartSnapshot, error)
	Replace(ctx context.Context, userID string, items []domain.CartLineItem) (*domain.CartSnapshot, error)
	Clear(ctx context.Context, userID string) error
}

// CartHandler handles HTTP requests for the caller's cart.
type CartHandler struct {
	carts  Carts
	logger *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(carts Carts, logger *slog.Logger) *CartHandler {
	return &CartHandler{carts: carts, logger: logger}
}

// ReplaceCartRequest is the full desired cart. An empty list clears it.
type ReplaceCartRequest struct {
	Items []domain.CartLineItem `json:"items" validate:"dive"`
}

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.carts.Get(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, snapshot)
}

// ReplaceCart handles PUT /api/v1/cart
func (h *CartHandler) ReplaceCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	var req ReplaceCartRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	snapshot, err := h.carts.Replace(r.Context(), userID, req.Items)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, snapshot)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	if err := h.carts.Clear(r.Context(), userID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
