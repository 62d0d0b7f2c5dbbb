package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/pkg/httputil"
)

// Checkout is the checkout flow as the HTTP layer uses it.
type Checkout interface {
	Submit(ctx context.Context, userID string, form domain.CheckoutForm) (*domain.PaymentResult, error)
	Confirm(ctx context.Context, userID string) (*domain.PaymentResult, error)
	CancelConfirmation(ctx context.Context, userID string) error
	PendingConfirmation(ctx context.Context, userID string) (*domain.PendingConfirmation, error)
	GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error)
}

// CheckoutHandler handles HTTP requests for checkout, confirmation and order endpoints.
type CheckoutHandler struct {
	checkout       Checkout
	publishableKey string
	logger         *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(checkout Checkout, publishableKey string, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, publishableKey: publishableKey, logger: logger}
}

// --- Request / response DTOs ---

// SubmitRequest is the checkout form. Field rules are checked by the service
// so every failing field is reported in one response.
type SubmitRequest struct {
	CustomerName    string               `json:"customer_name"`
	CustomerEmail   string               `json:"customer_email"`
	PaymentMethod   string               `json:"payment_method"`
	ShippingAddress domain.AddressFields `json:"shipping_address"`
}

func (r SubmitRequest) form() domain.CheckoutForm {
	return domain.CheckoutForm{
		CustomerName:  r.CustomerName,
		CustomerEmail: r.CustomerEmail,
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod),
		Address:       r.ShippingAddress,
	}
}

// ConfigResponse is the client configuration for the hosted provider.
type ConfigResponse struct {
	PublishableKey string   `json:"publishable_key"`
	PaymentMethods []string `json:"payment_methods"`
}

// --- Handlers ---

// GetConfig handles GET /api/v1/checkout/config
func (h *CheckoutHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteData(w, http.StatusOK, ConfigResponse{
		PublishableKey: h.publishableKey,
		PaymentMethods: []string{
			string(domain.PaymentPlatformCredit),
			string(domain.PaymentGenericCard),
			string(domain.PaymentHostedProvider),
		},
	})
}

// Submit handles POST /api/v1/checkout/submit. A declined payment is still a
// 200: the result carries success=false and the message to show.
func (h *CheckoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	res, err := h.checkout.Submit(r.Context(), userID, req.form())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, res)
}

// GetConfirmation handles GET /api/v1/checkout/confirmation
func (h *CheckoutHandler) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	pending, err := h.checkout.PendingConfirmation(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, pending)
}

// Confirm handles POST /api/v1/checkout/confirmation/confirm
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	res, err := h.checkout.Confirm(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, res)
}

// CancelConfirmation handles DELETE /api/v1/checkout/confirmation
func (h *CheckoutHandler) CancelConfirmation(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	if err := h.checkout.CancelConfirmation(r.Context(), userID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetOrder handles GET /api/v1/orders/{id}
func (h *CheckoutHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.UserID(w, r)
	if !ok {
		return
	}

	order, err := h.checkout.GetOrder(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, order)
}
