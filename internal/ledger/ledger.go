// Package ledger defines the order ledger: the single source of truth for
// whether an order exists and what it costs.
package ledger

import (
	"context"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
)

// Writer records orders and their lifecycle. Orders are never deleted and a
// total is never recomputed after CreateOrder.
type Writer interface {
	// CreateOrder inserts an order with its status seeded from method.
	CreateOrder(ctx context.Context, userID string, total int64, method domain.PaymentMethod, fingerprint string) (*domain.Order, error)
	// CreateOrderItems writes the frozen line items of an order created by
	// CreateOrder. Items whose sum differs from the order total are rejected.
	CreateOrderItems(ctx context.Context, orderID string, items []domain.OrderLineItem) error
	UpdateOrderShippingInfo(ctx context.Context, orderID string, addr *domain.ShippingAddress, customer domain.CustomerInfo) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	// FindOpenOrder returns the newest pending or processing order of userID
	// created from a cart with the given fingerprint. Items are not loaded.
	// Generic card orders are accepted at submit and settle elsewhere, so
	// neither FindOpenOrder nor ListStale returns them.
	FindOpenOrder(ctx context.Context, userID, fingerprint string) (*domain.Order, error)
	// TransitionStatus moves an order to status to. A non-empty paymentRef
	// replaces the stored one, even when the status is unchanged. Moving to
	// the current status without a reference is a no-op.
	TransitionStatus(ctx context.Context, orderID string, to domain.OrderStatus, paymentRef string) error
	ReassignPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error
	// ListStale returns open orders untouched since before, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}
