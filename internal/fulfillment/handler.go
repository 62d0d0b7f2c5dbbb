// Package fulfillment applies shipping events from the fulfillment service to
// the order ledger.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/notify"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/kafka"
	"github.com/utafrali/checkoutflow/pkg/logger"
)

// Event types consumed from Topic.
const (
	EventOrderShipped   = "order.shipped"
	EventOrderDelivered = "order.delivered"
)

// Topic carries fulfillment progress for orders.
var Topic = kafka.Topic("fulfillment", "order")

// OrderEvent is the payload of a fulfillment event.
type OrderEvent struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
}

// Ledger is the part of the order ledger the handler needs.
type Ledger interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	TransitionStatus(ctx context.Context, orderID string, to domain.OrderStatus, paymentRef string) error
}

// Handler moves orders to shipped or delivered.
type Handler struct {
	ledger   Ledger
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a fulfillment handler.
func NewHandler(l Ledger, n notify.Notifier, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, notifier: n, logger: logger}
}

// Handle is a kafka.Handler. Errors are retried by the consumer and end up in
// the dead-letter topic.
func (h *Handler) Handle(ctx context.Context, event *kafka.Event) error {
	var to domain.OrderStatus
	switch event.EventType {
	case EventOrderShipped:
		to = domain.OrderShipped
	case EventOrderDelivered:
		to = domain.OrderDelivered
	default:
		h.logger.DebugContext(ctx, "ignoring fulfillment event", slog.String("event_type", event.EventType))
		return nil
	}

	var data OrderEvent
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("decode %s: %w", event.EventType, err)
	}
	if data.OrderID == "" {
		data.OrderID = event.AggregateID
	}
	if data.OrderID == "" {
		return apperrors.InvalidInput(event.EventType + " without order id")
	}

	ctx = logger.WithOrderID(ctx, data.OrderID)
	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}

	if err := h.ledger.TransitionStatus(ctx, data.OrderID, to, ""); err != nil {
		return fmt.Errorf("transition order to %s: %w", to, err)
	}

	userID := data.UserID
	if userID == "" {
		o, err := h.ledger.GetOrder(ctx, data.OrderID)
		if err != nil {
			h.logger.WarnContext(ctx, "order updated but owner lookup failed, skipping notification",
				slog.String("order_id", data.OrderID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		userID = o.UserID
	}

	title, message := notify.TitleOrderShipped, "Your order is on its way."
	if to == domain.OrderDelivered {
		title, message = notify.TitleOrderDelivered, "Your order has been delivered."
	} else if data.TrackingNumber != "" {
		message = fmt.Sprintf("Your order is on its way. Tracking number: %s", data.TrackingNumber)
	}
	h.notifier.Notify(ctx, userID, data.OrderID, title, message)

	logger.WithContext(ctx, h.logger).InfoContext(ctx, "order fulfillment updated", slog.String("status", string(to)))
	return nil
}
