// Package service orchestrates checkout: it turns a cart into a ledger order,
// runs the payment for the chosen method and, for hosted payments, holds the
// order until the customer confirms.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/guard"
	"github.com/utafrali/checkoutflow/internal/handshake"
	"github.com/utafrali/checkoutflow/internal/ledger"
	"github.com/utafrali/checkoutflow/internal/notify"
	"github.com/utafrali/checkoutflow/internal/payment"
	"github.com/utafrali/checkoutflow/internal/provider"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/logger"
)

var (
	// ErrCheckoutInProgress is returned while another submit or confirm for
	// the same user is running.
	ErrCheckoutInProgress = apperrors.Conflict("checkout already in progress")

	// ErrConfirmationPending is returned by Submit while a hosted payment
	// awaits confirmation.
	ErrConfirmationPending = apperrors.Conflict("a payment is awaiting confirmation, confirm or cancel it first")
)

// Messages shown to the customer when a step fails after validation.
const (
	msgOrderNotCreated   = "your order could not be created, please try again"
	msgBalanceUnknown    = "your platform credit balance could not be checked, please try again"
	msgNotFinalized      = "your payment went through but the order could not be finalized, please retry"
	msgConfirmNotStarted = "the payment could not be prepared for confirmation, please try again"
)

// CircuitOpenFallback replaces ErrCircuitOpen from the wallet and provider
// breakers with an error the payment result can carry to the user.
func CircuitOpenFallback(_ context.Context, _ error) (*http.Response, error) {
	return nil, apperrors.ServiceUnavailable("payment service is temporarily unavailable, please retry after 30 seconds")
}

// CartService is the part of the cart the checkout flow reads and clears.
type CartService interface {
	Get(ctx context.Context, userID string) (*domain.CartSnapshot, error)
	Clear(ctx context.Context, userID string) error
}

// BalanceReader returns a user's platform credit balance.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// PaymentProcessor runs the payment strategy for an order.
type PaymentProcessor interface {
	Process(ctx context.Context, order *domain.Order) *domain.PaymentResult
}

// Confirmer finalizes a hosted payment intent.
type Confirmer interface {
	Confirm(ctx context.Context, intentID, orderID, userID string) (*provider.Confirmation, error)
}

// StepTimeouts bounds each remote step. A zero value leaves the step bounded
// only by the caller's context.
type StepTimeouts struct {
	Ledger  time.Duration
	Payment time.Duration
}

// CheckoutService implements submit, confirm and cancel for checkout.
type CheckoutService struct {
	carts         CartService
	orders        ledger.Writer
	balances      BalanceReader
	payments      PaymentProcessor
	confirmer     Confirmer
	confirmations handshake.Store
	guard         guard.Locker
	notifier      notify.Notifier
	timeouts      StepTimeouts
	logger        *slog.Logger
	now           func() time.Time
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(
	carts CartService,
	orders ledger.Writer,
	balances BalanceReader,
	payments PaymentProcessor,
	confirmer Confirmer,
	confirmations handshake.Store,
	locker guard.Locker,
	notifier notify.Notifier,
	timeouts StepTimeouts,
	logger *slog.Logger,
) *CheckoutService {
	return &CheckoutService{
		carts:         carts,
		orders:        orders,
		balances:      balances,
		payments:      payments,
		confirmer:     confirmer,
		confirmations: confirmations,
		guard:         locker,
		notifier:      notifier,
		timeouts:      timeouts,
		logger:        logger,
		now:           time.Now,
	}
}

// Submit runs one checkout attempt for userID.
//
// Validation, guard and pending-confirmation failures are returned as errors.
// Once the input is accepted every failure of a remote step is reported as a
// PaymentResult with Success=false, so the caller always gets a message it can
// show and retry on.
func (s *CheckoutService) Submit(ctx context.Context, userID string, form domain.CheckoutForm) (res *domain.PaymentResult, err error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	start := s.now()
	defer func() { observeSubmit(form.PaymentMethod, res, err, start) }()

	release, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logger.WithUserID(ctx, userID)

	if _, err := s.confirmations.Current(ctx, userID); err == nil {
		return nil, ErrConfirmationPending
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("check pending confirmation: %w", err)
	}

	snapshot, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot cart: %w", err)
	}

	var balance *int64
	if form.PaymentMethod == domain.PaymentPlatformCredit && !snapshot.Empty() {
		balanceCtx, cancel := s.stepContext(ctx, s.timeouts.Payment)
		b, err := s.balances.Balance(balanceCtx, userID)
		cancel()
		if err != nil {
			s.logger.WarnContext(ctx, "failed to read platform credit balance",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return domain.Failed("", msgBalanceUnknown), nil
		}
		balance = &b
	}

	if err := domain.ValidateForm(form, snapshot, balance); err != nil {
		return nil, err
	}

	order, err := s.recordOrder(ctx, userID, form, snapshot)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record order",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return domain.Failed("", msgOrderNotCreated), nil
	}
	ctx = logger.WithOrderID(ctx, order.ID)

	return s.pay(ctx, userID, order), nil
}

// recordOrder writes the order, its items and its shipping details in that
// order. An open order for the same cart is resumed instead of duplicated.
func (s *CheckoutService) recordOrder(ctx context.Context, userID string, form domain.CheckoutForm, snapshot *domain.CartSnapshot) (*domain.Order, error) {
	ctx, cancel := s.stepContext(ctx, s.timeouts.Ledger)
	defer cancel()

	items := func(orderID string) []domain.OrderLineItem {
		return domain.LineItemsFromSnapshot(orderID, snapshot)
	}

	order, err := s.resumeOrder(ctx, userID, form.PaymentMethod, snapshot.Fingerprint())
	if err != nil {
		return nil, err
	}

	if order != nil {
		// An earlier attempt may have died between creating the order and its items.
		if err := s.orders.CreateOrderItems(ctx, order.ID, items(order.ID)); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return nil, fmt.Errorf("create order items: %w", err)
		}
	} else {
		order, err = s.orders.CreateOrder(ctx, userID, snapshot.Total, form.PaymentMethod, snapshot.Fingerprint())
		if err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}

		if err := s.orders.CreateOrderItems(ctx, order.ID, items(order.ID)); err != nil {
			s.cancelOrder(ctx, order, "the order could not be recorded")
			return nil, fmt.Errorf("create order items: %w", err)
		}

		s.notifier.Notify(ctx, userID, order.ID, notify.TitleOrderCreated,
			fmt.Sprintf("Your order %s has been created.", order.ID))
	}

	required := domain.RequiresShipping(snapshot.Items)
	addr := domain.AssembleShippingAddress(form.Address, required)
	if err := s.orders.UpdateOrderShippingInfo(ctx, order.ID, addr, form.Customer()); err != nil {
		if required {
			return nil, fmt.Errorf("update order shipping info: %w", err)
		}
		s.logger.WarnContext(ctx, "failed to attach customer info to order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order recorded",
		slog.String("order_id", order.ID),
		slog.String("payment_method", string(order.PaymentMethod)),
		slog.Int64("total", order.Total),
	)
	return order, nil
}

// resumeOrder returns the open order created from the same cart, or nil.
func (s *CheckoutService) resumeOrder(ctx context.Context, userID string, method domain.PaymentMethod, fingerprint string) (*domain.Order, error) {
	order, err := s.orders.FindOpenOrder(ctx, userID, fingerprint)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open order: %w", err)
	}

	if order.PaymentMethod != method {
		if err := s.orders.ReassignPaymentMethod(ctx, order.ID, method); err != nil {
			return nil, fmt.Errorf("reassign payment method: %w", err)
		}
		order.PaymentMethod = method
		order.Status = domain.SeedStatus(method)
	}

	ordersReused.Inc()
	s.logger.InfoContext(ctx, "resuming open order",
		slog.String("order_id", order.ID),
		slog.String("status", string(order.Status)),
	)
	return order, nil
}

// pay runs the payment step and applies its result to the ledger.
func (s *CheckoutService) pay(ctx context.Context, userID string, order *domain.Order) *domain.PaymentResult {
	payCtx, cancel := s.stepContext(ctx, s.timeouts.Payment)
	res := s.payments.Process(payCtx, order)
	cancel()

	// The payment side effect has happened; ledger updates must not be cut
	// short by the caller going away.
	ctx = context.WithoutCancel(ctx)

	switch {
	case !res.Success:
		s.notifier.Notify(ctx, userID, order.ID, notify.TitlePaymentFailed,
			fmt.Sprintf("Payment for order %s failed: %s", order.ID, res.Message))
		return res

	case res.RequiresAction:
		return s.awaitConfirmation(ctx, userID, order, res)
	}

	if order.PaymentMethod == domain.PaymentPlatformCredit {
		if err := s.transition(ctx, order.ID, domain.OrderPaid, res.Reference); err != nil {
			s.logger.ErrorContext(ctx, "payment captured but order not marked paid",
				slog.String("order_id", order.ID),
				slog.String("payment_ref", res.Reference),
				slog.String("error", err.Error()),
			)
			return domain.Failed(order.ID, msgNotFinalized)
		}
	}

	s.finish(ctx, userID, order.ID)
	s.logger.InfoContext(ctx, "checkout completed",
		slog.String("order_id", order.ID),
		slog.String("payment_method", string(order.PaymentMethod)),
	)
	return res
}

// awaitConfirmation moves a hosted payment into the confirmation handshake.
// The cart is left alone until the customer confirms.
func (s *CheckoutService) awaitConfirmation(ctx context.Context, userID string, order *domain.Order, res *domain.PaymentResult) *domain.PaymentResult {
	if err := s.transition(ctx, order.ID, domain.OrderProcessing, res.Reference); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark order processing",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return domain.Failed(order.ID, msgConfirmNotStarted)
	}

	pending := domain.PendingConfirmation{
		UserID:          userID,
		OrderID:         order.ID,
		ClientSecret:    res.ClientSecret,
		PaymentIntentID: res.PaymentIntentID,
		Amount:          order.Total,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.confirmations.Begin(ctx, pending); err != nil {
		s.logger.ErrorContext(ctx, "failed to record pending confirmation",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return domain.Failed(order.ID, msgConfirmNotStarted)
	}

	s.notifier.Notify(ctx, userID, order.ID, notify.TitleActionRequired,
		fmt.Sprintf("Confirm your card payment to complete order %s.", order.ID))
	s.logger.InfoContext(ctx, "payment awaiting confirmation",
		slog.String("order_id", order.ID),
		slog.String("payment_intent_id", res.PaymentIntentID),
	)
	return res
}

// Confirm completes the hosted payment the user is waiting on. A declined or
// failed confirmation keeps the pending state so it can be retried.
func (s *CheckoutService) Confirm(ctx context.Context, userID string) (*domain.PaymentResult, error) {
	release, err := s.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logger.WithUserID(ctx, userID)

	pending, err := s.confirmations.Current(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get pending confirmation: %w", err)
	}
	ctx = logger.WithOrderID(ctx, pending.OrderID)

	retry := func(message string) *domain.PaymentResult {
		return &domain.PaymentResult{
			Success:         false,
			OrderID:         pending.OrderID,
			RequiresAction:  true,
			ClientSecret:    pending.ClientSecret,
			PaymentIntentID: pending.PaymentIntentID,
			Message:         message,
		}
	}

	payCtx, cancel := s.stepContext(ctx, s.timeouts.Payment)
	conf, err := s.confirmer.Confirm(payCtx, pending.PaymentIntentID, pending.OrderID, userID)
	cancel()
	if err != nil {
		confirmations.WithLabelValues(outcomeError).Inc()
		s.logger.WarnContext(ctx, "hosted payment confirmation failed",
			slog.String("order_id", pending.OrderID),
			slog.String("error", err.Error()),
		)
		return retry(payment.FailureMessage(err)), nil
	}
	if !conf.Success {
		confirmations.WithLabelValues(outcomePaymentFailed).Inc()
		s.logger.InfoContext(ctx, "hosted payment declined",
			slog.String("order_id", pending.OrderID),
			slog.String("status", conf.Status),
		)
		return retry(conf.Message), nil
	}

	ctx = context.WithoutCancel(ctx)
	if err := s.transition(ctx, pending.OrderID, domain.OrderPaid, pending.PaymentIntentID); err != nil {
		confirmations.WithLabelValues(outcomeError).Inc()
		s.logger.ErrorContext(ctx, "payment confirmed but order not marked paid",
			slog.String("order_id", pending.OrderID),
			slog.String("error", err.Error()),
		)
		return retry(msgNotFinalized), nil
	}

	s.finish(ctx, userID, pending.OrderID)
	if err := s.confirmations.Resolve(ctx, userID, pending.OrderID); err != nil {
		s.logger.ErrorContext(ctx, "failed to resolve pending confirmation",
			slog.String("order_id", pending.OrderID),
			slog.String("error", err.Error()),
		)
	}

	confirmations.WithLabelValues(outcomeSuccess).Inc()
	s.logger.InfoContext(ctx, "hosted payment confirmed", slog.String("order_id", pending.OrderID))

	return &domain.PaymentResult{
		Success:         true,
		OrderID:         pending.OrderID,
		PaymentIntentID: pending.PaymentIntentID,
		Message:         "payment confirmed",
	}, nil
}

// CancelConfirmation discards the user's pending confirmation. The order is
// left as it is.
func (s *CheckoutService) CancelConfirmation(ctx context.Context, userID string) error {
	pending, err := s.confirmations.Current(ctx, userID)
	if err != nil {
		return fmt.Errorf("get pending confirmation: %w", err)
	}
	if err := s.confirmations.Abandon(ctx, userID); err != nil {
		return fmt.Errorf("abandon pending confirmation: %w", err)
	}

	confirmations.WithLabelValues("abandoned").Inc()
	s.logger.InfoContext(ctx, "pending confirmation abandoned",
		slog.String("user_id", userID),
		slog.String("order_id", pending.OrderID),
	)
	return nil
}

// PendingConfirmation returns what the user is asked to confirm, or a
// NOT_FOUND error when nothing awaits.
func (s *CheckoutService) PendingConfirmation(ctx context.Context, userID string) (*domain.PendingConfirmation, error) {
	pending, err := s.confirmations.Current(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get pending confirmation: %w", err)
	}
	return pending, nil
}

// GetOrder returns an order owned by userID. Orders of other users are
// reported as not found.
func (s *CheckoutService) GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, apperrors.InvalidInput("order id is required")
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order.UserID != userID {
		return nil, apperrors.NotFound("order", orderID)
	}
	return order, nil
}

// finish clears the cart and tells the user the order is paid. Neither step
// can fail the checkout.
func (s *CheckoutService) finish(ctx context.Context, userID, orderID string) {
	if err := s.carts.Clear(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear cart after payment",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
	s.notifier.Notify(ctx, userID, orderID, notify.TitlePaymentReceived,
		fmt.Sprintf("Payment received for order %s.", orderID))
}

// cancelOrder compensates for a fresh order that could not be completed.
func (s *CheckoutService) cancelOrder(ctx context.Context, order *domain.Order, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.orders.TransitionStatus(ctx, order.ID, domain.OrderCancelled, ""); err != nil {
		s.logger.ErrorContext(ctx, "failed to cancel incomplete order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.notifier.Notify(ctx, order.UserID, order.ID, notify.TitleOrderCancelled,
		fmt.Sprintf("Order %s was cancelled: %s.", order.ID, reason))
}

func (s *CheckoutService) transition(ctx context.Context, orderID string, to domain.OrderStatus, ref string) error {
	ctx, cancel := s.stepContext(ctx, s.timeouts.Ledger)
	defer cancel()
	return s.orders.TransitionStatus(ctx, orderID, to, ref)
}

func (s *CheckoutService) acquire(ctx context.Context, userID string) (func(), error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	release, err := s.guard.Acquire(ctx, userID)
	if errors.Is(err, guard.ErrHeld) {
		return nil, ErrCheckoutInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire checkout guard: %w", err)
	}
	return release, nil
}

func (s *CheckoutService) stepContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
