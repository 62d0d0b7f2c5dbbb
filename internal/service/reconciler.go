package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/guard"
	"github.com/utafrali/checkoutflow/internal/handshake"
	"github.com/utafrali/checkoutflow/internal/notify"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/logger"
)

const reconcileBatchSize = 100

// StaleOrders is the part of the ledger the reconciler needs.
type StaleOrders interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	TransitionStatus(ctx context.Context, orderID string, to domain.OrderStatus, paymentRef string) error
}

// SettlementChecker asks the payment downstreams whether an order was paid.
// An error means the answer is unknown.
type SettlementChecker interface {
	Settled(ctx context.Context, order *domain.Order) (ref string, paid bool, err error)
}

// ReconcileResult counts what one reconciliation pass did.
type ReconcileResult struct {
	Cancelled int
	Settled   int
}

// Reconciler closes orders left open: failed payments nobody retried and
// hosted confirmations that were abandoned are cancelled, while orders whose
// payment was captured but never recorded are marked paid.
type Reconciler struct {
	orders        StaleOrders
	carts         CartService
	payments      SettlementChecker
	confirmations handshake.Store
	guard         guard.Locker
	notifier      notify.Notifier
	ttl           time.Duration
	interval      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewReconciler creates a reconciler for open orders untouched for ttl,
// checking every interval. It holds the user's checkout guard while it
// decides, so it never races a checkout of the same user.
func NewReconciler(
	orders StaleOrders,
	carts CartService,
	payments SettlementChecker,
	confirmations handshake.Store,
	locker guard.Locker,
	notifier notify.Notifier,
	ttl, interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		orders:        orders,
		carts:         carts,
		payments:      payments,
		confirmations: confirmations,
		guard:         locker,
		notifier:      notifier,
		ttl:           ttl,
		interval:      interval,
		logger:        logger,
		now:           time.Now,
	}
}

type reconcileAction int

const (
	reconcileSkipped reconcileAction = iota
	reconcileCancelled
	reconcileSettled
)

// RunOnce closes every stale order. An order that moved on in the meantime,
// or whose user is checking out right now, is skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	before := r.now().Add(-r.ttl)
	var (
		result ReconcileResult
		errs   []error
	)

	for {
		orders, err := r.orders.ListStale(ctx, before, reconcileBatchSize)
		if err != nil {
			return result, fmt.Errorf("list stale orders: %w", err)
		}

		progressed := false
		for i := range orders {
			outcome, err := r.reconcile(ctx, &orders[i])
			if err != nil {
				errs = append(errs, err)
				continue
			}
			switch outcome {
			case reconcileCancelled:
				result.Cancelled++
				progressed = true
			case reconcileSettled:
				result.Settled++
				progressed = true
			}
		}

		// A short batch is the last one. A batch where nothing changed would
		// come back identical.
		if len(orders) < reconcileBatchSize || !progressed {
			break
		}
	}

	return result, errors.Join(errs...)
}

func (r *Reconciler) reconcile(ctx context.Context, order *domain.Order) (reconcileAction, error) {
	ctx = logger.WithOrderID(ctx, order.ID)

	release, err := r.guard.Acquire(ctx, order.UserID)
	if errors.Is(err, guard.ErrHeld) {
		ordersReconciled.WithLabelValues("skipped").Inc()
		r.logger.DebugContext(ctx, "user is checking out, skipping stale order", slog.String("order_id", order.ID))
		return reconcileSkipped, nil
	}
	if err != nil {
		ordersReconciled.WithLabelValues("failed").Inc()
		return reconcileSkipped, fmt.Errorf("guard order %s: %w", order.ID, err)
	}
	defer release()

	ref, paid, err := r.payments.Settled(ctx, order)
	if err != nil {
		ordersReconciled.WithLabelValues("failed").Inc()
		return reconcileSkipped, fmt.Errorf("check payment of order %s: %w", order.ID, err)
	}
	if paid {
		return r.settle(ctx, order, ref)
	}
	return r.cancel(ctx, order)
}

// settle records a payment the checkout captured but failed to mark.
func (r *Reconciler) settle(ctx context.Context, order *domain.Order, ref string) (reconcileAction, error) {
	err := r.orders.TransitionStatus(ctx, order.ID, domain.OrderPaid, ref)
	if errors.Is(err, apperrors.ErrConflict) {
		ordersReconciled.WithLabelValues("skipped").Inc()
		r.logger.WarnContext(ctx, "captured payment on an order that moved on",
			slog.String("order_id", order.ID),
			slog.String("payment_ref", ref),
		)
		return reconcileSkipped, nil
	}
	if err != nil {
		ordersReconciled.WithLabelValues("failed").Inc()
		return reconcileSkipped, fmt.Errorf("settle order %s: %w", order.ID, err)
	}

	r.resolveConfirmation(ctx, order)
	r.clearPaidCart(ctx, order)

	ordersReconciled.WithLabelValues("settled").Inc()
	r.notifier.Notify(ctx, order.UserID, order.ID, notify.TitlePaymentReceived,
		fmt.Sprintf("Payment received for order %s.", order.ID))
	r.logger.InfoContext(ctx, "stale order settled from captured payment",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
		slog.String("payment_ref", ref),
	)
	return reconcileSettled, nil
}

func (r *Reconciler) cancel(ctx context.Context, order *domain.Order) (reconcileAction, error) {
	err := r.orders.TransitionStatus(ctx, order.ID, domain.OrderCancelled, "")
	if errors.Is(err, apperrors.ErrConflict) {
		ordersReconciled.WithLabelValues("skipped").Inc()
		r.logger.DebugContext(ctx, "stale order moved on, skipping", slog.String("order_id", order.ID))
		return reconcileSkipped, nil
	}
	if err != nil {
		ordersReconciled.WithLabelValues("failed").Inc()
		return reconcileSkipped, fmt.Errorf("cancel order %s: %w", order.ID, err)
	}

	r.resolveConfirmation(ctx, order)

	ordersReconciled.WithLabelValues("cancelled").Inc()
	r.notifier.Notify(ctx, order.UserID, order.ID, notify.TitleOrderCancelled,
		fmt.Sprintf("Order %s was cancelled because payment was not completed.", order.ID))
	r.logger.InfoContext(ctx, "stale order cancelled",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
		slog.String("status", string(order.Status)),
	)
	return reconcileCancelled, nil
}

// clearPaidCart empties the cart the order was built from so it cannot be
// checked out and paid a second time. A cart that changed since is kept.
func (r *Reconciler) clearPaidCart(ctx context.Context, order *domain.Order) {
	snap, err := r.carts.Get(ctx, order.UserID)
	if err == nil && (snap.Empty() || snap.Fingerprint() != order.CartFingerprint) {
		return
	}
	if err == nil {
		err = r.carts.Clear(ctx, order.UserID)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "failed to clear cart of settled order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) resolveConfirmation(ctx context.Context, order *domain.Order) {
	if order.PaymentMethod != domain.PaymentHostedProvider {
		return
	}
	if err := r.confirmations.Resolve(ctx, order.UserID, order.ID); err != nil {
		r.logger.WarnContext(ctx, "failed to clear pending confirmation of closed order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Run reconciles every interval until ctx is done. A non-positive interval
// disables it.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("order reconciliation error", slog.String("error", err.Error()))
			}
			if res.Cancelled > 0 || res.Settled > 0 {
				r.logger.Info("stale orders reconciled",
					slog.Int("cancelled", res.Cancelled),
					slog.Int("settled", res.Settled),
				)
			}
		}
	}
}
