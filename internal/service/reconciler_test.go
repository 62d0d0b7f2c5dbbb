package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/checkoutflow/internal/cart"
	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/guard"
	"github.com/utafrali/checkoutflow/internal/handshake"
	"github.com/utafrali/checkoutflow/internal/notify"
	"github.com/utafrali/checkoutflow/internal/payment"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// reconciler wires a reconciler to the harness with real settlement lookups
// against the fake wallet and the mock provider.
func (h *harness) reconciler(interval time.Duration) *Reconciler {
	return NewReconciler(h.ledger, h.carts, payment.NewSettlements(h.wallet, h.provider),
		h.confirmations, h.locker, h.notifier, 24*time.Hour, interval, testLogger())
}

func newMockReconciler(orders StaleOrders, payments SettlementChecker, notifier notify.Notifier, ttl time.Duration) *Reconciler {
	carts := cart.NewService(cart.NewMemoryStore(), testLogger())
	return NewReconciler(orders, carts, payments, handshake.NewMemoryStore(0), guard.NewMemoryLocker(),
		notifier, ttl, 0, testLogger())
}

func TestReconciler_CancelsAbandonedHostedOrder(t *testing.T) {
	h := newHarness(t)
	h.fillCart(t, digital(50, 1))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentHostedProvider))
	require.NoError(t, err)
	h.ledger.age(res.OrderID, 48*time.Hour)

	got, err := h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Cancelled: 1}, got)

	assert.Equal(t, domain.OrderCancelled, h.order(t, res.OrderID).Status)
	_, err = h.confirmations.Current(ctx, userID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "the pending confirmation goes with the order")
	assert.Contains(t, h.notifier.titles(), notify.TitleOrderCancelled)
}

func TestReconciler_LeavesFreshAndPaidOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.wallet.set(userID, 100)

	h.fillCart(t, digital(20, 1))
	paid, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentPlatformCredit))
	require.NoError(t, err)
	h.ledger.age(paid.OrderID, 48*time.Hour)

	h.wallet.reject = true
	h.fillCart(t, digital(30, 1))
	fresh, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentPlatformCredit))
	require.NoError(t, err)
	require.False(t, fresh.Success)

	got, err := h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, got)

	assert.Equal(t, domain.OrderPaid, h.order(t, paid.OrderID).Status)
	assert.Equal(t, domain.OrderProcessing, h.order(t, fresh.OrderID).Status)
}

func TestReconciler_SettlesDebitedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.wallet.set(userID, 100)
	h.fillCart(t, digital(40, 1))
	h.ledger.failNext(domain.OrderPaid, 1)

	res, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentPlatformCredit))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, msgNotFinalized, res.Message)
	require.Equal(t, domain.OrderProcessing, h.order(t, res.OrderID).Status)
	h.ledger.age(res.OrderID, 48*time.Hour)

	got, err := h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Settled: 1}, got)

	o := h.order(t, res.OrderID)
	assert.Equal(t, domain.OrderPaid, o.Status)
	assert.Equal(t, "wtx-"+o.ID, o.PaymentRef)
	assert.Equal(t, int64(60), h.wallet.balance(userID))
	assert.Equal(t, 1, h.wallet.debitCount())
	assert.Zero(t, h.cartSize(t), "the paid cart cannot be checked out again")
	assert.Contains(t, h.notifier.titles(), notify.TitlePaymentReceived)
	assert.NotContains(t, h.notifier.titles(), notify.TitleOrderCancelled)
}

func TestReconciler_SettlesConfirmedHostedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fillCart(t, digital(50, 1))

	submitted, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentHostedProvider))
	require.NoError(t, err)

	h.ledger.failNext(domain.OrderPaid, 1)
	res, err := h.svc.Confirm(ctx, userID)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.True(t, h.provider.Confirmed(submitted.PaymentIntentID))
	h.ledger.age(submitted.OrderID, 48*time.Hour)

	got, err := h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Settled: 1}, got)

	o := h.order(t, submitted.OrderID)
	assert.Equal(t, domain.OrderPaid, o.Status)
	assert.Equal(t, submitted.PaymentIntentID, o.PaymentRef)
	_, err = h.confirmations.Current(ctx, userID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, h.cartSize(t))
}

func TestReconciler_SettlementKeepsChangedCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.wallet.set(userID, 100)
	h.fillCart(t, digital(40, 1))
	h.ledger.failNext(domain.OrderPaid, 1)

	res, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentPlatformCredit))
	require.NoError(t, err)
	h.ledger.age(res.OrderID, 48*time.Hour)
	h.fillCart(t, physical(15, 2))

	got, err := h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Settled)
	assert.Equal(t, 1, h.cartSize(t))
}

func TestReconciler_UnknownPaymentLeavesOrderOpen(t *testing.T) {
	orders := &mockLedger{}
	stale := []domain.Order{{ID: "order-1", UserID: userID, Status: domain.OrderProcessing, PaymentMethod: domain.PaymentPlatformCredit}}
	orders.On("ListStale", mock.Anything, mock.Anything, reconcileBatchSize).Return(stale, nil)

	payments := &mockSettlements{}
	payments.On("Settled", mock.Anything, "order-1").
		Return("", false, apperrors.ServiceUnavailable("wallet is temporarily unavailable"))

	notifier := &recordingNotifier{}
	got, err := newMockReconciler(orders, payments, notifier, time.Hour).RunOnce(context.Background())
	assert.Zero(t, got)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	orders.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, notifier.titles())
}

func TestReconciler_SkipsUserMidCheckout(t *testing.T) {
	h := newHarness(t)
	h.fillCart(t, digital(50, 1))
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentHostedProvider))
	require.NoError(t, err)
	h.ledger.age(res.OrderID, 48*time.Hour)

	release, err := h.locker.Acquire(ctx, userID)
	require.NoError(t, err)

	got, err := h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Equal(t, domain.OrderProcessing, h.order(t, res.OrderID).Status)

	release()
	got, err = h.reconciler(0).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cancelled)
}

func TestReconciler_SkipsOrdersThatMovedOn(t *testing.T) {
	orders := &mockLedger{}
	stale := []domain.Order{
		{ID: "order-1", UserID: userID, Status: domain.OrderPending, PaymentMethod: domain.PaymentPlatformCredit},
		{ID: "order-2", UserID: userID, Status: domain.OrderProcessing, PaymentMethod: domain.PaymentPlatformCredit},
	}
	orders.On("ListStale", mock.Anything, mock.AnythingOfType("time.Time"), reconcileBatchSize).Return(stale, nil)
	orders.On("TransitionStatus", mock.Anything, "order-1", domain.OrderCancelled, "").
		Return(apperrors.Conflict("order order-1 cannot move from paid to cancelled"))
	orders.On("TransitionStatus", mock.Anything, "order-2", domain.OrderCancelled, "").Return(nil)

	notifier := &recordingNotifier{}
	got, err := newMockReconciler(orders, unpaid(), notifier, time.Hour).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cancelled)
	assert.Equal(t, []string{notify.TitleOrderCancelled}, notifier.titles())
}

func TestReconciler_ContinuesPastFailures(t *testing.T) {
	orders := &mockLedger{}
	stale := []domain.Order{
		{ID: "order-1", UserID: userID, Status: domain.OrderPending, PaymentMethod: domain.PaymentHostedProvider},
		{ID: "order-2", UserID: userID, Status: domain.OrderPending, PaymentMethod: domain.PaymentHostedProvider},
	}
	orders.On("ListStale", mock.Anything, mock.Anything, reconcileBatchSize).Return(stale, nil)
	orders.On("TransitionStatus", mock.Anything, "order-1", domain.OrderCancelled, "").Return(errors.New("connection reset"))
	orders.On("TransitionStatus", mock.Anything, "order-2", domain.OrderCancelled, "").Return(nil)

	got, err := newMockReconciler(orders, unpaid(), &recordingNotifier{}, time.Hour).RunOnce(context.Background())
	assert.Equal(t, 1, got.Cancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order-1")
}

func TestReconciler_ListError(t *testing.T) {
	orders := &mockLedger{}
	orders.On("ListStale", mock.Anything, mock.Anything, reconcileBatchSize).Return(nil, errors.New("pool closed"))

	_, err := newMockReconciler(orders, unpaid(), &recordingNotifier{}, time.Hour).RunOnce(context.Background())
	assert.ErrorContains(t, err, "list stale orders")
}

func TestReconciler_UsesTTLCutoff(t *testing.T) {
	orders := &mockLedger{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orders.On("ListStale", mock.Anything, now.Add(-6*time.Hour), reconcileBatchSize).Return([]domain.Order{}, nil)

	r := newMockReconciler(orders, unpaid(), &recordingNotifier{}, 6*time.Hour)
	r.now = func() time.Time { return now }

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	orders.AssertExpectations(t)
}

func TestReconciler_RunDisabled(t *testing.T) {
	orders := &mockLedger{}
	r := newMockReconciler(orders, unpaid(), &recordingNotifier{}, time.Hour)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with a zero interval")
	}
	orders.AssertNotCalled(t, "ListStale", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_RunTicksUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.fillCart(t, digital(50, 1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := h.svc.Submit(ctx, userID, checkoutForm(domain.PaymentHostedProvider))
	require.NoError(t, err)
	h.ledger.age(res.OrderID, 48*time.Hour)

	r := h.reconciler(10 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		o, err := h.ledger.GetOrder(context.Background(), res.OrderID)
		return err == nil && o.Status == domain.OrderCancelled
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
