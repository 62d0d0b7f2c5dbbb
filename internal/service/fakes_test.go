package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/notify"
	"github.com/utafrali/checkoutflow/internal/provider"
	"github.com/utafrali/checkoutflow/internal/wallet"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- fakeLedger: an in-memory ledger with the same rules as the postgres one ---

type fakeLedger struct {
	mu     sync.Mutex
	seq    int
	orders map[string]*domain.Order
	items  map[string][]domain.OrderLineItem
	// failing counts the upcoming transitions to a status that fail.
	failing map[domain.OrderStatus]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		orders:  make(map[string]*domain.Order),
		items:   make(map[string][]domain.OrderLineItem),
		failing: make(map[domain.OrderStatus]int),
	}
}

// failNext makes the next n transitions to status fail.
func (l *fakeLedger) failNext(status domain.OrderStatus, n int) {
	l.mu.Lock()
	l.failing[status] = n
	l.mu.Unlock()
}

func (l *fakeLedger) CreateOrder(_ context.Context, userID string, total int64, method domain.PaymentMethod, fingerprint string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	now := time.Now().UTC()
	o := &domain.Order{
		ID:              fmt.Sprintf("order-%d", l.seq),
		UserID:          userID,
		Total:           total,
		Status:          domain.SeedStatus(method),
		PaymentMethod:   method,
		CartFingerprint: fingerprint,
		CreatedAt:       now.Add(time.Duration(l.seq) * time.Millisecond),
		UpdatedAt:       now,
	}
	l.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (l *fakeLedger) CreateOrderItems(_ context.Context, orderID string, items []domain.OrderLineItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return apperrors.NotFound("order", orderID)
	}
	if len(l.items[orderID]) > 0 {
		return apperrors.Conflict("order " + orderID + " already has items")
	}
	if sum := domain.SumLineItems(items); sum != o.Total {
		return apperrors.InvalidInput(fmt.Sprintf("order items sum to %d but order %s total is %d", sum, orderID, o.Total))
	}
	l.items[orderID] = append([]domain.OrderLineItem(nil), items...)
	return nil
}

func (l *fakeLedger) UpdateOrderShippingInfo(_ context.Context, orderID string, addr *domain.ShippingAddress, customer domain.CustomerInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return apperrors.NotFound("order", orderID)
	}
	o.ShippingAddress = addr
	o.Customer = &customer
	return nil
}

func (l *fakeLedger) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return nil, apperrors.NotFound("order", orderID)
	}
	cp := *o
	cp.Items = append([]domain.OrderLineItem(nil), l.items[orderID]...)
	return &cp, nil
}

func (l *fakeLedger) FindOpenOrder(_ context.Context, userID, fingerprint string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var newest *domain.Order
	for _, o := range l.orders {
		if o.UserID != userID || o.CartFingerprint != fingerprint || !o.Open() || o.PaymentMethod == domain.PaymentGenericCard {
			continue
		}
		if newest == nil || o.CreatedAt.After(newest.CreatedAt) {
			newest = o
		}
	}
	if newest == nil {
		return nil, apperrors.NotFound("open order", fingerprint)
	}
	cp := *newest
	return &cp, nil
}

func (l *fakeLedger) TransitionStatus(_ context.Context, orderID string, to domain.OrderStatus, paymentRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.failing[to]; n > 0 {
		l.failing[to] = n - 1
		return errors.New("connection reset")
	}
	o, ok := l.orders[orderID]
	if !ok {
		return apperrors.NotFound("order", orderID)
	}
	if o.Status == to && paymentRef == "" {
		return nil
	}
	if o.Status != to && !domain.CanTransition(o.Status, to) {
		return apperrors.Conflict(fmt.Sprintf("order %s cannot move from %s to %s", orderID, o.Status, to))
	}
	o.Status = to
	if paymentRef != "" {
		o.PaymentRef = paymentRef
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *fakeLedger) ReassignPaymentMethod(_ context.Context, orderID string, method domain.PaymentMethod) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok || !o.Open() {
		return apperrors.Conflict("order " + orderID + " is no longer open")
	}
	o.PaymentMethod = method
	o.Status = domain.SeedStatus(method)
	return nil
}

func (l *fakeLedger) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Order
	for _, o := range l.orders {
		if o.Open() && o.PaymentMethod != domain.PaymentGenericCard && o.UpdatedAt.Before(before) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

func (l *fakeLedger) age(orderID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[orderID].UpdatedAt = time.Now().UTC().Add(-d)
}

// --- mockLedger: for failure injection and call ordering ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) CreateOrder(ctx context.Context, userID string, total int64, method domain.PaymentMethod, fingerprint string) (*domain.Order, error) {
	args := m.Called(ctx, userID, total, method, fingerprint)
	if r := args.Get(0); r != nil {
		return r.(*domain.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) CreateOrderItems(ctx context.Context, orderID string, items []domain.OrderLineItem) error {
	args := m.Called(ctx, orderID, items)
	return args.Error(0)
}

func (m *mockLedger) UpdateOrderShippingInfo(ctx context.Context, orderID string, addr *domain.ShippingAddress, customer domain.CustomerInfo) error {
	args := m.Called(ctx, orderID, addr, customer)
	return args.Error(0)
}

func (m *mockLedger) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if r := args.Get(0); r != nil {
		return r.(*domain.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) FindOpenOrder(ctx context.Context, userID, fingerprint string) (*domain.Order, error) {
	args := m.Called(ctx, userID, fingerprint)
	if r := args.Get(0); r != nil {
		return r.(*domain.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) TransitionStatus(ctx context.Context, orderID string, to domain.OrderStatus, paymentRef string) error {
	args := m.Called(ctx, orderID, to, paymentRef)
	return args.Error(0)
}

func (m *mockLedger) ReassignPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error {
	args := m.Called(ctx, orderID, method)
	return args.Error(0)
}

func (m *mockLedger) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	args := m.Called(ctx, before, limit)
	if r := args.Get(0); r != nil {
		return r.([]domain.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- mockPayments ---

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Process(ctx context.Context, order *domain.Order) *domain.PaymentResult {
	args := m.Called(ctx, order)
	return args.Get(0).(*domain.PaymentResult)
}

// --- fakeWallet: balance reader and debiter ---

type fakeWallet struct {
	mu         sync.Mutex
	balances   map[string]int64
	debits     map[string]string
	balanceErr error
	reject     bool
	// stall makes Balance block until its context ends.
	stall bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{balances: make(map[string]int64), debits: make(map[string]string)}
}

func (w *fakeWallet) set(userID string, balance int64) {
	w.mu.Lock()
	w.balances[userID] = balance
	w.mu.Unlock()
}

func (w *fakeWallet) balance(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID]
}

func (w *fakeWallet) debitCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.debits)
}

func (w *fakeWallet) Balance(ctx context.Context, userID string) (int64, error) {
	w.mu.Lock()
	stall := w.stall
	w.mu.Unlock()
	if stall {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balanceErr != nil {
		return 0, w.balanceErr
	}
	return w.balances[userID], nil
}

func (w *fakeWallet) Debit(_ context.Context, userID string, amount int64, orderRef string) (*wallet.DebitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if tx, ok := w.debits[orderRef]; ok {
		return &wallet.DebitResult{Success: true, TransactionID: tx}, nil
	}
	if w.reject || w.balances[userID] < amount {
		return &wallet.DebitResult{Success: false, Message: "debit rejected: insufficient balance"}, nil
	}
	w.balances[userID] -= amount
	tx := "wtx-" + orderRef
	w.debits[orderRef] = tx
	return &wallet.DebitResult{Success: true, TransactionID: tx}, nil
}

func (w *fakeWallet) FindDebit(_ context.Context, _, orderRef string) (*wallet.DebitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, ok := w.debits[orderRef]
	if !ok {
		return nil, apperrors.NotFound("debit", orderRef)
	}
	return &wallet.DebitResult{Success: true, TransactionID: tx}, nil
}

// --- mockSettlements ---

type mockSettlements struct {
	mock.Mock
}

func (m *mockSettlements) Settled(ctx context.Context, order *domain.Order) (string, bool, error) {
	args := m.Called(ctx, order.ID)
	return args.String(0), args.Bool(1), args.Error(2)
}

// unpaid reports every order as not paid.
func unpaid() *mockSettlements {
	m := &mockSettlements{}
	m.On("Settled", mock.Anything, mock.Anything).Return("", false, nil)
	return m
}

// --- recordingNotifier ---

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, orderID, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notify.Notification{UserID: userID, OrderID: orderID, Title: title, Message: message})
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Title
	}
	return out
}

// --- mockConfirmer ---

type mockConfirmer struct {
	mock.Mock
}

func (m *mockConfirmer) Confirm(ctx context.Context, intentID, orderID, userID string) (*provider.Confirmation, error) {
	args := m.Called(ctx, intentID, orderID, userID)
	if r := args.Get(0); r != nil {
		return r.(*provider.Confirmation), args.Error(1)
	}
	return nil, args.Error(1)
}
