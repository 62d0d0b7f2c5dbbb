package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/ledger"
	"github.com/utafrali/checkoutflow/pkg/database"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const orderColumns = `id, user_id, total, status, payment_method, payment_ref, cart_fingerprint, shipping_address, customer, created_at, updated_at`

const (
	insertOrderSQL = `
		INSERT INTO orders (id, user_id, total, status, payment_method, cart_fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	lockOrderSQL = `SELECT total, status FROM orders WHERE id = $1 FOR UPDATE`

	itemsExistSQL = `SELECT EXISTS(SELECT 1 FROM order_items WHERE order_id = $1)`

	insertItemSQL = `
		INSERT INTO order_items (id, order_id, product_id, title, quantity, price_at_time)
		VALUES ($1, $2, $3, $4, $5, $6)`

	updateShippingSQL = `
		UPDATE orders
		SET shipping_address = $1, customer = $2, updated_at = $3
		WHERE id = $4`

	selectOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	selectItemsSQL = `
		SELECT id, order_id, product_id, title, quantity, price_at_time
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at, id`

	findOpenSQL = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND cart_fingerprint = $2 AND status IN ('pending', 'processing')
			AND payment_method <> 'generic_card'
		ORDER BY created_at DESC
		LIMIT 1`

	lockStatusSQL = `SELECT status FROM orders WHERE id = $1 FOR UPDATE`

	updateStatusSQL = `
		UPDATE orders
		SET status = $1, payment_ref = COALESCE(NULLIF($2, ''), payment_ref), updated_at = $3
		WHERE id = $4`

	reassignSQL = `
		UPDATE orders
		SET payment_method = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status IN ('pending', 'processing')`

	listStaleSQL = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('pending', 'processing') AND payment_method <> 'generic_card'
			AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`
)

// Ledger implements ledger.Writer on PostgreSQL.
type Ledger struct {
	pool database.DBTX
	now  func() time.Time
}

var _ ledger.Writer = (*Ledger)(nil)

// NewLedger creates a PostgreSQL-backed order ledger.
func NewLedger(pool database.DBTX) *Ledger {
	return &Ledger{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// CreateOrder inserts a new order. The status is seeded from the payment method.
func (l *Ledger) CreateOrder(ctx context.Context, userID string, total int64, method domain.PaymentMethod, fingerprint string) (o *domain.Order, err error) {
	if total < 0 {
		return nil, apperrors.InvalidInput("order total must not be negative")
	}
	ctx, end := database.TraceQuery(ctx, "CreateOrder", insertOrderSQL)
	defer func() { end(err) }()

	now := l.now()
	o = &domain.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		Total:           total,
		Status:          domain.SeedStatus(method),
		PaymentMethod:   method,
		CartFingerprint: fingerprint,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if _, err = l.pool.Exec(ctx, insertOrderSQL,
		o.ID, o.UserID, o.Total, o.Status, o.PaymentMethod, o.CartFingerprint, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// CreateOrderItems writes the items of orderID in one transaction. The order
// row is locked while the item sum is checked against its frozen total.
func (l *Ledger) CreateOrderItems(ctx context.Context, orderID string, items []domain.OrderLineItem) (err error) {
	if len(items) == 0 {
		return apperrors.InvalidInput("order must have at least one item")
	}
	ctx, end := database.TraceQuery(ctx, "CreateOrderItems", insertItemSQL)
	defer func() { end(err) }()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		total  int64
		status domain.OrderStatus
	)
	if err = tx.QueryRow(ctx, lockOrderSQL, orderID).Scan(&total, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("order", orderID)
		}
		return fmt.Errorf("lock order: %w", err)
	}

	var exists bool
	if err = tx.QueryRow(ctx, itemsExistSQL, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("check order items: %w", err)
	}
	if exists {
		return apperrors.Conflict(fmt.Sprintf("order %s already has items", orderID))
	}

	if sum := domain.SumLineItems(items); sum != total {
		return apperrors.InvalidInput(fmt.Sprintf("order items sum to %d but order %s total is %d", sum, orderID, total))
	}

	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if _, err = tx.Exec(ctx, insertItemSQL,
			item.ID, orderID, item.ProductID, item.Title, item.Quantity, item.PriceAtTime,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateOrderShippingInfo attaches the shipping address and customer details.
func (l *Ledger) UpdateOrderShippingInfo(ctx context.Context, orderID string, addr *domain.ShippingAddress, customer domain.CustomerInfo) (err error) {
	ctx, end := database.TraceQuery(ctx, "UpdateOrderShippingInfo", updateShippingSQL)
	defer func() { end(err) }()

	var addrJSON []byte
	if addr != nil {
		if addrJSON, err = json.Marshal(addr); err != nil {
			return fmt.Errorf("marshal shipping address: %w", err)
		}
	}
	customerJSON, err := json.Marshal(customer)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}

	ct, err := l.pool.Exec(ctx, updateShippingSQL, addrJSON, customerJSON, l.now(), orderID)
	if err != nil {
		return fmt.Errorf("update shipping info: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("order", orderID)
	}
	return nil
}

// GetOrder loads an order with its items.
func (l *Ledger) GetOrder(ctx context.Context, orderID string) (o *domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, "GetOrder", selectOrderSQL)
	defer func() { end(err) }()

	o, err = scanOrder(l.pool.QueryRow(ctx, selectOrderSQL, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("order", orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if o.Items, err = l.loadItems(ctx, orderID); err != nil {
		return nil, err
	}
	return o, nil
}

// FindOpenOrder returns the newest open order for the user and cart fingerprint.
func (l *Ledger) FindOpenOrder(ctx context.Context, userID, fingerprint string) (o *domain.Order, err error) {
	ctx, end := database.TraceQuery(ctx, "FindOpenOrder", findOpenSQL)
	defer func() {
		if errors.Is(err, apperrors.ErrNotFound) {
			end(nil)
			return
		}
		end(err)
	}()

	o, err = scanOrder(l.pool.QueryRow(ctx, findOpenSQL, userID, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("open order", fingerprint)
		}
		return nil, fmt.Errorf("find open order: %w", err)
	}
	return o, nil
}

// TransitionStatus moves an order along the allowed status graph.
func (l *Ledger) TransitionStatus(ctx context.Context, orderID string, to domain.OrderStatus, paymentRef string) (err error) {
	ctx, end := database.TraceQuery(ctx, "TransitionStatus", updateStatusSQL)
	defer func() { end(err) }()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var from domain.OrderStatus
	if err = tx.QueryRow(ctx, lockStatusSQL, orderID).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("order", orderID)
		}
		return fmt.Errorf("lock order: %w", err)
	}
	// A repeated transition still records a payment reference the first
	// attempt failed to store.
	if from == to && paymentRef == "" {
		return nil
	}
	if from != to && !domain.CanTransition(from, to) {
		return apperrors.Conflict(fmt.Sprintf("order %s cannot move from %s to %s", orderID, from, to))
	}

	if _, err = tx.Exec(ctx, updateStatusSQL, to, paymentRef, l.now(), orderID); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ReassignPaymentMethod switches an open order to another payment method and
// reseeds its status accordingly.
func (l *Ledger) ReassignPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) (err error) {
	ctx, end := database.TraceQuery(ctx, "ReassignPaymentMethod", reassignSQL)
	defer func() { end(err) }()

	ct, err := l.pool.Exec(ctx, reassignSQL, method, domain.SeedStatus(method), l.now(), orderID)
	if err != nil {
		return fmt.Errorf("reassign payment method: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("order %s is no longer open", orderID))
	}
	return nil
}

// ListStale returns open orders last updated before the cutoff.
func (l *Ledger) ListStale(ctx context.Context, before time.Time, limit int) (orders []domain.Order, err error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, end := database.TraceQuery(ctx, "ListStale", listStaleSQL)
	defer func() { end(err) }()

	rows, err := l.pool.Query(ctx, listStaleSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	defer rows.Close()

	orders = make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func (l *Ledger) loadItems(ctx context.Context, orderID string) ([]domain.OrderLineItem, error) {
	rows, err := l.pool.Query(ctx, selectItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderLineItem, 0)
	for rows.Next() {
		var item domain.OrderLineItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Title, &item.Quantity, &item.PriceAtTime); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order item rows: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o            domain.Order
		addrJSON     []byte
		customerJSON []byte
	)
	if err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Total,
		&o.Status,
		&o.PaymentMethod,
		&o.PaymentRef,
		&o.CartFingerprint,
		&addrJSON,
		&customerJSON,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(addrJSON) > 0 && string(addrJSON) != "null" {
		var addr domain.ShippingAddress
		if err := json.Unmarshal(addrJSON, &addr); err != nil {
			return nil, fmt.Errorf("unmarshal shipping address: %w", err)
		}
		o.ShippingAddress = &addr
	}
	if len(customerJSON) > 0 && string(customerJSON) != "null" {
		var c domain.CustomerInfo
		if err := json.Unmarshal(customerJSON, &c); err != nil {
			return nil, fmt.Errorf("unmarshal customer: %w", err)
		}
		o.Customer = &c
	}
	return &o, nil
}
