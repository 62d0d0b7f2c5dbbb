package domain

import "time"

// OrderStatus is the ledger status of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderPaid       OrderStatus = "paid"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderPaid, OrderCancelled},
	OrderProcessing: {OrderPending, OrderPaid, OrderCancelled},
	OrderPaid:       {OrderShipped},
	OrderShipped:    {OrderDelivered},
	OrderDelivered:  {},
	OrderCancelled:  {},
}

// CanTransition reports whether from -> to is allowed. Orders are never
// deleted; cancelled and delivered are terminal.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SeedStatus is the status a new order starts in for method.
func SeedStatus(method PaymentMethod) OrderStatus {
	if method == PaymentPlatformCredit {
		return OrderProcessing
	}
	return OrderPending
}

// CustomerInfo is recorded with the shipping details.
type CustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Order is the ledger record. Total is frozen at creation.
type Order struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Total           int64            `json:"total"`
	Status          OrderStatus      `json:"status"`
	PaymentMethod   PaymentMethod    `json:"payment_method"`
	PaymentRef      string           `json:"payment_ref,omitempty"`
	CartFingerprint string           `json:"-"`
	ShippingAddress *ShippingAddress `json:"shipping_address,omitempty"`
	Customer        *CustomerInfo    `json:"customer,omitempty"`
	Items           []OrderLineItem  `json:"items,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Open reports whether the order still awaits payment.
func (o *Order) Open() bool {
	return o.Status == OrderPending || o.Status == OrderProcessing
}

// OrderLineItem is a line with its price frozen at order time.
type OrderLineItem struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	ProductID   string `json:"product_id"`
	Title       string `json:"title"`
	Quantity    int    `json:"quantity"`
	PriceAtTime int64  `json:"price_at_time"`
}

// LineItemsFromSnapshot freezes the snapshot's prices into order lines.
func LineItemsFromSnapshot(orderID string, snapshot *CartSnapshot) []OrderLineItem {
	out := make([]OrderLineItem, len(snapshot.Items))
	for i, item := range snapshot.Items {
		out[i] = OrderLineItem{
			OrderID:     orderID,
			ProductID:   item.ProductID,
			Title:       item.Title,
			Quantity:    item.Quantity,
			PriceAtTime: item.UnitPrice,
		}
	}
	return out
}

// SumLineItems returns sum(PriceAtTime * Quantity).
func SumLineItems(items []OrderLineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.PriceAtTime * int64(item.Quantity)
	}
	return total
}
