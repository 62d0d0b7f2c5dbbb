package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ProductType decides whether a line item needs a shipping address.
type ProductType string

const (
	ProductPhysical ProductType = "physical"
	ProductDigital  ProductType = "digital"
	ProductService  ProductType = "service"
)

// MaxUnitPrice caps a single item price in minor units.
const MaxUnitPrice int64 = 10_000_000_000

// CartLineItem is one product in a cart. UnitPrice is in minor units.
type CartLineItem struct {
	ProductID   string      `json:"product_id" validate:"required"`
	Title       string      `json:"title" validate:"required,max=200"`
	UnitPrice   int64       `json:"unit_price" validate:"gte=0,lte=10000000000"`
	Quantity    int         `json:"quantity" validate:"gte=1"`
	ProductType ProductType `json:"product_type" validate:"required,oneof=physical digital service"`
}

// LineTotal returns UnitPrice * Quantity.
func (i CartLineItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// CartSnapshot is a frozen copy of a cart taken at checkout start. Its Total
// is computed once and never recomputed.
type CartSnapshot struct {
	UserID  string         `json:"user_id"`
	Items   []CartLineItem `json:"items"`
	Total   int64          `json:"total"`
	TakenAt time.Time      `json:"taken_at"`
}

// NewCartSnapshot copies items and derives the total.
func NewCartSnapshot(userID string, items []CartLineItem) (*CartSnapshot, error) {
	copied := make([]CartLineItem, len(items))
	var total int64
	for i, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("cart item %s: quantity must be at least 1, got %d", item.ProductID, item.Quantity)
		}
		if item.UnitPrice < 0 {
			return nil, fmt.Errorf("cart item %s: negative unit price", item.ProductID)
		}
		if item.UnitPrice > 0 && int64(item.Quantity) > math.MaxInt64/item.UnitPrice {
			return nil, fmt.Errorf("cart item %s: line total overflows", item.ProductID)
		}
		line := item.LineTotal()
		if total > math.MaxInt64-line {
			return nil, fmt.Errorf("cart total overflows at item %s", item.ProductID)
		}
		copied[i] = item
		total += line
	}
	return &CartSnapshot{UserID: userID, Items: copied, Total: total, TakenAt: time.Now().UTC()}, nil
}

// Empty reports whether the snapshot has no items.
func (s *CartSnapshot) Empty() bool {
	return len(s.Items) == 0
}

// Fingerprint identifies the snapshot's contents. Two snapshots with the same
// items, prices and quantities in the same order share a fingerprint, which is
// how a resubmitted checkout finds the order it already created.
func (s *CartSnapshot) Fingerprint() string {
	h := sha256.New()
	for _, item := range s.Items {
		h.Write([]byte(item.ProductID))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(item.UnitPrice, 10)))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(item.Quantity)))
		h.Write([]byte{0})
		h.Write([]byte(item.ProductType))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
