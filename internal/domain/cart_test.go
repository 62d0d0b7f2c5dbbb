package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/checkoutflow/pkg/validator"
)

func item(id string, price int64, qty int, typ ProductType) CartLineItem {
	return CartLineItem{ProductID: id, Title: "Item " + id, UnitPrice: price, Quantity: qty, ProductType: typ}
}

func TestNewCartSnapshot_Total(t *testing.T) {
	tests := []struct {
		name  string
		items []CartLineItem
		want  int64
	}{
		{"empty", nil, 0},
		{"single", []CartLineItem{item("a", 2000, 2, ProductDigital)}, 4000},
		{"mixed", []CartLineItem{item("a", 2000, 2, ProductDigital), item("b", 999, 3, ProductPhysical)}, 6997},
		{"free item", []CartLineItem{item("a", 0, 5, ProductService)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := NewCartSnapshot("u1", tt.items)
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Total)
		})
	}
}

func TestNewCartSnapshot_RejectsBadItems(t *testing.T) {
	_, err := NewCartSnapshot("u1", []CartLineItem{item("a", 100, 0, ProductDigital)})
	assert.ErrorContains(t, err, "quantity must be at least 1")

	_, err = NewCartSnapshot("u1", []CartLineItem{item("a", -1, 1, ProductDigital)})
	assert.ErrorContains(t, err, "negative unit price")
}

func TestNewCartSnapshot_RejectsOverflow(t *testing.T) {
	_, err := NewCartSnapshot("u1", []CartLineItem{item("a", math.MaxInt64/2+1, 2, ProductDigital)})
	assert.ErrorContains(t, err, "line total overflows")

	_, err = NewCartSnapshot("u1", []CartLineItem{
		item("a", math.MaxInt64/2, 1, ProductDigital),
		item("b", math.MaxInt64/2, 1, ProductDigital),
		item("c", 2, 1, ProductDigital),
	})
	assert.ErrorContains(t, err, "cart total overflows")

	snap, err := NewCartSnapshot("u1", []CartLineItem{item("a", MaxUnitPrice, 100, ProductPhysical)})
	require.NoError(t, err)
	assert.Equal(t, MaxUnitPrice*100, snap.Total)
}

func TestCartLineItem_PriceBound(t *testing.T) {
	ok := item("a", MaxUnitPrice, 1, ProductDigital)
	assert.NoError(t, validator.Validate(ok))

	tooBig := item("a", MaxUnitPrice+1, 1, ProductDigital)
	var verr *validator.ValidationError
	require.ErrorAs(t, validator.Validate(tooBig), &verr)
	assert.True(t, verr.Has("unit_price"), "fields: %v", verr.Fields())
}

func TestNewCartSnapshot_IsACopy(t *testing.T) {
	items := []CartLineItem{item("a", 2000, 2, ProductDigital)}
	snap, err := NewCartSnapshot("u1", items)
	require.NoError(t, err)

	items[0].UnitPrice = 1
	assert.Equal(t, int64(2000), snap.Items[0].UnitPrice)
	assert.Equal(t, int64(4000), snap.Total)
}

func TestFingerprint(t *testing.T) {
	a, _ := NewCartSnapshot("u1", []CartLineItem{item("a", 2000, 2, ProductDigital)})
	b, _ := NewCartSnapshot("u1", []CartLineItem{item("a", 2000, 2, ProductDigital)})
	c, _ := NewCartSnapshot("u1", []CartLineItem{item("a", 2000, 3, ProductDigital)})
	d, _ := NewCartSnapshot("u1", []CartLineItem{item("a", 2100, 2, ProductDigital)})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
	assert.Len(t, a.Fingerprint(), 32)
}
