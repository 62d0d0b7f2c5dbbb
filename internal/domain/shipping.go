package domain

import "strings"

// AddressFields are the raw shipping inputs from the checkout form.
type AddressFields struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// Complete reports whether every field has a non-blank value.
func (f AddressFields) Complete() bool {
	for _, v := range []string{f.Address, f.City, f.State, f.Zip, f.Country} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// ShippingAddress is the address attached to an order.
type ShippingAddress struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// RequiresShipping reports whether any item is physical.
func RequiresShipping(items []CartLineItem) bool {
	for _, item := range items {
		if item.ProductType == ProductPhysical {
			return true
		}
	}
	return false
}

// AssembleShippingAddress returns the fields as an address when shipping is
// required and nil otherwise. It does not check completeness; ValidateForm does.
func AssembleShippingAddress(fields AddressFields, required bool) *ShippingAddress {
	if !required {
		return nil
	}
	addr := ShippingAddress(fields)
	return &addr
}
