package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/utafrali/checkoutflow/pkg/validator"
)

// PaymentMethod selects one of the payment strategies.
type PaymentMethod string

const (
	PaymentPlatformCredit PaymentMethod = "platform_credit"
	PaymentGenericCard    PaymentMethod = "generic_card"
	PaymentHostedProvider PaymentMethod = "hosted_provider"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentPlatformCredit, PaymentGenericCard, PaymentHostedProvider:
		return true
	}
	return false
}

// Field keys used by ValidateForm beyond the tag-derived ones.
const (
	FieldCart              = "cart"
	FieldInsufficientFunds = "insufficient_funds"
)

// CheckoutForm is the customer input consumed once by Submit.
type CheckoutForm struct {
	CustomerName  string        `json:"customer_name" validate:"required,max=200"`
	CustomerEmail string        `json:"customer_email" validate:"required,email"`
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required,oneof=platform_credit generic_card hosted_provider"`
	Address       AddressFields `json:"shipping_address"`
}

// Customer returns the contact details recorded on the order.
func (f CheckoutForm) Customer() CustomerInfo {
	return CustomerInfo{Name: f.CustomerName, Email: f.CustomerEmail}
}

// ValidateForm checks form against snapshot without calling anything remote.
// balance is the caller's platform credit balance, or nil when unknown or not
// needed. The result is nil or a *validator.ValidationError keyed by field.
func ValidateForm(form CheckoutForm, snapshot *CartSnapshot, balance *int64) error {
	verr := &validator.ValidationError{}
	if err := validator.Validate(form); err != nil {
		if !errors.As(err, &verr) {
			return fmt.Errorf("validate checkout form: %w", err)
		}
	}

	if snapshot == nil || snapshot.Empty() {
		verr.Add(FieldCart, "must contain at least 1 item")
	} else if RequiresShipping(snapshot.Items) {
		addr := form.Address
		for field, value := range map[string]string{
			"shipping_address.address": addr.Address,
			"shipping_address.city":    addr.City,
			"shipping_address.state":   addr.State,
			"shipping_address.zip":     addr.Zip,
			"shipping_address.country": addr.Country,
		} {
			if strings.TrimSpace(value) == "" {
				verr.Add(field, "is required for physical items")
			}
		}
	}

	if form.PaymentMethod == PaymentPlatformCredit && balance != nil && snapshot != nil && *balance < snapshot.Total {
		verr.Add(FieldInsufficientFunds, fmt.Sprintf("balance %d is below the order total %d", *balance, snapshot.Total))
	}

	if verr.Empty() {
		return nil
	}
	return verr
}
