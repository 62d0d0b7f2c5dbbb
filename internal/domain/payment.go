package domain

import "time"

// PaymentResult is the normalized outcome of a payment attempt.
type PaymentResult struct {
	Success         bool   `json:"success"`
	OrderID         string `json:"order_id,omitempty"`
	RequiresAction  bool   `json:"requires_action"`
	ClientSecret    string `json:"client_secret,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Message         string `json:"message,omitempty"`

	// Reference is what the ledger records as the payment reference: the
	// wallet transaction or the provider intent.
	Reference string `json:"-"`
}

// Failed builds an unsuccessful result.
func Failed(orderID, message string) *PaymentResult {
	return &PaymentResult{Success: false, OrderID: orderID, Message: message}
}

// PendingConfirmation holds a hosted-provider intent between creation and the
// customer's confirmation.
type PendingConfirmation struct {
	UserID          string    `json:"user_id"`
	OrderID         string    `json:"order_id"`
	ClientSecret    string    `json:"client_secret"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Amount          int64     `json:"amount"`
	CreatedAt       time.Time `json:"created_at"`
}
