// Package provider integrates the hosted card-payment provider, which works in
// two phases: an intent is created server side and confirmed after the
// customer completes the provider's own form.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/utafrali/checkoutflow/pkg/httpclient"
)

const downstream = "hosted provider"

// Intent is a created payment intent.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// Confirmation is the provider's verdict on an intent.
type Confirmation struct {
	Success bool
	Status  string
	Message string
}

// Provider is the hosted provider contract.
type Provider interface {
	CreateIntent(ctx context.Context, amount int64, orderID, customerID string) (*Intent, error)
	Confirm(ctx context.Context, intentID, orderID, userID string) (*Confirmation, error)
	// IntentStatus reads an intent without changing it.
	IntentStatus(ctx context.Context, intentID string) (*Confirmation, error)
}

// StatusSucceeded is the only intent status that completes a payment.
const StatusSucceeded = "succeeded"

type createIntentRequest struct {
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	CustomerID string            `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

type confirmRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type confirmResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HTTPProvider calls the provider's REST API with the secret key.
type HTTPProvider struct {
	doer      httpclient.Doer
	baseURL   string
	secretKey string
	currency  string
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(baseURL, secretKey, currency string, doer httpclient.Doer) *HTTPProvider {
	return &HTTPProvider{
		doer:      doer,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		currency:  strings.ToLower(currency),
	}
}

// CreateIntent creates an intent for amount. The order id doubles as the
// idempotency key so a retried checkout cannot create a second intent.
func (p *HTTPProvider) CreateIntent(ctx context.Context, amount int64, orderID, customerID string) (*Intent, error) {
	var intent Intent
	err := httpclient.DoJSON(ctx, p.doer, httpclient.JSONRequest{
		Method: http.MethodPost,
		URL:    p.baseURL + "/v1/payment_intents",
		Body: createIntentRequest{
			Amount:     amount,
			Currency:   p.currency,
			CustomerID: customerID,
			Metadata:   map[string]string{"order_id": orderID},
		},
		Headers:    p.headers("intent-" + orderID),
		Downstream: downstream,
	}, &intent)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, fmt.Errorf("create payment intent: incomplete response for order %s", orderID)
	}
	return &intent, nil
}

// Confirm finalizes an intent after the customer has confirmed it.
func (p *HTTPProvider) Confirm(ctx context.Context, intentID, orderID, userID string) (*Confirmation, error) {
	var resp confirmResponse
	err := httpclient.DoJSON(ctx, p.doer, httpclient.JSONRequest{
		Method:     http.MethodPost,
		URL:        p.baseURL + "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm",
		Body:       confirmRequest{OrderID: orderID, UserID: userID},
		Headers:    p.headers("confirm-" + intentID),
		Downstream: downstream,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("confirm payment intent: %w", err)
	}

	return resp.confirmation(), nil
}

// IntentStatus fetches the current state of an intent.
func (p *HTTPProvider) IntentStatus(ctx context.Context, intentID string) (*Confirmation, error) {
	var resp confirmResponse
	err := httpclient.DoJSON(ctx, p.doer, httpclient.JSONRequest{
		Method:     http.MethodGet,
		URL:        p.baseURL + "/v1/payment_intents/" + url.PathEscape(intentID),
		Headers:    map[string]string{"Authorization": "Bearer " + p.secretKey},
		Downstream: downstream,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return resp.confirmation(), nil
}

func (r confirmResponse) confirmation() *Confirmation {
	c := &Confirmation{Success: r.Status == StatusSucceeded, Status: r.Status, Message: r.Message}
	if !c.Success && c.Message == "" {
		c.Message = "payment not completed: " + r.Status
	}
	return c
}

func (p *HTTPProvider) headers(idempotencyKey string) map[string]string {
	return map[string]string{
		"Authorization":   "Bearer " + p.secretKey,
		"Idempotency-Key": idempotencyKey,
	}
}
