// Package wallet talks to the platform credit wallet service.
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/utafrali/checkoutflow/pkg/httpclient"
)

const downstream = "wallet"

// IdempotencyKeyHeader lets the wallet deduplicate retried debits.
const IdempotencyKeyHeader = "Idempotency-Key"

// DebitResult is the wallet's answer to a debit instruction.
type DebitResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

type balanceResponse struct {
	Data struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
	} `json:"data"`
}

type debitRequest struct {
	Amount         int64  `json:"amount"`
	OrderReference string `json:"order_reference"`
}

type debitResponse struct {
	Data DebitResult `json:"data"`
}

// Client calls the wallet service over HTTP.
type Client struct {
	doer    httpclient.Doer
	baseURL string
}

// NewClient creates a wallet client. doer is normally a circuit breaker
// wrapping a retrying httpclient.Client.
func NewClient(baseURL string, doer httpclient.Doer) *Client {
	return &Client{doer: doer, baseURL: strings.TrimRight(baseURL, "/")}
}

// Balance returns the user's platform credit balance in minor units.
func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	var resp balanceResponse
	err := httpclient.DoJSON(ctx, c.doer, httpclient.JSONRequest{
		Method:     http.MethodGet,
		URL:        c.walletURL(userID, "balance"),
		Downstream: downstream,
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("get wallet balance: %w", err)
	}
	return resp.Data.Balance, nil
}

// Debit asks the wallet to take amount from the user's balance for orderRef.
// The wallet is authoritative: a concurrent spend shows up here as a rejected
// debit, either as Success=false or as an insufficient funds error.
func (c *Client) Debit(ctx context.Context, userID string, amount int64, orderRef string) (*DebitResult, error) {
	var resp debitResponse
	err := httpclient.DoJSON(ctx, c.doer, httpclient.JSONRequest{
		Method:     http.MethodPost,
		URL:        c.walletURL(userID, "debits"),
		Body:       debitRequest{Amount: amount, OrderReference: orderRef},
		Headers:    map[string]string{IdempotencyKeyHeader: "debit-" + orderRef},
		Downstream: downstream,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}
	return &resp.Data, nil
}

// FindDebit returns the debit recorded for orderRef, or a NotFound error when
// the wallet never took money for it.
func (c *Client) FindDebit(ctx context.Context, userID, orderRef string) (*DebitResult, error) {
	var resp debitResponse
	err := httpclient.DoJSON(ctx, c.doer, httpclient.JSONRequest{
		Method:     http.MethodGet,
		URL:        c.walletURL(userID, "debits/"+url.PathEscape(orderRef)),
		Downstream: downstream,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("find wallet debit: %w", err)
	}
	return &resp.Data, nil
}

func (c *Client) walletURL(userID, action string) string {
	return c.baseURL + "/api/v1/wallets/" + url.PathEscape(userID) + "/" + action
}
