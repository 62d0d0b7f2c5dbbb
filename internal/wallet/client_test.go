package wallet

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/httpclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := httpclient.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	breaker := httpclient.NewCircuitBreakerClient(httpclient.New(cfg), httpclient.DefaultCircuitBreakerConfig("wallet-test"), logger)
	return NewClient(srv.URL+"/", breaker)
}

func TestClient_Balance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/wallets/user-1/balance", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"user_id":"user-1","balance":5000}}`)
	})

	balance, err := c.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)
}

func TestClient_Balance_EscapesUserID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/wallets/a%2Fb/balance", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"data":{"balance":1}}`)
	})

	_, err := c.Balance(context.Background(), "a/b")
	require.NoError(t, err)
}

func TestClient_Debit_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/wallets/user-1/debits", r.URL.Path)
		assert.Equal(t, "debit-order-1", r.Header.Get(IdempotencyKeyHeader))

		var body debitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(4000), body.Amount)
		assert.Equal(t, "order-1", body.OrderReference)

		_, _ = io.WriteString(w, `{"data":{"success":true,"transaction_id":"wtx-1"}}`)
	})

	res, err := c.Debit(context.Background(), "user-1", 4000, "order-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wtx-1", res.TransactionID)
}

func TestClient_Debit_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"success":false,"message":"wallet frozen"}}`)
	})

	res, err := c.Debit(context.Background(), "user-1", 4000, "order-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "wallet frozen", res.Message)
}

func TestClient_Debit_InsufficientFunds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":{"code":"INSUFFICIENT_FUNDS","message":"balance 10 below 4000"}}`)
	})

	_, err := c.Debit(context.Background(), "user-1", 4000, "order-1")
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.ErrorContains(t, err, "balance 10 below 4000")
}

func TestClient_ServerErrorIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Balance(context.Background(), "user-1")
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestClient_FindDebit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/wallets/user-1/debits/order-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":{"success":true,"transaction_id":"wtx-1"}}`)
	})

	res, err := c.FindDebit(context.Background(), "user-1", "order-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "wtx-1", res.TransactionID)
}

func TestClient_FindDebit_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"no debit for order-1"}}`)
	})

	_, err := c.FindDebit(context.Background(), "user-1", "order-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
