package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/provider"
	"github.com/utafrali/checkoutflow/internal/wallet"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// DebitLookup finds the wallet debit taken for an order.
type DebitLookup interface {
	FindDebit(ctx context.Context, userID, orderRef string) (*wallet.DebitResult, error)
}

// IntentLookup reads a hosted payment intent.
type IntentLookup interface {
	IntentStatus(ctx context.Context, intentID string) (*provider.Confirmation, error)
}

// Settlements asks the payment downstreams whether money was already taken
// for an order the ledger still shows as open.
type Settlements struct {
	debits  DebitLookup
	intents IntentLookup
}

// NewSettlements creates a settlement lookup over the wallet and the hosted
// provider.
func NewSettlements(debits DebitLookup, intents IntentLookup) *Settlements {
	return &Settlements{debits: debits, intents: intents}
}

// Settled reports whether the order's payment was captured and returns its
// reference. The wallet is checked for every order since a resumed order may
// have been debited before its method changed. Errors mean the answer is
// unknown, never that the order is unpaid.
func (s *Settlements) Settled(ctx context.Context, order *domain.Order) (string, bool, error) {
	debit, err := s.debits.FindDebit(ctx, order.UserID, order.ID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return "", false, fmt.Errorf("look up debit for order %s: %w", order.ID, err)
	case debit.Success:
		return debit.TransactionID, true, nil
	}

	if order.PaymentMethod != domain.PaymentHostedProvider || order.PaymentRef == "" {
		return "", false, nil
	}

	intent, err := s.intents.IntentStatus(ctx, order.PaymentRef)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("look up intent %s for order %s: %w", order.PaymentRef, order.ID, err)
	}
	if !intent.Success {
		return "", false, nil
	}
	return order.PaymentRef, true, nil
}
