// Package payment executes the payment side effect for an order. Each payment
// method is a Strategy; the Processor picks one by method and normalizes the
// outcome to a domain.PaymentResult.
package payment

import (
	"context"
	"fmt"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/provider"
	"github.com/utafrali/checkoutflow/internal/wallet"
)

// Strategy performs the payment for one method.
type Strategy interface {
	Method() domain.PaymentMethod
	Process(ctx context.Context, order *domain.Order) (*domain.PaymentResult, error)
}

// Debiter is the part of the wallet the platform credit strategy needs.
type Debiter interface {
	Debit(ctx context.Context, userID string, amount int64, orderRef string) (*wallet.DebitResult, error)
}

// PlatformCredit debits the user's wallet balance.
type PlatformCredit struct {
	wallet Debiter
}

// NewPlatformCredit creates the platform credit strategy.
func NewPlatformCredit(w Debiter) *PlatformCredit {
	return &PlatformCredit{wallet: w}
}

func (s *PlatformCredit) Method() domain.PaymentMethod { return domain.PaymentPlatformCredit }

// Process debits order.Total. A rejected debit is a failed result, not an error.
func (s *PlatformCredit) Process(ctx context.Context, order *domain.Order) (*domain.PaymentResult, error) {
	res, err := s.wallet.Debit(ctx, order.UserID, order.Total, order.ID)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "platform credit debit was rejected"
		}
		return domain.Failed(order.ID, msg), nil
	}
	return &domain.PaymentResult{Success: true, OrderID: order.ID, Reference: res.TransactionID}, nil
}

// GenericCard accepts the order as is. Card validation happens outside this
// service, so the order stays pending.
type GenericCard struct{}

func (GenericCard) Method() domain.PaymentMethod { return domain.PaymentGenericCard }

func (GenericCard) Process(_ context.Context, order *domain.Order) (*domain.PaymentResult, error) {
	return &domain.PaymentResult{Success: true, OrderID: order.ID}, nil
}

// HostedProvider creates a payment intent and hands its client secret back so
// the customer can confirm it. The payment is not complete until then.
type HostedProvider struct {
	provider provider.Provider
}

// NewHostedProvider creates the hosted provider strategy.
func NewHostedProvider(p provider.Provider) *HostedProvider {
	return &HostedProvider{provider: p}
}

func (s *HostedProvider) Method() domain.PaymentMethod { return domain.PaymentHostedProvider }

func (s *HostedProvider) Process(ctx context.Context, order *domain.Order) (*domain.PaymentResult, error) {
	intent, err := s.provider.CreateIntent(ctx, order.Total, order.ID, order.UserID)
	if err != nil {
		return nil, fmt.Errorf("create intent for order %s: %w", order.ID, err)
	}
	return &domain.PaymentResult{
		Success:         true,
		OrderID:         order.ID,
		RequiresAction:  true,
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Reference:       intent.ID,
	}, nil
}
