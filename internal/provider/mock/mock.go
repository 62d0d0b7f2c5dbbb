// Package mock is an in-process hosted provider for local development.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/utafrali/checkoutflow/internal/provider"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

type intent struct {
	amount    int64
	orderID   string
	confirmed bool
}

// Provider fakes intents in memory. Confirmations succeed unless the intent
// amount is above DeclineAbove (when non-zero).
type Provider struct {
	DeclineAbove int64

	mu      sync.Mutex
	intents map[string]*intent
	byOrder map[string]string
}

var _ provider.Provider = (*Provider)(nil)

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{intents: make(map[string]*intent), byOrder: make(map[string]string)}
}

// CreateIntent returns the existing intent for orderID or creates one.
func (p *Provider) CreateIntent(_ context.Context, amount int64, orderID, _ string) (*provider.Intent, error) {
	if amount <= 0 {
		return nil, apperrors.InvalidInput("intent amount must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byOrder[orderID]
	if !ok {
		id = "pi_mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		p.intents[id] = &intent{amount: amount, orderID: orderID}
		p.byOrder[orderID] = id
	}
	return &provider.Intent{ID: id, ClientSecret: id + "_secret_mock"}, nil
}

// Confirm settles the intent.
func (p *Provider) Confirm(_ context.Context, intentID, orderID, _ string) (*provider.Confirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in, ok := p.intents[intentID]
	if !ok {
		return nil, apperrors.NotFound("payment intent", intentID)
	}
	if in.orderID != orderID {
		return nil, apperrors.InvalidInput(fmt.Sprintf("intent %s does not belong to order %s", intentID, orderID))
	}
	if p.DeclineAbove > 0 && in.amount > p.DeclineAbove {
		return &provider.Confirmation{Success: false, Status: "requires_payment_method", Message: "card declined"}, nil
	}

	in.confirmed = true
	return &provider.Confirmation{Success: true, Status: provider.StatusSucceeded}, nil
}

// IntentStatus reports succeeded for a confirmed intent and
// requires_confirmation otherwise.
func (p *Provider) IntentStatus(_ context.Context, intentID string) (*provider.Confirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in, ok := p.intents[intentID]
	if !ok {
		return nil, apperrors.NotFound("payment intent", intentID)
	}
	if !in.confirmed {
		return &provider.Confirmation{Status: "requires_confirmation", Message: "payment not completed: requires_confirmation"}, nil
	}
	return &provider.Confirmation{Success: true, Status: provider.StatusSucceeded}, nil
}

// Confirmed reports whether intentID was confirmed.
func (p *Provider) Confirmed(intentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.intents[intentID]
	return ok && in.confirmed
}
