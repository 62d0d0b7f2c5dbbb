// Package handshake tracks hosted-provider confirmations. A user is idle until
// a payment requires action, then awaiting confirmation until the pending
// intent is resolved or abandoned. At most one confirmation per user awaits.
package handshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// Store persists pending confirmations keyed by user.
type Store interface {
	// Begin records p. It fails with a conflict if the user already awaits one.
	Begin(ctx context.Context, p domain.PendingConfirmation) error
	// Current returns the awaiting confirmation or a NOT_FOUND error when idle.
	Current(ctx context.Context, userID string) (*domain.PendingConfirmation, error)
	// Resolve clears the confirmation for orderID. It is a no-op if the user
	// awaits a different order or nothing at all.
	Resolve(ctx context.Context, userID, orderID string) error
	// Abandon clears whatever the user awaits.
	Abandon(ctx context.Context, userID string) error
}

// ErrAwaiting is returned by Begin while another confirmation is pending.
func ErrAwaiting(userID string) error {
	return apperrors.Conflict(fmt.Sprintf("user %s already has a payment awaiting confirmation", userID))
}

// ErrIdle is returned by Current when nothing is pending.
func ErrIdle(userID string) error {
	return apperrors.NotFound("pending confirmation for user", userID)
}

// MemoryStore keeps confirmations in memory. Entries older than ttl are
// treated as abandoned.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]domain.PendingConfirmation
}

// NewMemoryStore creates an in-memory store. A zero ttl never expires entries.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, pending: make(map[string]domain.PendingConfirmation)}
}

func (s *MemoryStore) Begin(_ context.Context, p domain.PendingConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(p.UserID); ok {
		return ErrAwaiting(p.UserID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.pending[p.UserID] = p
	return nil
}

func (s *MemoryStore) Current(_ context.Context, userID string) (*domain.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.live(userID)
	if !ok {
		return nil, ErrIdle(userID)
	}
	return &p, nil
}

func (s *MemoryStore) Resolve(_ context.Context, userID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[userID]; ok && p.OrderID == orderID {
		delete(s.pending, userID)
	}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
	return nil
}

// live must be called with mu held.
func (s *MemoryStore) live(userID string) (domain.PendingConfirmation, bool) {
	p, ok := s.pending[userID]
	if !ok {
		return p, false
	}
	if s.ttl > 0 && s.now().Sub(p.CreatedAt) >= s.ttl {
		delete(s.pending, userID)
		return p, false
	}
	return p, true
}
