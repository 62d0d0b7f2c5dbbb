package cart

import (
	"context"
	"sync"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// Cart is the persisted form of a user's cart.
type Cart struct {
	UserID    string                `json:"user_id"`
	Items     []domain.CartLineItem `json:"items"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store persists carts. Get returns an apperrors NOT_FOUND error when the
// user has no cart.
type Store interface {
	Get(ctx context.Context, userID string) (*Cart, error)
	Save(ctx context.Context, cart *Cart) error
	Delete(ctx context.Context, userID string) error
}

// MemoryStore keeps carts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	carts map[string]Cart
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]Cart)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.carts[userID]
	if !ok {
		return nil, apperrors.NotFound("cart", userID)
	}
	c.Items = append([]domain.CartLineItem(nil), c.Items...)
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, cart *Cart) error {
	c := *cart
	c.Items = append([]domain.CartLineItem(nil), cart.Items...)

	s.mu.Lock()
	s.carts[cart.UserID] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.carts, userID)
	s.mu.Unlock()
	return nil
}
