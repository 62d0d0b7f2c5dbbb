package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/validator"
)

// Cart limits to prevent abuse.
const (
	MaxQuantityPerItem = 100
	MaxItemsPerCart    = 50
)

// ChangeKind tells subscribers what happened to a cart.
type ChangeKind string

const (
	ChangeReplaced ChangeKind = "replaced"
	ChangeCleared  ChangeKind = "cleared"
)

// Change is delivered to subscribers after a successful write.
type Change struct {
	UserID string
	Kind   ChangeKind
	Total  int64
	At     time.Time
}

const subscriberBuffer = 8

// Service owns cart reads and writes. The checkout flow only reads snapshots
// and clears carts after a completed payment.
type Service struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Change
}

// NewService creates a cart service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		subs:   make(map[string]map[int]chan Change),
	}
}

// Get returns a snapshot of the user's cart. A missing cart is an empty snapshot.
func (s *Service) Get(ctx context.Context, userID string) (*domain.CartSnapshot, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}

	c, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return domain.NewCartSnapshot(userID, nil)
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	snap, err := domain.NewCartSnapshot(userID, c.Items)
	if err != nil {
		return nil, fmt.Errorf("snapshot cart: %w", err)
	}
	return snap, nil
}

// Replace overwrites the user's cart with items.
func (s *Service) Replace(ctx context.Context, userID string, items []domain.CartLineItem) (*domain.CartSnapshot, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	if len(items) > MaxItemsPerCart {
		return nil, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d items", MaxItemsPerCart))
	}
	for i, item := range items {
		if err := validator.Validate(item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if item.Quantity > MaxQuantityPerItem {
			return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
		}
	}

	snap, err := domain.NewCartSnapshot(userID, items)
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}

	if len(items) == 0 {
		if err := s.store.Delete(ctx, userID); err != nil {
			return nil, fmt.Errorf("delete cart: %w", err)
		}
	} else if err := s.store.Save(ctx, &Cart{UserID: userID, Items: snap.Items, UpdatedAt: snap.TakenAt}); err != nil {
		return nil, fmt.Errorf("save cart: %w", err)
	}

	s.publish(Change{UserID: userID, Kind: ChangeReplaced, Total: snap.Total, At: snap.TakenAt})
	return snap, nil
}

// Clear empties the user's cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.InvalidInput("user id is required")
	}
	if err := s.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	s.logger.InfoContext(ctx, "cart cleared", slog.String("user_id", userID))
	s.publish(Change{UserID: userID, Kind: ChangeCleared, At: time.Now().UTC()})
	return nil
}

// Subscribe returns a channel of changes to userID's cart and a function that
// unsubscribes and closes the channel. A subscriber that falls behind misses
// changes rather than blocking writers.
func (s *Service) Subscribe(userID string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[int]chan Change)
	}
	s.subs[userID][id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[userID], id)
			if len(s.subs[userID]) == 0 {
				delete(s.subs, userID)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Service) publish(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs[change.UserID] {
		select {
		case ch <- change:
		default:
			s.logger.Warn("cart subscriber lagging, change dropped",
				slog.String("user_id", change.UserID),
				slog.String("kind", string(change.Kind)),
			)
		}
	}
}
