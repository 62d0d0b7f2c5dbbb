package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/handshake"
)

const keyPrefix = "checkout:confirmation:"

// resolveScript deletes the key only while it still holds the given order.
var resolveScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local ok, pending = pcall(cjson.decode, raw)
if ok and pending["order_id"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements handshake.Store on Redis. Keys expire after ttl, which
// abandons confirmations the customer never completes.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

var _ handshake.Store = (*Store)(nil)

// NewStore creates a Redis-backed confirmation store.
func NewStore(client redis.Cmdable, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func (s *Store) Begin(ctx context.Context, p domain.PendingConfirmation) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending confirmation: %w", err)
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+p.UserID, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx confirmation: %w", err)
	}
	if !ok {
		return handshake.ErrAwaiting(p.UserID)
	}
	return nil
}

func (s *Store) Current(ctx context.Context, userID string) (*domain.PendingConfirmation, error) {
	data, err := s.client.Get(ctx, keyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, handshake.ErrIdle(userID)
		}
		return nil, fmt.Errorf("redis get confirmation: %w", err)
	}

	var p domain.PendingConfirmation
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending confirmation: %w", err)
	}
	return &p, nil
}

func (s *Store) Resolve(ctx context.Context, userID, orderID string) error {
	if err := resolveScript.Run(ctx, s.client, []string{keyPrefix + userID}, orderID).Err(); err != nil {
		return fmt.Errorf("redis resolve confirmation: %w", err)
	}
	return nil
}

func (s *Store) Abandon(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("redis del confirmation: %w", err)
	}
	return nil
}
