package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/q0821/fundingarb/internal/domain"
)

// PositionListCache implements domain.PositionListCache using plain string
// keys. The cached value is the rendered open-position response for one user;
// any lifecycle mutation invalidates it, so staleness is bounded by the TTL
// only when invalidation itself fails.
type PositionListCache struct {
	rdb *redis.Client
}

// NewPositionListCache creates a PositionListCache backed by the given Client.
func NewPositionListCache(c *Client) *PositionListCache {
	return &PositionListCache{rdb: c.Underlying()}
}

func positionListKey(userID string) string {
	return "positions:list:" + userID
}

// Set stores the rendered position list with the given TTL.
func (pc *PositionListCache) Set(ctx context.Context, userID string, payload []byte, ttl time.Duration) error {
	if err := pc.rdb.Set(ctx, positionListKey(userID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set position list %s: %w", userID, err)
	}
	return nil
}

// Get retrieves the cached position list. It returns domain.ErrNotFound when
// the key does not exist or has expired.
func (pc *PositionListCache) Get(ctx context.Context, userID string) ([]byte, error) {
	payload, err := pc.rdb.Get(ctx, positionListKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get position list %s: %w", userID, err)
	}
	return payload, nil
}

// Invalidate drops the cached list. Deleting a missing key is not an error.
func (pc *PositionListCache) Invalidate(ctx context.Context, userID string) error {
	if err := pc.rdb.Del(ctx, positionListKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate position list %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionListCache = (*PositionListCache)(nil)
