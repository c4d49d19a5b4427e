package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Ключи кэша.
const (
	KeyPrefixCodeMapping   = "codemap:"
	KeyPrefixFacility      = "facility:"
	KeyPrefixCurrentStatus = "shipment:status:"
	KeyPrefixSeenEvent     = "event:seen:"
	KeyPrefixRateLimit     = "rl:"
)

// BytesCache is the look-aside cache used by the normalizer and the read path.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SeenMarker records idempotency keys that already passed through dedup.
// MarkSeen returns true when the key was not marked before.
type SeenMarker interface {
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsSeen(ctx context.Context, key string) (bool, error)
}

// RateLimiter is a fixed-window counter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// GetJSON reads and decodes a cached value. A decode failure counts as a miss.
func GetJSON[T any](ctx context.Context, c BytesCache, key string) (T, bool, error) {
	var v T
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, nil
	}
	return v, true, nil
}

func SetJSON(ctx context.Context, c BytesCache, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "cache marshal")
	}
	return c.Set(ctx, key, b, ttl)
}
