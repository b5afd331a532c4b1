package update

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRenderCache caches rendered views of stored rows in Redis so the
// edit and list surfaces can skip a rebuild. The update flow invalidates
// the row's entries after every persist. The key format is
// "rekod:render:{entityId}:{selector}".
type RedisRenderCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisRenderCache creates a render cache with the given entry TTL.
func NewRedisRenderCache(client redis.Cmdable, ttl time.Duration) *RedisRenderCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisRenderCache{client: client, ttl: ttl}
}

// Put stores a rendered view for a row.
func (c *RedisRenderCache) Put(ctx context.Context, entityID, selector string, rendered []byte) error {
	key := renderKey(entityID, selector)
	if err := c.client.Set(ctx, key, rendered, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Get returns the cached rendering, or found=false on a miss.
func (c *RedisRenderCache) Get(ctx context.Context, entityID, selector string) ([]byte, bool, error) {
	key := renderKey(entityID, selector)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return raw, true, nil
}

// Invalidate drops the cached rendering for a row.
func (c *RedisRenderCache) Invalidate(ctx context.Context, entityID, selector string) error {
	key := renderKey(entityID, selector)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func renderKey(entityID, selector string) string {
	return fmt.Sprintf("rekod:render:%s:%s", entityID, selector)
}
