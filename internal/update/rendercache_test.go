package update

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCacheRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRenderCache_RoundTrip(t *testing.T) {
	c := NewRedisRenderCache(newCacheRedis(t), 5*time.Minute)
	ctx := context.Background()

	if err := c.Put(ctx, "invoice", "inv-1", []byte("rendered")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, found, err := c.Get(ctx, "invoice", "inv-1")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v, %v", got, found, err)
	}
	if string(got) != "rendered" {
		t.Errorf("cached value = %q, want rendered", got)
	}
}

func TestRedisRenderCache_Invalidate(t *testing.T) {
	c := NewRedisRenderCache(newCacheRedis(t), 5*time.Minute)
	ctx := context.Background()

	c.Put(ctx, "invoice", "inv-1", []byte("rendered"))
	if err := c.Invalidate(ctx, "invoice", "inv-1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	_, found, err := c.Get(ctx, "invoice", "inv-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("invalidated entry must miss")
	}
}

func TestRedisRenderCache_MissIsNotError(t *testing.T) {
	c := NewRedisRenderCache(newCacheRedis(t), 5*time.Minute)

	_, found, err := c.Get(context.Background(), "invoice", "absent")
	if err != nil || found {
		t.Fatalf("Get() on miss = %v, %v", found, err)
	}
}
