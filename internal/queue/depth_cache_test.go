package queue

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *DepthCache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewDepthCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestRehydrateAndGet(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	if err := cache.Rehydrate(ctx, map[string]int64{"pending": 4, "processing": 2}); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	n, ok, err := cache.Get(ctx, "pending")
	if err != nil || !ok || n != 4 {
		t.Fatalf("get pending: n=%d ok=%v err=%v", n, ok, err)
	}
	n, ok, _ = cache.Get(ctx, "processing")
	if !ok || n != 2 {
		t.Fatalf("get processing: n=%d ok=%v", n, ok)
	}
}

func TestGetMissReportsNotFound(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	_, ok, err := cache.Get(ctx, "pending")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("missing key should report a miss, not a zero hit")
	}
}

func TestRehydrateDropsStaleStatuses(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	if err := cache.Rehydrate(ctx, map[string]int64{"pending": 4, "failed": 1}); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	// A later pass with no failed jobs must not leave the old count behind.
	if err := cache.Rehydrate(ctx, map[string]int64{"pending": 3}); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	if _, ok, _ := cache.Get(ctx, "failed"); ok {
		t.Fatal("stale status survived rehydration")
	}
	if n, ok, _ := cache.Get(ctx, "pending"); !ok || n != 3 {
		t.Fatalf("expected pending=3, got n=%d ok=%v", n, ok)
	}
}
