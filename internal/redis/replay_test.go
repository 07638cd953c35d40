package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestReplayGuard_NewDelivery(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	g := NewReplayGuard(client, zap.NewNop())

	result, err := g.CheckOrReserve(context.Background(), "sonarr", BodyKey([]byte(`{"eventType":"Download"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new delivery, got: %+v", result)
	}
}

func TestReplayGuard_InFlight(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	g := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()
	key := BodyKey([]byte("body"))

	if _, err := g.CheckOrReserve(ctx, "sonarr", key); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if _, err := g.CheckOrReserve(ctx, "sonarr", key); err != ErrInFlight {
		t.Fatalf("expected ErrInFlight, got: %v", err)
	}
}

func TestReplayGuard_CachedResult(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	g := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()
	key := BodyKey([]byte("body"))

	if _, err := g.CheckOrReserve(ctx, "radarr", key); err != nil {
		t.Fatal(err)
	}
	if err := g.Store(ctx, "radarr", key, &ReplayResult{StatusCode: 200, Success: true, Message: "ok", Processed: 2}, ReplayTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := g.CheckOrReserve(ctx, "radarr", key)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.Processed != 2 || !cached.Success {
		t.Fatalf("expected cached result with 2 processed, got %+v", cached)
	}

	mr.FastForward(ReplayTTL + 1)
	expired, err := g.Check(ctx, "radarr", key)
	if err != nil {
		t.Fatal(err)
	}
	if expired != nil {
		t.Fatal("expected result to expire after TTL")
	}
}

func TestReplayGuard_SourceIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	g := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()
	key := BodyKey([]byte("same"))

	if _, err := g.CheckOrReserve(ctx, "sonarr", key); err != nil {
		t.Fatal(err)
	}
	result, err := g.CheckOrReserve(ctx, "radarr", key)
	if err != nil {
		t.Fatalf("other source should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("other source should get nil (new delivery)")
	}
}

func TestReplayGuard_ReleaseAllowsRetry(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	g := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()

	if _, err := g.CheckOrReserve(ctx, "sonarr", "k"); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(ctx, "sonarr", "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CheckOrReserve(ctx, "sonarr", "k"); err != nil {
		t.Fatalf("expected reserve after release, got %v", err)
	}
}

func TestBodyKey_Stable(t *testing.T) {
	if BodyKey([]byte("a")) != BodyKey([]byte("a")) {
		t.Fatal("same body must give same key")
	}
	if BodyKey([]byte("a")) == BodyKey([]byte("b")) {
		t.Fatal("different bodies must differ")
	}
}
