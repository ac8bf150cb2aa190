package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"gate-service/internal/client"
	"gate-service/internal/config"
)

func newTestStore(t *testing.T) (*DualStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Environment: "development",
		Redis: config.RedisConfig{
			URL:         "redis://" + mr.Addr(),
			PoolSize:    10,
			CallTimeout: time.Second,
		},
	}

	redisClient, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	return NewDualStore(redisClient), mr
}

func TestDualStoreGetHitAndMiss(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if res := store.Get(ctx, "absent"); res.State != Miss {
		t.Fatalf("expected Miss for absent key, got %v", res.State)
	}

	store.Set(ctx, "present", "value", time.Minute)

	res := store.Get(ctx, "present")
	if !res.Hit() {
		t.Fatalf("expected Hit, got %v", res.State)
	}
	if res.Value != "value" {
		t.Fatalf("expected value %q, got %q", "value", res.Value)
	}
}

func TestDualStoreGetUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "key", "value", time.Minute)
	mr.Close()

	if res := store.Get(ctx, "key"); res.State != Unavailable {
		t.Fatalf("expected Unavailable after store shutdown, got %v", res.State)
	}
}

func TestDualStoreSetExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "fleeting", "value", 10*time.Second)
	mr.FastForward(11 * time.Second)

	if res := store.Get(ctx, "fleeting"); res.State != Miss {
		t.Fatalf("expected Miss after TTL elapsed, got %v", res.State)
	}
}

func TestDualStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "a", "1", time.Minute)
	store.Set(ctx, "b", "2", time.Minute)
	store.Delete(ctx, "a", "b")

	if res := store.Get(ctx, "a"); res.State != Miss {
		t.Fatalf("expected Miss for deleted key a, got %v", res.State)
	}
	if res := store.Get(ctx, "b"); res.State != Miss {
		t.Fatalf("expected Miss for deleted key b, got %v", res.State)
	}
}

func TestDualStoreIncrementStampsWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, ok := store.Increment(ctx, "counter", time.Minute)
		if !ok {
			t.Fatalf("expected increment to succeed")
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
	}

	// The TTL is stamped on the first increment only; later increments must
	// not extend the window.
	mr.FastForward(30 * time.Second)
	if _, ok := store.Increment(ctx, "counter", time.Minute); !ok {
		t.Fatalf("expected increment to succeed")
	}
	mr.FastForward(31 * time.Second)

	count, ok := store.Increment(ctx, "counter", time.Minute)
	if !ok {
		t.Fatalf("expected increment to succeed")
	}
	if count != 1 {
		t.Fatalf("expected counter reset after window, got %d", count)
	}
}

func TestDualStoreIncrementNeverOrphansCounter(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// A counter without a TTL would exhaust its rate bucket forever. Every
	// increment travels with the stamp, so the counter always has a window.
	for i := 0; i < 5; i++ {
		if _, ok := store.Increment(ctx, "counter", time.Minute); !ok {
			t.Fatalf("expected increment to succeed")
		}
		if ttl := mr.TTL("counter"); ttl <= 0 {
			t.Fatalf("increment %d left the counter without a window", i+1)
		}
	}
}

func TestDualStoreIncrementUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	if _, ok := store.Increment(context.Background(), "counter", time.Minute); ok {
		t.Fatalf("expected ok=false when store is down")
	}
}

func TestDualStoreTTL(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok := store.TTL(ctx, "absent"); ok {
		t.Fatalf("expected ok=false for missing key")
	}

	store.Set(ctx, "key", "value", time.Minute)
	ttl, ok := store.TTL(ctx, "key")
	if !ok {
		t.Fatalf("expected ok=true for key with TTL")
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL %v", ttl)
	}
}
