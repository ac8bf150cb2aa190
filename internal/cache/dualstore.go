package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gate-service/internal/client"
	"gate-service/internal/util"
)

// ResultState classifies the outcome of a fast-store read. Callers choose
// their fallback per state instead of relying on a blanket catch: a Miss is
// real negative information from the cache, Unavailable is not.
type ResultState int

const (
	Hit ResultState = iota
	Miss
	Unavailable
)

// Result is a fast-store read outcome.
type Result struct {
	State ResultState
	Value string
}

func (r Result) Hit() bool { return r.State == Hit }

// DualStore is the fast tier of the two-tier store. Every operation is bound
// by the client's call timeout and absorbs fast-store failures: callers always
// get an answer, never an error, and must keep a durable fallback path for
// Miss and Unavailable.
//
// The durable tier lives in the repositories; read-through population is done
// by the caller after a durable fallback, with the TTL appropriate to the
// fact being cached.
type DualStore struct {
	redis *client.RedisClient
}

func NewDualStore(redis *client.RedisClient) *DualStore {
	return &DualStore{redis: redis}
}

func (d *DualStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d.redis.CallTimeout())
}

// Get reads a key from the fast store.
func (d *DualStore) Get(ctx context.Context, key string) Result {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	val, err := d.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return Result{State: Miss}
		}
		util.Warn("Fast store get failed, treating as unavailable",
			zap.String("key", key), zap.Error(err))
		return Result{State: Unavailable}
	}
	return Result{State: Hit, Value: val}
}

// Set writes a key with a TTL. Best effort: a failure is logged and dropped
// because every cached fact has an authoritative durable counterpart.
func (d *DualStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	if err := d.redis.Set(ctx, key, value, ttl); err != nil {
		util.Warn("Fast store set failed, durable tier remains authoritative",
			zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
	}
}

// Delete invalidates a key. Best effort.
func (d *DualStore) Delete(ctx context.Context, keys ...string) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	if err := d.redis.Del(ctx, keys...); err != nil {
		util.Warn("Fast store delete failed",
			zap.Strings("keys", keys), zap.Error(err))
	}
}

// Increment bumps a counter, stamping TTL on the first increment so the
// window length is fixed at creation. The increment and the TTL stamp travel
// in one pipeline: a counter can never outlive its window because the stamp
// got lost. ok=false means the fast store could not answer; the count is
// then meaningless.
func (d *DualStore) Increment(ctx context.Context, key string, ttl time.Duration) (count int64, ok bool) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	count, err := d.redis.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Warn("Fast store increment failed",
			zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return count, true
}

// TTL returns the remaining lifetime of a key. ok=false covers both a missing
// key and an unavailable fast store; the durable expiry is authoritative then.
func (d *DualStore) TTL(ctx context.Context, key string) (time.Duration, bool) {
	ctx, cancel := d.callCtx(ctx)
	defer cancel()

	ttl, err := d.redis.TTL(ctx, key)
	if err != nil {
		util.Warn("Fast store TTL lookup failed",
			zap.String("key", key), zap.Error(err))
		return 0, false
	}
	// go-redis reports -2 for a missing key and -1 for no expiry.
	if ttl < 0 {
		return 0, false
	}
	return ttl, true
}
