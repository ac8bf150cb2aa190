package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gate-service/internal/identity"
	"gate-service/internal/util"
)

// RateLimiter gates actions per (identity, action) pair with fixed windows.
//
// The window is edge-biased: a caller can spend the whole budget at the end
// of one window and again right after rollover. That trade-off buys a single
// INCR per check instead of a sliding log.
//
// The limiter fails open when the fast store cannot answer. For code issuance
// the durable live-code check is the secondary throttle, so failing open here
// never bypasses the one-live-code invariant.
type RateLimiter struct {
	store *DualStore
}

func NewRateLimiter(store *DualStore) *RateLimiter {
	return &RateLimiter{store: store}
}

// Allow records one occurrence of action for the identity and reports whether
// it fits the budget of limit occurrences per window.
func (l *RateLimiter) Allow(ctx context.Context, id identity.Identity, action string, limit int, window time.Duration) bool {
	key := RateKey(id, action)

	count, ok := l.store.Increment(ctx, key, window)
	if !ok {
		util.Warn("Rate limiter failing open: fast store unavailable",
			zap.String("action", action))
		return true
	}

	allowed := count <= int64(limit)
	if !allowed {
		util.Info("Rate limit exceeded",
			zap.String("action", action),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("window", window))
	}
	return allowed
}

// RetryAfter reports how long until the window for (identity, action) resets.
func (l *RateLimiter) RetryAfter(ctx context.Context, id identity.Identity, action string) time.Duration {
	ttl, ok := l.store.TTL(ctx, RateKey(id, action))
	if !ok {
		return 0
	}
	return ttl
}
