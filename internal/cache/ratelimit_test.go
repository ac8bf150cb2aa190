package cache

import (
	"context"
	"testing"
	"time"

	"gate-service/internal/identity"
)

const testIdentity = identity.Identity("b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewRateLimiter(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, testIdentity, "otp_issue", 3, time.Hour) {
			t.Fatalf("occurrence %d should be allowed", i+1)
		}
	}

	if limiter.Allow(ctx, testIdentity, "otp_issue", 3, time.Hour) {
		t.Fatalf("occurrence over budget should be denied")
	}
}

func TestRateLimiterActionsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewRateLimiter(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, testIdentity, "otp_issue", 3, time.Hour)
	}

	if !limiter.Allow(ctx, testIdentity, "submit", 3, time.Hour) {
		t.Fatalf("a different action must keep its own budget")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	store, mr := newTestStore(t)
	limiter := NewRateLimiter(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Allow(ctx, testIdentity, "otp_issue", 3, time.Minute)
	}
	if limiter.Allow(ctx, testIdentity, "otp_issue", 3, time.Minute) {
		t.Fatalf("budget should be spent")
	}

	mr.FastForward(61 * time.Second)

	if !limiter.Allow(ctx, testIdentity, "otp_issue", 3, time.Minute) {
		t.Fatalf("budget should refresh after the window")
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	store, mr := newTestStore(t)
	limiter := NewRateLimiter(store)
	mr.Close()

	if !limiter.Allow(context.Background(), testIdentity, "otp_issue", 1, time.Hour) {
		t.Fatalf("limiter must fail open when the fast store is down")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	store, _ := newTestStore(t)
	limiter := NewRateLimiter(store)
	ctx := context.Background()

	if got := limiter.RetryAfter(ctx, testIdentity, "otp_issue"); got != 0 {
		t.Fatalf("expected zero retry-after before any occurrence, got %v", got)
	}

	limiter.Allow(ctx, testIdentity, "otp_issue", 1, time.Minute)

	got := limiter.RetryAfter(ctx, testIdentity, "otp_issue")
	if got <= 0 || got > time.Minute {
		t.Fatalf("unexpected retry-after %v", got)
	}
}
