package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"gate-service/internal/cache"
)

func TestIssueAndVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issued.Code) != env.cfg.OTP.CodeLength {
		t.Fatalf("expected %d-digit code, got %q", env.cfg.OTP.CodeLength, issued.Code)
	}
	for _, r := range issued.Code {
		if r < '0' || r > '9' {
			t.Fatalf("code must be numeric, got %q", issued.Code)
		}
	}

	if err := env.otp.Verify(ctx, id, issued.Code); err != nil {
		t.Fatalf("correct code must verify: %v", err)
	}

	// A consumed code is gone for good.
	if err := env.otp.Verify(ctx, id, issued.Code); !errors.Is(err, ErrNoLiveCode) {
		t.Fatalf("expected ErrNoLiveCode after consumption, got %v", err)
	}
}

func TestIssueWhileCodeStillLive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	if _, err := env.otp.Issue(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := env.otp.Issue(ctx, id)
	if !errors.Is(err, ErrCodeStillLive) {
		t.Fatalf("expected ErrCodeStillLive, got %v", err)
	}

	var stillLive *CodeStillLiveError
	if !errors.As(err, &stillLive) {
		t.Fatalf("expected CodeStillLiveError, got %T", err)
	}
	ttlSeconds := int(env.cfg.OTP.CodeTTL.Seconds())
	if stillLive.RemainingSeconds <= 0 || stillLive.RemainingSeconds > ttlSeconds {
		t.Fatalf("unexpected remaining seconds %d", stillLive.RemainingSeconds)
	}
}

func TestIssueAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	first, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.expireLatestCode(t, id)

	second, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("a dead code must not block issuance: %v", err)
	}
	if second.CodeID == first.CodeID {
		t.Fatalf("expected a fresh code")
	}
}

func TestIssueRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.OTP.IssueLimit = 1
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	if _, err := env.otp.Issue(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.expireLatestCode(t, id)

	_, err := env.otp.Issue(ctx, id)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitedError, got %T", err)
	}
	windowSeconds := int(env.cfg.OTP.IssueWindow.Seconds())
	if rateLimited.RetryAfterSeconds <= 0 || rateLimited.RetryAfterSeconds > windowSeconds {
		t.Fatalf("unexpected retry-after %d", rateLimited.RetryAfterSeconds)
	}
}

func TestVerifyWrongCodeReportsAttemptsLeft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	if _, err := env.otp.Issue(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < env.cfg.OTP.MaxAttempts; i++ {
		err := env.otp.Verify(ctx, id, "000000")
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}

		var wrongCode *WrongCodeError
		if !errors.As(err, &wrongCode) {
			t.Fatalf("attempt %d: expected WrongCodeError, got %T", i+1, err)
		}
		want := env.cfg.OTP.MaxAttempts - (i + 1)
		if wrongCode.AttemptsLeft != want {
			t.Fatalf("attempt %d: expected %d attempts left, got %d", i+1, want, wrongCode.AttemptsLeft)
		}
	}
}

func TestVerifyThirdAttemptWithCorrectCodeSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := env.otp.Verify(ctx, id, "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}
	}

	if err := env.otp.Verify(ctx, id, issued.Code); err != nil {
		t.Fatalf("third attempt with the correct code must succeed: %v", err)
	}
}

func TestVerifyAttemptBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < env.cfg.OTP.MaxAttempts; i++ {
		if err := env.otp.Verify(ctx, id, "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}
	}

	// The budget is spent; even the right code is refused and the code dies.
	if err := env.otp.Verify(ctx, id, issued.Code); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}
	if err := env.otp.Verify(ctx, id, issued.Code); !errors.Is(err, ErrNoLiveCode) {
		t.Fatalf("expected ErrNoLiveCode after invalidation, got %v", err)
	}

	// A fresh code starts with a clean budget.
	fresh, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.otp.Verify(ctx, id, fresh.Code); err != nil {
		t.Fatalf("fresh code must verify: %v", err)
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.expireLatestCode(t, id)

	if err := env.otp.Verify(ctx, id, issued.Code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestVerifyWithoutCode(t *testing.T) {
	env := newTestEnv(t)
	id := env.identityFor(t, testPhone)

	if err := env.otp.Verify(context.Background(), id, "123456"); !errors.Is(err, ErrNoLiveCode) {
		t.Fatalf("expected ErrNoLiveCode, got %v", err)
	}
}

func TestVerifySurvivesFastStoreLoss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The durable tier alone must be able to settle the challenge.
	env.mr.Close()

	if err := env.otp.Verify(ctx, id, issued.Code); err != nil {
		t.Fatalf("verification must fall back to the durable tier: %v", err)
	}
}

func TestVerifyAfterCacheWipe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.mr.FlushAll()

	if err := env.otp.Verify(ctx, id, issued.Code); err != nil {
		t.Fatalf("a cache wipe must not lose the code: %v", err)
	}
}

func TestVerifyRejectsStaleCachedCopyOfConsumedCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	issued, err := env.otp.Issue(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := cache.Key(cache.PurposeCode, id)
	stale, err := env.mr.Get(key)
	if err != nil {
		t.Fatalf("expected the code in the fast tier: %v", err)
	}

	if err := env.otp.Verify(ctx, id, issued.Code); err != nil {
		t.Fatalf("correct code must verify: %v", err)
	}

	// A failed invalidation can leave the pre-consumption entry behind. The
	// durable record must still refuse a second spend.
	if err := env.mr.Set(key, stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.mr.SetTTL(key, env.cfg.OTP.CodeTTL)

	if err := env.otp.Verify(ctx, id, issued.Code); !errors.Is(err, ErrNoLiveCode) {
		t.Fatalf("expected ErrNoLiveCode for a consumed code, got %v", err)
	}
}

func TestGeneratedCodesCoverAllDigits(t *testing.T) {
	seen := make(map[rune]bool)
	for i := 0; i < 300; i++ {
		code, err := generateCode(6)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code must be numeric, got %q", code)
			}
			seen[r] = true
		}
	}
	for r := '0'; r <= '9'; r++ {
		if !seen[r] {
			t.Fatalf("digit %q never generated across 1800 samples", r)
		}
	}
}

func TestLiveRemaining(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.identityFor(t, testPhone)

	if got := env.otp.LiveRemaining(ctx, id); got != 0 {
		t.Fatalf("expected zero remaining with no code, got %d", got)
	}

	if _, err := env.otp.Issue(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := env.otp.LiveRemaining(ctx, id)
	if got <= 0 || got > int(env.cfg.OTP.CodeTTL/time.Second) {
		t.Fatalf("unexpected remaining seconds %d", got)
	}
}
