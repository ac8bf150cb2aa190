package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gate-service/internal/cache"
	"gate-service/internal/config"
	"gate-service/internal/hashing"
	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

const actionIssueCode = "otp_issue"

// IssuedCode is what Issue hands back: the raw code exists only here and in
// the delivery message, never at rest.
type IssuedCode struct {
	Code      string
	CodeID    string
	ExpiresAt time.Time
	TTL       time.Duration
}

// cachedCode mirrors the fields of a live code that the fast tier holds. A
// separate type because the model hides hash material from JSON on purpose.
type cachedCode struct {
	CodeID      string    `json:"code_id"`
	CodeHash    string    `json:"code_hash"`
	CodeSalt    string    `json:"code_salt"`
	HashVersion string    `json:"hash_version"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// OTPService owns the one-time code lifecycle: issuance under the
// one-live-code invariant, bounded verification attempts, and consumption.
// Reads go cache first with a durable fallback; the durable tier is always
// written first so a cache wipe can never lose a code.
type OTPService struct {
	codes   CodeStore
	store   *cache.DualStore
	limiter *cache.RateLimiter
	hasher  *hashing.Hasher
	config  *config.Config
}

func NewOTPService(codes CodeStore, store *cache.DualStore, limiter *cache.RateLimiter, hasher *hashing.Hasher, cfg *config.Config) *OTPService {
	return &OTPService{
		codes:   codes,
		store:   store,
		limiter: limiter,
		hasher:  hasher,
		config:  cfg,
	}
}

// Issue creates and persists a fresh code for the identity. It fails with
// CodeStillLiveError while an earlier code is live, and with ErrRateLimited
// when the issuance window is spent.
func (s *OTPService) Issue(ctx context.Context, id identity.Identity) (*IssuedCode, error) {
	if !s.limiter.Allow(ctx, id, actionIssueCode, s.config.OTP.IssueLimit, s.config.OTP.IssueWindow) {
		return nil, &RateLimitedError{
			RetryAfterSeconds: retryAfterSeconds(s.limiter.RetryAfter(ctx, id, actionIssueCode)),
		}
	}

	now := time.Now().UTC()

	latest, _, err := s.loadLatest(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Live(now) {
		return nil, &CodeStillLiveError{
			RemainingSeconds: remainingSeconds(latest.ExpiresAt, now),
		}
	}

	raw, err := generateCode(s.config.OTP.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	hashed, err := s.hasher.HashCode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	code := &model.OneTimeCode{
		IdentityHash: id.String(),
		CodeID:       uuid.New().String(),
		CodeHash:     hashed.Hash,
		CodeSalt:     hashed.Salt,
		HashVersion:  hashed.Algorithm,
		ExpiresAt:    now.Add(s.config.OTP.CodeTTL),
		CreatedAt:    now,
	}

	if err := s.codes.Create(ctx, code); err != nil {
		return nil, err
	}

	s.cacheCode(ctx, id, code)
	// A fresh code starts with a clean attempt budget.
	s.store.Delete(ctx, cache.Key(cache.PurposeAttempts, id))

	return &IssuedCode{
		Code:      raw,
		CodeID:    code.CodeID,
		ExpiresAt: code.ExpiresAt,
		TTL:       s.config.OTP.CodeTTL,
	}, nil
}

// Verify checks a candidate against the live code. The attempt is counted
// before the comparison, so a caller that has spent the budget gets
// ErrAttemptsExceeded even with the right code in hand.
func (s *OTPService) Verify(ctx context.Context, id identity.Identity, candidate string) error {
	now := time.Now().UTC()

	latest, fromCache, err := s.loadLatest(ctx, id)
	if err != nil {
		return err
	}
	if latest == nil || latest.IsUsed {
		return ErrNoLiveCode
	}
	if !latest.Live(now) {
		return ErrCodeExpired
	}

	attempt := s.countAttempt(ctx, id, latest)
	if attempt > s.config.OTP.MaxAttempts {
		s.invalidate(ctx, id, latest)
		return ErrAttemptsExceeded
	}

	match, err := s.hasher.VerifyCode(candidate, &hashing.HashResult{
		Hash:      latest.CodeHash,
		Salt:      latest.CodeSalt,
		Algorithm: latest.HashVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to verify code: %w", err)
	}
	if !match {
		util.Info("Code verification failed",
			zap.String("identity_hash", id.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.config.OTP.MaxAttempts))
		return &WrongCodeError{AttemptsLeft: s.config.OTP.MaxAttempts - attempt}
	}

	// The cached copy cannot prove the code is still unconsumed: an earlier
	// invalidation may have failed to reach the fast store. The durable
	// record settles it before the code is spent.
	if fromCache {
		durable, err := s.codes.GetLatest(ctx, id)
		if err != nil {
			if err == model.ErrNotFound {
				return ErrNoLiveCode
			}
			return err
		}
		if durable.CodeID != latest.CodeID || durable.IsUsed {
			s.store.Delete(ctx, cache.Key(cache.PurposeCode, id))
			return ErrNoLiveCode
		}
		latest = durable
	}

	if err := s.codes.MarkUsed(ctx, latest); err != nil {
		return err
	}
	s.store.Delete(ctx,
		cache.Key(cache.PurposeCode, id),
		cache.Key(cache.PurposeAttempts, id))

	return nil
}

// LiveRemaining reports the remaining lifetime of the identity's live code,
// or zero when no code is live.
func (s *OTPService) LiveRemaining(ctx context.Context, id identity.Identity) int {
	now := time.Now().UTC()
	latest, _, err := s.loadLatest(ctx, id)
	if err != nil || latest == nil || !latest.Live(now) {
		return 0
	}
	return remainingSeconds(latest.ExpiresAt, now)
}

// loadLatest fetches the most recent code, cache first. A cache hit that
// turned stale and any non-hit fall through to the durable tier; a live
// durable code is written back. fromCache tells the caller which tier
// answered.
func (s *OTPService) loadLatest(ctx context.Context, id identity.Identity) (code *model.OneTimeCode, fromCache bool, err error) {
	key := cache.Key(cache.PurposeCode, id)

	if res := s.store.Get(ctx, key); res.Hit() {
		var cached cachedCode
		if err := json.Unmarshal([]byte(res.Value), &cached); err == nil {
			code := &model.OneTimeCode{
				IdentityHash: id.String(),
				CodeID:       cached.CodeID,
				CodeHash:     cached.CodeHash,
				CodeSalt:     cached.CodeSalt,
				HashVersion:  cached.HashVersion,
				ExpiresAt:    cached.ExpiresAt,
				CreatedAt:    cached.CreatedAt,
			}
			if code.Live(time.Now().UTC()) {
				return code, true, nil
			}
		} else {
			util.Warn("Dropping malformed cached code",
				zap.String("identity_hash", id.String()),
				zap.Error(err))
			s.store.Delete(ctx, key)
		}
	}

	code, err = s.codes.GetLatest(ctx, id)
	if err != nil {
		if err == model.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	if code.Live(time.Now().UTC()) {
		s.cacheCode(ctx, id, code)
	}
	return code, false, nil
}

// countAttempt returns the 1-based number of this verification attempt. The
// fast-store counter is authoritative while reachable; the durable count is
// both the fallback and the persistent record.
func (s *OTPService) countAttempt(ctx context.Context, id identity.Identity, code *model.OneTimeCode) int {
	attempt := code.AttemptCount + 1

	if n, ok := s.store.Increment(ctx, cache.Key(cache.PurposeAttempts, id), s.config.OTP.AttemptsTTL); ok {
		if int(n) > attempt {
			attempt = int(n)
		}
	}

	code.AttemptCount = attempt
	if err := s.codes.SetAttemptCount(ctx, code, attempt); err != nil {
		util.Warn("Failed to persist attempt count",
			zap.String("identity_hash", id.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return attempt
}

func (s *OTPService) invalidate(ctx context.Context, id identity.Identity, code *model.OneTimeCode) {
	if err := s.codes.MarkUsed(ctx, code); err != nil {
		util.Error("Failed to invalidate code",
			zap.String("identity_hash", id.String()),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
	}
	s.store.Delete(ctx,
		cache.Key(cache.PurposeCode, id),
		cache.Key(cache.PurposeAttempts, id))
}

func (s *OTPService) cacheCode(ctx context.Context, id identity.Identity, code *model.OneTimeCode) {
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(cachedCode{
		CodeID:      code.CodeID,
		CodeHash:    code.CodeHash,
		CodeSalt:    code.CodeSalt,
		HashVersion: code.HashVersion,
		ExpiresAt:   code.ExpiresAt,
		CreatedAt:   code.CreatedAt,
	})
	if err != nil {
		return
	}
	s.store.Set(ctx, cache.Key(cache.PurposeCode, id), string(payload), ttl)
}

func remainingSeconds(expiresAt, now time.Time) int {
	remaining := int(expiresAt.Sub(now).Seconds())
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func generateCode(length int) (string, error) {
	const digits = "0123456789"
	// Bytes of 250 and above are rejected: 256 is not a multiple of 10, so
	// taking them mod 10 would skew the distribution toward low digits.
	const limit = 250

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, digits[int(b)%len(digits)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
