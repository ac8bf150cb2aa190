package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gate-service/internal/audit"
	"gate-service/internal/bucketing"
	"gate-service/internal/cache"
	"gate-service/internal/client"
	"gate-service/internal/config"
	"gate-service/internal/dispatch"
	"gate-service/internal/encryption"
	"gate-service/internal/hashing"
	"gate-service/internal/identity"
	"gate-service/internal/model"
)

const testPhone = "+919876543210"

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Redis: config.RedisConfig{
			PoolSize:    10,
			CallTimeout: time.Second,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
			PhoneSalt:         "test-salt",
		},
		Bucketing: config.BucketingConfig{IdentityBuckets: 16},
		OTP: config.OTPConfig{
			CodeLength:  6,
			CodeTTL:     10 * time.Minute,
			MaxAttempts: 3,
			IssueLimit:  3,
			IssueWindow: time.Hour,
			AttemptsTTL: time.Hour,
		},
		Gate: config.GateConfig{
			PendingStatuses: []string{
				"queued", "photo_processing", "photo_done",
				"lipsync_processing", "lipsync_done", "stitching", "uploaded",
			},
			PendingJobTTL:   30 * time.Minute,
			VerificationTTL: time.Hour,
			VideoLimit:      3,
			SubmitLimit:     10,
			SubmitWindow:    time.Hour,
		},
	}
}

type testEnv struct {
	cfg           *config.Config
	mr            *miniredis.Miniredis
	store         *cache.DualStore
	limiter       *cache.RateLimiter
	deriver       *identity.Deriver
	codes         *fakeCodeStore
	verifications *fakeVerificationStore
	jobs          *fakeJobStore
	identities    *fakeIdentityStore
	dispatcher    *captureDispatcher
	otp           *OTPService
	admission     *AdmissionService
	gate          *GateService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig()

	mr := miniredis.RunT(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	redisClient, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	env := &testEnv{
		cfg:           cfg,
		mr:            mr,
		store:         cache.NewDualStore(redisClient),
		deriver:       identity.NewDeriver(cfg.Hashing.PhoneSalt),
		codes:         newFakeCodeStore(),
		verifications: newFakeVerificationStore(),
		jobs:          newFakeJobStore(),
		identities:    newFakeIdentityStore(),
		dispatcher:    &captureDispatcher{},
	}
	env.limiter = cache.NewRateLimiter(env.store)

	factory := NewFactory(Dependencies{
		Config:        cfg,
		Store:         env.store,
		Limiter:       env.limiter,
		Hasher:        hashing.NewHasher(cfg),
		Encryptor:     encryption.NewManager(cfg, nil),
		Deriver:       env.deriver,
		Dispatcher:    env.dispatcher,
		Recorder:      audit.NewRecorder(nil, nil, bucketing.NewManager(cfg)),
		Identities:    env.identities,
		Verifications: env.verifications,
		Codes:         env.codes,
		Jobs:          env.jobs,
	})
	env.otp = factory.OTP
	env.admission = factory.Admission
	env.gate = factory.Gate

	return env
}

func (e *testEnv) identityFor(t *testing.T, phone string) identity.Identity {
	t.Helper()
	id, err := e.deriver.FromPhone(phone)
	if err != nil {
		t.Fatalf("failed to derive identity: %v", err)
	}
	return id
}

// expireLatestCode rewrites the newest durable code as already expired and
// drops its fast-tier copy, simulating the passage of the code TTL. Rate
// limiter counters are left untouched.
func (e *testEnv) expireLatestCode(t *testing.T, id identity.Identity) {
	t.Helper()
	if !e.codes.expireLatest(id.String()) {
		t.Fatalf("no code to expire for %s", id)
	}
	e.mr.Del(cache.Key(cache.PurposeCode, id))
}

// -------------------- in-memory store doubles --------------------

type fakeCodeStore struct {
	mu    sync.Mutex
	codes map[string][]*model.OneTimeCode // newest first
}

func newFakeCodeStore() *fakeCodeStore {
	return &fakeCodeStore{codes: make(map[string][]*model.OneTimeCode)}
}

func (f *fakeCodeStore) Create(_ context.Context, code *model.OneTimeCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code.CodeID == "" {
		code.CodeID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	stored := *code
	f.codes[code.IdentityHash] = append([]*model.OneTimeCode{&stored}, f.codes[code.IdentityHash]...)
	return nil
}

func (f *fakeCodeStore) GetLatest(_ context.Context, id identity.Identity) (*model.OneTimeCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.codes[id.String()]
	if len(history) == 0 {
		return nil, model.ErrNotFound
	}
	latest := *history[0]
	return &latest, nil
}

func (f *fakeCodeStore) SetAttemptCount(_ context.Context, code *model.OneTimeCode, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stored := range f.codes[code.IdentityHash] {
		if stored.CodeID == code.CodeID {
			stored.AttemptCount = attempts
			return nil
		}
	}
	return model.ErrNotFound
}

func (f *fakeCodeStore) MarkUsed(_ context.Context, code *model.OneTimeCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stored := range f.codes[code.IdentityHash] {
		if stored.CodeID == code.CodeID {
			now := time.Now().UTC()
			stored.IsUsed = true
			stored.UsedAt = &now
			return nil
		}
	}
	return model.ErrNotFound
}

func (f *fakeCodeStore) expireLatest(identityHash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.codes[identityHash]
	if len(history) == 0 {
		return false
	}
	history[0].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	return true
}

type fakeVerificationStore struct {
	mu   sync.Mutex
	recs map[string]*model.VerificationRecord
}

func newFakeVerificationStore() *fakeVerificationStore {
	return &fakeVerificationStore{recs: make(map[string]*model.VerificationRecord)}
}

func (f *fakeVerificationStore) Get(_ context.Context, id identity.Identity) (*model.VerificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id.String()]
	if !ok {
		return nil, model.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeVerificationStore) MarkVerified(_ context.Context, id identity.Identity, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.recs[id.String()] = &model.VerificationRecord{
		IdentityHash: id.String(),
		IsVerified:   true,
		VerifiedAt:   &now,
		Method:       method,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (f *fakeVerificationStore) forget(identityHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, identityHash)
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string][]*model.VideoJob // newest first
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string][]*model.VideoJob)}
}

func (f *fakeJobStore) Create(_ context.Context, job *model.VideoJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	stored := *job
	f.jobs[job.IdentityHash] = append([]*model.VideoJob{&stored}, f.jobs[job.IdentityHash]...)
	return nil
}

func (f *fakeJobStore) FindPending(_ context.Context, id identity.Identity, isPending func(status string) bool) (*model.VideoJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs[id.String()] {
		if isPending(job.Status) {
			copied := *job
			return &copied, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeJobStore) setStatus(identityHash, jobID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs[identityHash] {
		if job.JobID == jobID {
			job.Status = status
			return
		}
	}
}

type fakeIdentityStore struct {
	mu   sync.Mutex
	recs map[string]*model.IdentityRecord
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{recs: make(map[string]*model.IdentityRecord)}
}

func (f *fakeIdentityStore) Create(_ context.Context, rec *model.IdentityRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.recs[rec.IdentityHash]; exists {
		return nil
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := *rec
	f.recs[rec.IdentityHash] = &stored
	return nil
}

func (f *fakeIdentityStore) Get(_ context.Context, id identity.Identity) (*model.IdentityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id.String()]
	if !ok {
		return nil, model.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeIdentityStore) SetVideoCount(_ context.Context, id identity.Identity, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id.String()]
	if !ok {
		return model.ErrNotFound
	}
	rec.VideoCount = count
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeIdentityStore) seed(identityHash string, videoCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.recs[identityHash] = &model.IdentityRecord{
		IdentityHash: identityHash,
		VideoCount:   videoCount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type captureDispatcher struct {
	mu       sync.Mutex
	messages []dispatch.DeliveryMessage
}

func (d *captureDispatcher) DispatchCode(_ context.Context, msg dispatch.DeliveryMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

func (d *captureDispatcher) last(t *testing.T) dispatch.DeliveryMessage {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.messages) == 0 {
		t.Fatalf("no delivery message dispatched")
	}
	return d.messages[len(d.messages)-1]
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}
