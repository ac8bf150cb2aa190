package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gate-service/internal/cache"
	"gate-service/internal/config"
	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

// cachedJob is the fast-tier shape of a pending job.
type cachedJob struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// AdmissionService answers the two questions behind every gate decision: has
// this identity proven phone ownership, and does it already have a job in
// flight. Only positive facts are cached. Verification is monotonic and a
// pending job resolves on its own schedule, so a positive cache entry can
// only ever turn stale in the safe direction; a cached negative could admit
// a second concurrent job.
type AdmissionService struct {
	verifications VerificationStore
	jobs          JobStore
	identities    IdentityStore
	store         *cache.DualStore
	config        *config.Config
}

func NewAdmissionService(verifications VerificationStore, jobs JobStore, identities IdentityStore, store *cache.DualStore, cfg *config.Config) *AdmissionService {
	return &AdmissionService{
		verifications: verifications,
		jobs:          jobs,
		identities:    identities,
		store:         store,
		config:        cfg,
	}
}

// IsVerified reports whether the identity has ever completed verification.
func (s *AdmissionService) IsVerified(ctx context.Context, id identity.Identity) (bool, error) {
	key := cache.Key(cache.PurposeVerification, id)

	if res := s.store.Get(ctx, key); res.Hit() {
		return res.Value == "1", nil
	}

	rec, err := s.verifications.Get(ctx, id)
	if err != nil {
		if err == model.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	if rec.IsVerified {
		s.store.Set(ctx, key, "1", s.config.Gate.VerificationTTL)
	}
	return rec.IsVerified, nil
}

// MarkVerified records a completed verification and primes the cache.
func (s *AdmissionService) MarkVerified(ctx context.Context, id identity.Identity, method string) error {
	if err := s.verifications.MarkVerified(ctx, id, method); err != nil {
		return err
	}
	s.store.Set(ctx, cache.Key(cache.PurposeVerification, id), "1", s.config.Gate.VerificationTTL)
	return nil
}

// FindPendingJob returns the identity's in-flight job, or nil when every
// known job has settled.
func (s *AdmissionService) FindPendingJob(ctx context.Context, id identity.Identity) (*model.VideoJob, error) {
	key := cache.Key(cache.PurposePendingJob, id)

	if res := s.store.Get(ctx, key); res.Hit() {
		var cached cachedJob
		if err := json.Unmarshal([]byte(res.Value), &cached); err == nil {
			return &model.VideoJob{
				IdentityHash: id.String(),
				JobID:        cached.JobID,
				Status:       cached.Status,
				CreatedAt:    cached.CreatedAt,
			}, nil
		}
		util.Warn("Dropping malformed cached job",
			zap.String("identity_hash", id.String()))
		s.store.Delete(ctx, key)
	}

	job, err := s.jobs.FindPending(ctx, id, s.config.IsPendingStatus)
	if err != nil {
		if err == model.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	s.cachePendingJob(ctx, id, job)
	return job, nil
}

// AdmitJob creates a job for a verified identity. The caller has already
// established that no job is pending and the video budget has room.
func (s *AdmissionService) AdmitJob(ctx context.Context, id identity.Identity) (*model.VideoJob, error) {
	job := &model.VideoJob{
		IdentityHash: id.String(),
		Status:       model.JobStatusQueued,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.cachePendingJob(ctx, id, job)
	return job, nil
}

// ConsumeVideoBudget counts one delivered-video slot against the identity.
func (s *AdmissionService) ConsumeVideoBudget(ctx context.Context, id identity.Identity) error {
	rec, err := s.identities.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.identities.SetVideoCount(ctx, id, rec.VideoCount+1)
}

// VideoBudgetLeft reports whether the identity may admit another job.
func (s *AdmissionService) VideoBudgetLeft(ctx context.Context, id identity.Identity) (bool, error) {
	rec, err := s.identities.Get(ctx, id)
	if err != nil {
		if err == model.ErrNotFound {
			return true, nil
		}
		return false, err
	}
	return rec.VideoCount < s.config.Gate.VideoLimit, nil
}

func (s *AdmissionService) cachePendingJob(ctx context.Context, id identity.Identity, job *model.VideoJob) {
	payload, err := json.Marshal(cachedJob{
		JobID:     job.JobID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
	if err != nil {
		return
	}
	s.store.Set(ctx, cache.Key(cache.PurposePendingJob, id), string(payload), s.config.Gate.PendingJobTTL)
}
