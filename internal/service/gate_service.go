package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gate-service/internal/audit"
	"gate-service/internal/config"
	"gate-service/internal/dispatch"
	"gate-service/internal/encryption"
	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

const (
	actionSubmit = "submit"

	verificationMethod = "otp"
)

// Decision outcomes at the gate boundary.
const (
	OutcomeAdmitted      = "admitted"
	OutcomeJobPending    = "job_pending"
	OutcomeChallenged    = "challenged"
	OutcomeCodeStillLive = "code_still_live"
)

// Decision is the answer to a submission.
type Decision struct {
	Outcome          string `json:"outcome"`
	JobID            string `json:"job_id,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	CodeExpiresIn    int    `json:"code_expires_in,omitempty"`
}

// VerifyResult is the answer to a successful code verification.
type VerifyResult struct {
	Verified     bool   `json:"verified"`
	PendingJobID string `json:"pending_job_id,omitempty"`
}

// ResendResult is the answer to a resend request.
type ResendResult struct {
	Sent             bool `json:"sent"`
	StillLive        bool `json:"still_live"`
	RemainingSeconds int  `json:"remaining_seconds,omitempty"`
	CodeExpiresIn    int  `json:"code_expires_in,omitempty"`
}

// GateService is the admission gate in front of the video pipeline. Every
// submission either gets a job admitted, finds its earlier job still in
// flight, or is challenged to prove phone ownership first.
type GateService struct {
	otp        *OTPService
	admission  *AdmissionService
	identities IdentityStore
	deriver    *identity.Deriver
	encryptor  *encryption.Manager
	dispatcher dispatch.Dispatcher
	recorder   *audit.Recorder
	limiter    RateLimiter
	config     *config.Config
}

// RateLimiter is the per-identity action limiter consumed by the gate.
type RateLimiter interface {
	Allow(ctx context.Context, id identity.Identity, action string, limit int, window time.Duration) bool
	RetryAfter(ctx context.Context, id identity.Identity, action string) time.Duration
}

func NewGateService(
	otp *OTPService,
	admission *AdmissionService,
	identities IdentityStore,
	deriver *identity.Deriver,
	encryptor *encryption.Manager,
	dispatcher dispatch.Dispatcher,
	recorder *audit.Recorder,
	limiter RateLimiter,
	cfg *config.Config,
) *GateService {
	return &GateService{
		otp:        otp,
		admission:  admission,
		identities: identities,
		deriver:    deriver,
		encryptor:  encryptor,
		dispatcher: dispatcher,
		recorder:   recorder,
		limiter:    limiter,
		config:     cfg,
	}
}

// ClassifySubmission decides what happens to a submission from this phone
// number. A verified identity with no job in flight and budget left gets a
// job admitted; an unverified one gets a code issued and dispatched.
func (s *GateService) ClassifySubmission(ctx context.Context, phone string) (*Decision, error) {
	id, err := s.deriver.FromPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	if !s.limiter.Allow(ctx, id, actionSubmit, s.config.Gate.SubmitLimit, s.config.Gate.SubmitWindow) {
		s.recorder.RecordDecision(id, audit.OutcomeRateLimited, actionSubmit)
		s.recorder.RecordSecurityEvent(id, audit.EventRateLimited, "submission window exhausted")
		return nil, &RateLimitedError{
			RetryAfterSeconds: retryAfterSeconds(s.limiter.RetryAfter(ctx, id, actionSubmit)),
		}
	}

	if err := s.ensureIdentity(ctx, id, phone); err != nil {
		return nil, err
	}

	var (
		verified   bool
		pendingJob *model.VideoJob
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		verified, err = s.admission.IsVerified(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		pendingJob, err = s.admission.FindPendingJob(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !verified {
		return s.challenge(ctx, id, phone)
	}

	if pendingJob != nil {
		s.recorder.RecordDecision(id, audit.OutcomeJobPending, pendingJob.JobID)
		return &Decision{Outcome: OutcomeJobPending, JobID: pendingJob.JobID}, nil
	}

	hasBudget, err := s.admission.VideoBudgetLeft(ctx, id)
	if err != nil {
		return nil, err
	}
	if !hasBudget {
		s.recorder.RecordDecision(id, audit.OutcomeVideoLimit, "")
		return nil, ErrVideoLimit
	}

	job, err := s.admission.AdmitJob(ctx, id)
	if err != nil {
		return nil, err
	}

	s.recorder.RecordDecision(id, audit.OutcomeAdmitted, job.JobID)
	return &Decision{Outcome: OutcomeAdmitted, JobID: job.JobID}, nil
}

// VerifyCode settles a challenge. On success the identity turns verified for
// good; if a job was parked behind the challenge its video slot is consumed.
func (s *GateService) VerifyCode(ctx context.Context, phone, code string) (*VerifyResult, error) {
	id, err := s.deriver.FromPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	verified, err := s.admission.IsVerified(ctx, id)
	if err != nil {
		return nil, err
	}
	if verified {
		return nil, ErrAlreadyVerified
	}

	if err := s.otp.Verify(ctx, id, code); err != nil {
		switch {
		case errors.Is(err, ErrInvalidCode):
			s.recorder.RecordDecision(id, audit.OutcomeVerifyFailed, "invalid code")
			s.recorder.RecordSecurityEvent(id, audit.EventInvalidCode, "code mismatch")
		case errors.Is(err, ErrAttemptsExceeded):
			s.recorder.RecordDecision(id, audit.OutcomeVerifyFailed, "attempts exceeded")
			s.recorder.RecordSecurityEvent(id, audit.EventAttemptsExceeded, "attempt budget spent, code invalidated")
		case errors.Is(err, ErrCodeExpired):
			s.recorder.RecordDecision(id, audit.OutcomeVerifyFailed, "code expired")
			s.recorder.RecordSecurityEvent(id, audit.EventExpiredCode, "verification after expiry")
		}
		return nil, err
	}

	if err := s.admission.MarkVerified(ctx, id, verificationMethod); err != nil {
		return nil, err
	}

	result := &VerifyResult{Verified: true}

	pendingJob, err := s.admission.FindPendingJob(ctx, id)
	if err == nil && pendingJob != nil {
		result.PendingJobID = pendingJob.JobID
		if err := s.admission.ConsumeVideoBudget(ctx, id); err != nil {
			// The parked job proceeds regardless.
			util.Warn("Failed to consume video budget after verification",
				zap.String("identity_hash", id.String()),
				zap.Error(err))
		}
	}

	s.recorder.RecordDecision(id, audit.OutcomeVerified, result.PendingJobID)
	return result, nil
}

// ResendCode issues a fresh code once the previous one has died. While the
// old code is live the caller is told how long to wait instead.
func (s *GateService) ResendCode(ctx context.Context, phone string) (*ResendResult, error) {
	id, err := s.deriver.FromPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	verified, err := s.admission.IsVerified(ctx, id)
	if err != nil {
		return nil, err
	}
	if verified {
		return nil, ErrAlreadyVerified
	}

	if err := s.ensureIdentity(ctx, id, phone); err != nil {
		return nil, err
	}

	issued, err := s.otp.Issue(ctx, id)
	if err != nil {
		var stillLive *CodeStillLiveError
		if errors.As(err, &stillLive) {
			s.recorder.RecordDecision(id, audit.OutcomeCodeStillLive, "resend")
			return &ResendResult{StillLive: true, RemainingSeconds: stillLive.RemainingSeconds}, nil
		}
		if errors.Is(err, ErrRateLimited) {
			s.recorder.RecordDecision(id, audit.OutcomeRateLimited, actionIssueCode)
			s.recorder.RecordSecurityEvent(id, audit.EventRateLimited, "issuance window exhausted")
		}
		return nil, err
	}

	s.dispatchCode(ctx, id, phone, issued)
	s.recorder.RecordDecision(id, audit.OutcomeResent, issued.CodeID)
	return &ResendResult{Sent: true, CodeExpiresIn: int(issued.TTL.Seconds())}, nil
}

func (s *GateService) challenge(ctx context.Context, id identity.Identity, phone string) (*Decision, error) {
	issued, err := s.otp.Issue(ctx, id)
	if err != nil {
		var stillLive *CodeStillLiveError
		if errors.As(err, &stillLive) {
			s.recorder.RecordDecision(id, audit.OutcomeCodeStillLive, actionSubmit)
			return &Decision{
				Outcome:          OutcomeCodeStillLive,
				RemainingSeconds: stillLive.RemainingSeconds,
			}, nil
		}
		if errors.Is(err, ErrRateLimited) {
			s.recorder.RecordDecision(id, audit.OutcomeRateLimited, actionIssueCode)
			s.recorder.RecordSecurityEvent(id, audit.EventRateLimited, "issuance window exhausted")
		}
		return nil, err
	}

	s.dispatchCode(ctx, id, phone, issued)
	s.recorder.RecordDecision(id, audit.OutcomeChallenged, issued.CodeID)
	return &Decision{
		Outcome:       OutcomeChallenged,
		CodeExpiresIn: int(issued.TTL.Seconds()),
	}, nil
}

func (s *GateService) dispatchCode(ctx context.Context, id identity.Identity, phone string, issued *IssuedCode) {
	s.dispatcher.DispatchCode(ctx, dispatch.DeliveryMessage{
		IdentityHash:     id.String(),
		Phone:            phone,
		Code:             issued.Code,
		ExpiresInSeconds: int(issued.TTL.Seconds()),
		IssuedAt:         issued.ExpiresAt.Add(-issued.TTL),
	})
}

// ensureIdentity registers the identity on first contact, storing the phone
// number encrypted.
func (s *GateService) ensureIdentity(ctx context.Context, id identity.Identity, phone string) error {
	_, err := s.identities.Get(ctx, id)
	if err == nil {
		return nil
	}
	if err != model.ErrNotFound {
		return err
	}

	envelope, err := s.encryptor.EncryptPhone(ctx, identity.NormalizePhone(phone))
	if err != nil {
		return err
	}
	marshaled, err := envelope.Marshal()
	if err != nil {
		return err
	}

	return s.identities.Create(ctx, &model.IdentityRecord{
		IdentityHash:   id.String(),
		PhoneEncrypted: []byte(marshaled),
		PhoneKeyID:     envelope.KeyID,
	})
}
