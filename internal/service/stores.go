package service

import (
	"context"

	"gate-service/internal/identity"
	"gate-service/internal/model"
)

// Durable-tier contracts consumed by the services. The Scylla repositories
// satisfy them in production; tests substitute in-memory doubles. Lookups
// return model.ErrNotFound when no record exists.

type IdentityStore interface {
	Create(ctx context.Context, rec *model.IdentityRecord) error
	Get(ctx context.Context, id identity.Identity) (*model.IdentityRecord, error)
	SetVideoCount(ctx context.Context, id identity.Identity, count int) error
}

type VerificationStore interface {
	Get(ctx context.Context, id identity.Identity) (*model.VerificationRecord, error)
	MarkVerified(ctx context.Context, id identity.Identity, method string) error
}

type CodeStore interface {
	Create(ctx context.Context, code *model.OneTimeCode) error
	GetLatest(ctx context.Context, id identity.Identity) (*model.OneTimeCode, error)
	SetAttemptCount(ctx context.Context, code *model.OneTimeCode, attempts int) error
	MarkUsed(ctx context.Context, code *model.OneTimeCode) error
}

type JobStore interface {
	Create(ctx context.Context, job *model.VideoJob) error
	FindPending(ctx context.Context, id identity.Identity, isPending func(status string) bool) (*model.VideoJob, error)
}
