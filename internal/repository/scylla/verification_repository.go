package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

// VerificationRepository persists the monotonic verified flag per identity.
type VerificationRepository struct {
	client *ScyllaClient
}

func NewVerificationRepository(client *ScyllaClient) *VerificationRepository {
	return &VerificationRepository{client: client}
}

// Get fetches the verification record for an identity.
func (r *VerificationRepository) Get(ctx context.Context, id identity.Identity) (*model.VerificationRecord, error) {
	rec := &model.VerificationRecord{}

	query := r.client.Prepared.GetVerification.WithContext(ctx).Bind(id.String())

	err := r.client.ScanWithRetry(query,
		&rec.IdentityHash, &rec.IsVerified, &rec.VerifiedAt, &rec.Method,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get verification record",
			zap.String("identity_hash", id.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get verification record: %w", err)
	}

	return rec, nil
}

// MarkVerified records that the identity proved phone ownership. The flag
// only ever moves false to true; re-verification refreshes verified_at.
func (r *VerificationRepository) MarkVerified(ctx context.Context, id identity.Identity, method string) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpsertVerification.
		WithContext(ctx).
		Bind(id.String(), true, &now, method, now, now)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark identity verified",
			zap.String("identity_hash", id.String()),
			zap.Error(err))
		return fmt.Errorf("failed to mark identity verified: %w", err)
	}

	util.Info("Identity marked verified",
		zap.String("identity_hash", id.String()),
		zap.String("method", method))
	return nil
}
