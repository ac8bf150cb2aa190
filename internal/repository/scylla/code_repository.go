package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

// CodeRepository persists issued one-time codes. The partition is the
// identity hash, clustered newest-first, so the single-row read in
// GetLatest always sees the most recently issued code.
type CodeRepository struct {
	client *ScyllaClient
}

func NewCodeRepository(client *ScyllaClient) *CodeRepository {
	return &CodeRepository{client: client}
}

// Create stores a freshly issued code.
func (r *CodeRepository) Create(ctx context.Context, code *model.OneTimeCode) error {
	if code.CodeID == "" {
		code.CodeID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.InsertCode.
		WithContext(ctx).
		Bind(code.IdentityHash, code.CreatedAt, code.CodeID, code.CodeHash, code.CodeSalt,
			code.HashVersion, code.ExpiresAt, code.AttemptCount, code.IsUsed, code.UsedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create one-time code",
			zap.String("identity_hash", code.IdentityHash),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to create one-time code: %w", err)
	}

	util.Info("One-time code created",
		zap.String("identity_hash", code.IdentityHash),
		zap.String("code_id", code.CodeID),
		zap.Time("expires_at", code.ExpiresAt))
	return nil
}

// GetLatest fetches the most recently issued code for an identity, live or
// not. Liveness is the caller's call via OneTimeCode.Live.
func (r *CodeRepository) GetLatest(ctx context.Context, id identity.Identity) (*model.OneTimeCode, error) {
	code := &model.OneTimeCode{}

	query := r.client.Prepared.GetLatestCode.WithContext(ctx).Bind(id.String())

	err := r.client.ScanWithRetry(query,
		&code.IdentityHash, &code.CreatedAt, &code.CodeID, &code.CodeHash, &code.CodeSalt,
		&code.HashVersion, &code.ExpiresAt, &code.AttemptCount, &code.IsUsed, &code.UsedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get latest code",
			zap.String("identity_hash", id.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get latest code: %w", err)
	}

	return code, nil
}

// SetAttemptCount writes the attempt counter for a code.
func (r *CodeRepository) SetAttemptCount(ctx context.Context, code *model.OneTimeCode, attempts int) error {
	query := r.client.Prepared.UpdateCodeAttempts.
		WithContext(ctx).
		Bind(attempts, code.IdentityHash, code.CreatedAt, code.CodeID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update attempt count",
			zap.String("identity_hash", code.IdentityHash),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to update attempt count: %w", err)
	}
	return nil
}

// MarkUsed consumes a code. Used codes stay on disk as history; they are
// never live again.
func (r *CodeRepository) MarkUsed(ctx context.Context, code *model.OneTimeCode) error {
	now := time.Now().UTC()

	query := r.client.Prepared.MarkCodeUsed.
		WithContext(ctx).
		Bind(true, &now, code.IdentityHash, code.CreatedAt, code.CodeID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark code used",
			zap.String("identity_hash", code.IdentityHash),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to mark code used: %w", err)
	}

	util.Info("One-time code consumed",
		zap.String("identity_hash", code.IdentityHash),
		zap.String("code_id", code.CodeID))
	return nil
}
