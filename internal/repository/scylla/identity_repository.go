package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"gate-service/internal/bucketing"
	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

// IdentityRepository persists the identity registry. Rows are partitioned by
// murmur3 bucket; the bucket is recomputed from the hash on every access so
// no caller needs to carry it around.
type IdentityRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewIdentityRepository(client *ScyllaClient, buckets *bucketing.Manager) *IdentityRepository {
	return &IdentityRepository{
		client:  client,
		buckets: buckets,
	}
}

// Create inserts an identity row if none exists yet. Losing the LWT race to
// a concurrent worker is not an error.
func (r *IdentityRepository) Create(ctx context.Context, rec *model.IdentityRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.IdentityBucket = r.buckets.IdentityBucket(identity.Identity(rec.IdentityHash))

	applied, err := r.client.Prepared.InsertIdentity.
		WithContext(ctx).
		Bind(rec.IdentityBucket, rec.IdentityHash, rec.PhoneEncrypted, rec.PhoneKeyID,
			rec.VideoCount, rec.CreatedAt, rec.UpdatedAt).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create identity",
			zap.String("identity_hash", rec.IdentityHash),
			zap.Error(err))
		return fmt.Errorf("failed to create identity: %w", err)
	}
	if !applied {
		util.Debug("Identity already registered",
			zap.String("identity_hash", rec.IdentityHash))
	}
	return nil
}

// Get fetches an identity row by hash.
func (r *IdentityRepository) Get(ctx context.Context, id identity.Identity) (*model.IdentityRecord, error) {
	bucket := r.buckets.IdentityBucket(id)
	rec := &model.IdentityRecord{}

	query := r.client.Prepared.GetIdentity.WithContext(ctx).Bind(bucket, id.String())

	err := r.client.ScanWithRetry(query,
		&rec.IdentityBucket, &rec.IdentityHash, &rec.PhoneEncrypted, &rec.PhoneKeyID,
		&rec.VideoCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get identity",
			zap.String("identity_hash", id.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return rec, nil
}

// SetVideoCount writes the delivered-video count for an identity.
func (r *IdentityRepository) SetVideoCount(ctx context.Context, id identity.Identity, count int) error {
	bucket := r.buckets.IdentityBucket(id)

	query := r.client.Prepared.IncrementVideoCount.
		WithContext(ctx).
		Bind(count, time.Now().UTC(), bucket, id.String())

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update video count",
			zap.String("identity_hash", id.String()),
			zap.Int("video_count", count),
			zap.Error(err))
		return fmt.Errorf("failed to update video count: %w", err)
	}
	return nil
}
