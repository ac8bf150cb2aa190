package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gate-service/internal/identity"
	"gate-service/internal/model"
	"gate-service/internal/util"
)

// recentJobsScan bounds how many rows of job history are inspected when
// looking for a pending job. One identity rarely has more than a handful of
// jobs; the newest-first clustering makes the live one an early hit.
const recentJobsScan = 20

// JobRepository reads and creates video job rows. The gate only ever inserts
// freshly admitted jobs; all status transitions belong to the pipeline.
type JobRepository struct {
	client *ScyllaClient
}

func NewJobRepository(client *ScyllaClient) *JobRepository {
	return &JobRepository{client: client}
}

// Create inserts a newly admitted job in its initial status.
func (r *JobRepository) Create(ctx context.Context, job *model.VideoJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}

	query := r.client.Prepared.InsertJob.
		WithContext(ctx).
		Bind(job.IdentityHash, job.CreatedAt, job.JobID, job.Status, job.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create video job",
			zap.String("identity_hash", job.IdentityHash),
			zap.String("job_id", job.JobID),
			zap.Error(err))
		return fmt.Errorf("failed to create video job: %w", err)
	}

	util.Info("Video job created",
		zap.String("identity_hash", job.IdentityHash),
		zap.String("job_id", job.JobID),
		zap.String("status", job.Status))
	return nil
}

// FindPending returns the newest job whose status the predicate classifies
// as non-terminal, or model.ErrNotFound when every recent job is settled.
func (r *JobRepository) FindPending(ctx context.Context, id identity.Identity, isPending func(status string) bool) (*model.VideoJob, error) {
	iter := r.client.Prepared.GetRecentJobs.
		WithContext(ctx).
		Bind(id.String(), recentJobsScan).
		Iter()

	job := &model.VideoJob{}
	for iter.Scan(&job.IdentityHash, &job.CreatedAt, &job.JobID, &job.Status, &job.UpdatedAt) {
		if isPending(job.Status) {
			found := *job
			if err := iter.Close(); err != nil {
				return nil, fmt.Errorf("failed to scan video jobs: %w", err)
			}
			return &found, nil
		}
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to scan video jobs",
			zap.String("identity_hash", id.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to scan video jobs: %w", err)
	}

	return nil, model.ErrNotFound
}
