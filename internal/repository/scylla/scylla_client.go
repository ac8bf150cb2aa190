package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"gate-service/internal/config"
	"gate-service/internal/util"
)

// PreparedStatements holds the statements the repositories actually bind.
type PreparedStatements struct {
	InsertIdentity      *gocql.Query
	GetIdentity         *gocql.Query
	IncrementVideoCount *gocql.Query

	UpsertVerification *gocql.Query
	GetVerification    *gocql.Query

	InsertCode         *gocql.Query
	GetLatestCode      *gocql.Query
	UpdateCodeAttempts *gocql.Query
	MarkCodeUsed       *gocql.Query

	InsertJob     *gocql.Query
	GetRecentJobs *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertIdentity = s.Session.Query(`
        INSERT INTO identities (
            identity_bucket, identity_hash, phone_encrypted, phone_key_id,
            video_count, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetIdentity = s.Session.Query(`
        SELECT identity_bucket, identity_hash, phone_encrypted, phone_key_id,
            video_count, created_at, updated_at
        FROM identities WHERE identity_bucket = ? AND identity_hash = ?`)

	prepared.IncrementVideoCount = s.Session.Query(`
        UPDATE identities SET video_count = ?, updated_at = ?
        WHERE identity_bucket = ? AND identity_hash = ?`)

	prepared.UpsertVerification = s.Session.Query(`
        INSERT INTO verifications (
            identity_hash, is_verified, verified_at, method, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.GetVerification = s.Session.Query(`
        SELECT identity_hash, is_verified, verified_at, method, created_at, updated_at
        FROM verifications WHERE identity_hash = ?`)

	prepared.InsertCode = s.Session.Query(`
        INSERT INTO otp_codes (
            identity_hash, created_at, code_id, code_hash, code_salt,
            hash_version, expires_at, attempt_count, is_used, used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetLatestCode = s.Session.Query(`
        SELECT identity_hash, created_at, code_id, code_hash, code_salt,
            hash_version, expires_at, attempt_count, is_used, used_at
        FROM otp_codes WHERE identity_hash = ? LIMIT 1`)

	prepared.UpdateCodeAttempts = s.Session.Query(`
        UPDATE otp_codes SET attempt_count = ?
        WHERE identity_hash = ? AND created_at = ? AND code_id = ?`)

	prepared.MarkCodeUsed = s.Session.Query(`
        UPDATE otp_codes SET is_used = ?, used_at = ?
        WHERE identity_hash = ? AND created_at = ? AND code_id = ?`)

	prepared.InsertJob = s.Session.Query(`
        INSERT INTO video_jobs (
            identity_hash, created_at, job_id, status, updated_at
        ) VALUES (?, ?, ?, ?, ?)`)

	prepared.GetRecentJobs = s.Session.Query(`
        SELECT identity_hash, created_at, job_id, status, updated_at
        FROM video_jobs WHERE identity_hash = ? LIMIT ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
