package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"gate-service/internal/config"
	"gate-service/internal/identity"
)

// Manager assigns identities to fixed buckets for durable-store partitioning.
// Bucket assignment is pure murmur3 over the identity hash, so every worker
// computes the same bucket for the same identity without coordination.
type Manager struct {
	identityBuckets int
	hasherPool      sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		identityBuckets: cfg.Bucketing.IdentityBuckets,
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// IdentityBucket returns the bucket for an identity (0 to identityBuckets-1).
func (m *Manager) IdentityBucket(id identity.Identity) int {
	return int(m.sum(id.String()) % uint64(m.identityBuckets))
}

// DateBucket returns the UTC date partition used by audit rows.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) IdentityBuckets() int {
	return m.identityBuckets
}

func (m *Manager) sum(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
