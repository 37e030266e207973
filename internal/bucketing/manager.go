package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"tipline-service/internal/config"
)

// Manager maps identifiers to stable partition buckets so wide rows (the
// attempt ledger in particular) stay bounded. Murmur3 is fast and stable
// across processes; the bucket counts must not change once data exists.
type Manager struct {
	attemptBuckets int
	tenantBuckets  int
	hasherPool     sync.Pool
}

func NewManager(cfg config.BucketingConfig) *Manager {
	m := &Manager{
		attemptBuckets: cfg.AttemptBuckets,
		tenantBuckets:  cfg.TenantBuckets,
	}

	// Pool the hashers to avoid per-call allocation
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// AttemptBucket returns the ledger partition bucket for a tenant+source pair.
func (m *Manager) AttemptBucket(tenantID, sourceHash string) int {
	return m.bucket(tenantID+"|"+sourceHash, m.attemptBuckets)
}

// TenantBucket returns the partition bucket for a tenant row.
func (m *Manager) TenantBucket(tenantID string) int {
	return m.bucket(tenantID, m.tenantBuckets)
}

// DayBucket returns the UTC date partition component for archive tables.
func (m *Manager) DayBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(numBuckets))
}
