package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore is the narrow slice of Redis the deduplicator needs: atomic
// set-if-absent with expiry. *redis.Client satisfies it.
type DedupStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Deduplicator provides the idempotency window. A miss atomically records
// the id; a hit means the message was already processed within the TTL.
//
// When the backing store is unreachable the deduplicator enters passthrough
// mode: every call reports "not a duplicate" and a health flag is raised so
// /resilience/health can surface the degradation. Ingestion never stops
// because dedup is down.
type Deduplicator struct {
	store DedupStore
	ttl   time.Duration

	available atomic.Bool
	checked   atomic.Int64
	hits      atomic.Int64
	mu        sync.Mutex
	lastErrAt time.Time
}

const (
	dedupKeyPrefix  = "dedup:msg:"
	DefaultDedupTTL = 60 * time.Second
)

// NewDeduplicator creates a deduplicator over the given store. A nil store
// yields a permanent passthrough instance.
func NewDeduplicator(store DedupStore, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	d := &Deduplicator{store: store, ttl: ttl}
	d.available.Store(store != nil)
	return d
}

// IsDuplicate reports whether msgID was already seen within the TTL. A
// false return atomically records the id.
func (d *Deduplicator) IsDuplicate(ctx context.Context, msgID string) bool {
	if d.store == nil || msgID == "" {
		return false
	}
	d.checked.Add(1)

	ok, err := d.store.SetNX(ctx, dedupKeyPrefix+msgID, "1", d.ttl).Result()
	if err != nil {
		// Fail open: a dedup outage must not stop ingestion.
		d.available.Store(false)
		d.mu.Lock()
		d.lastErrAt = time.Now()
		d.mu.Unlock()
		return false
	}
	d.available.Store(true)

	if !ok {
		d.hits.Add(1)
		return true
	}
	return false
}

// Available reports whether the backing store answered the last call.
func (d *Deduplicator) Available() bool {
	return d.available.Load()
}

// DedupStats are the counters exposed through /resilience/health.
type DedupStats struct {
	Available  bool          `json:"available"`
	Checked    int64         `json:"total_checked"`
	Duplicates int64         `json:"duplicates_found"`
	TTL        time.Duration `json:"ttl"`
}

// Stats returns a snapshot of the dedup counters.
func (d *Deduplicator) Stats() DedupStats {
	return DedupStats{
		Available:  d.Available(),
		Checked:    d.checked.Load(),
		Duplicates: d.hits.Load(),
		TTL:        d.ttl,
	}
}
