package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"datagate/internal/ingest"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by backends when no row exists for a key.
var ErrNotFound = errors.New("not found")

// ConfigBackend loads stream configuration rows from durable storage.
type ConfigBackend interface {
	LoadStreamConfig(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error)
}

// ConfigRepository is the read-through cache over per-series configuration.
// Concurrent loads of the same key coalesce into one backend call; a series
// with no row gets the domain defaults, logged once per series.
type ConfigRepository struct {
	backend ConfigBackend
	cache   *lruCache
	log     *logrus.Entry

	mu       sync.Mutex
	inflight map[string]*loadCall

	defaultLogged sync.Map // series_id -> struct{}
}

type loadCall struct {
	done chan struct{}
	cfg  *ingest.StreamConfig
	err  error
}

// NewConfigRepository creates the repository with TTL and LRU bounds.
func NewConfigRepository(backend ConfigBackend, ttl time.Duration, capacity int, log *logrus.Entry) *ConfigRepository {
	return &ConfigRepository{
		backend:  backend,
		cache:    newLRUCache(capacity, ttl),
		log:      log,
		inflight: make(map[string]*loadCall),
	}
}

// Get returns the configuration for a series, loading through the cache.
// Missing rows resolve to domain defaults rather than an error.
func (r *ConfigRepository) Get(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error) {
	key := string(domain) + "|" + seriesID
	if v, ok := r.cache.Get(key); ok {
		return v.(*ingest.StreamConfig), nil
	}

	r.mu.Lock()
	if call, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.cfg, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &loadCall{done: make(chan struct{})}
	r.inflight[key] = call
	r.mu.Unlock()

	call.cfg, call.err = r.load(ctx, seriesID, domain)
	if call.err == nil {
		r.cache.Put(key, call.cfg)
	}

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	close(call.done)

	return call.cfg, call.err
}

func (r *ConfigRepository) load(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error) {
	cfg, err := r.backend.LoadStreamConfig(ctx, seriesID, domain)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, ErrNotFound) {
		if _, logged := r.defaultLogged.LoadOrStore(seriesID, struct{}{}); !logged {
			r.log.WithFields(logrus.Fields{
				"series_id": seriesID,
				"domain":    domain,
			}).Info("no stream config, applying domain defaults")
		}
		return ingest.DefaultStreamConfig(seriesID, domain), nil
	}
	return nil, err
}

// Invalidate drops a cached entry, forcing the next read to hit the backend.
func (r *ConfigRepository) Invalidate(ctx context.Context, seriesID string, domain ingest.Domain) {
	r.cache.Remove(string(domain) + "|" + seriesID)
}

// CacheStats exposes the cache counters for health reporting.
func (r *ConfigRepository) CacheStats() CacheStats {
	return r.cache.Stats()
}

// Close releases the cache.
func (r *ConfigRepository) Close() {
	r.cache.Close()
}
