package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"datagate/internal/ingest"

	"github.com/sirupsen/logrus"
)

// StateBackend persists operational state rows.
type StateBackend interface {
	LoadState(ctx context.Context, seriesID string) (*ingest.SeriesState, error)
	SaveState(ctx context.Context, state *ingest.SeriesState) error
	// StaleCandidates returns series whose last reading is older than the
	// cutoff and that are not already STALE.
	StaleCandidates(ctx context.Context, cutoff time.Time) ([]string, error)
}

// StateRepository caches operational state with write-through semantics:
// every mutation persists first and updates the cache only on success, so
// reads observe writes monotonically.
type StateRepository struct {
	backend     StateBackend
	cache       *lruCache
	log         *logrus.Entry
	minReadings int

	mu       sync.Mutex
	inflight map[string]*stateCall
}

type stateCall struct {
	done  chan struct{}
	state *ingest.SeriesState
	err   error
}

// NewStateRepository creates the repository. minReadings is the warm-up
// default applied to newly seen series.
func NewStateRepository(backend StateBackend, ttl time.Duration, capacity, minReadings int, log *logrus.Entry) *StateRepository {
	if minReadings <= 0 {
		minReadings = 10
	}
	return &StateRepository{
		backend:     backend,
		cache:       newLRUCache(capacity, ttl),
		log:         log,
		minReadings: minReadings,
		inflight:    make(map[string]*stateCall),
	}
}

// Get returns the state for a series, creating the INITIALIZING row for a
// series never seen before. Concurrent loads coalesce.
func (r *StateRepository) Get(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	if v, ok := r.cache.Get(seriesID); ok {
		return copyState(v.(*ingest.SeriesState)), nil
	}

	r.mu.Lock()
	if call, ok := r.inflight[seriesID]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			if call.err != nil {
				return nil, call.err
			}
			return copyState(call.state), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &stateCall{done: make(chan struct{})}
	r.inflight[seriesID] = call
	r.mu.Unlock()

	call.state, call.err = r.load(ctx, seriesID)
	if call.err == nil {
		r.cache.Put(seriesID, call.state)
	}

	r.mu.Lock()
	delete(r.inflight, seriesID)
	r.mu.Unlock()
	close(call.done)

	if call.err != nil {
		return nil, call.err
	}
	return copyState(call.state), nil
}

func (r *StateRepository) load(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	st, err := r.backend.LoadState(ctx, seriesID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, ErrNotFound) {
		st = &ingest.SeriesState{
			SeriesID:             seriesID,
			State:                ingest.StateInitializing,
			MinReadingsForNormal: r.minReadings,
			StateChangedAt:       time.Now(),
		}
		if err := r.backend.SaveState(ctx, st); err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, err
}

// Save persists a state mutation write-through: backend first, cache after.
func (r *StateRepository) Save(ctx context.Context, state *ingest.SeriesState) error {
	if err := r.backend.SaveState(ctx, state); err != nil {
		// Drop the cached copy so the next read resolves the truth.
		r.cache.Remove(state.SeriesID)
		return err
	}
	r.cache.Put(state.SeriesID, copyState(state))
	return nil
}

// StaleCandidates proxies the backend sweep query.
func (r *StateRepository) StaleCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	return r.backend.StaleCandidates(ctx, cutoff)
}

// Invalidate drops a cached entry.
func (r *StateRepository) Invalidate(ctx context.Context, seriesID string) {
	r.cache.Remove(seriesID)
}

// CacheStats exposes the cache counters for health reporting.
func (r *StateRepository) CacheStats() CacheStats {
	return r.cache.Stats()
}

// Close releases the cache.
func (r *StateRepository) Close() {
	r.cache.Close()
}

func copyState(s *ingest.SeriesState) *ingest.SeriesState {
	c := *s
	return &c
}
