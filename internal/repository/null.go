package repository

import (
	"context"
	"sync"
	"time"

	"datagate/internal/ingest"
)

// NullBackend serves the repositories when no generic backend is
// configured: every config lookup falls through to domain defaults and
// operational state lives in process memory only. Ingestion keeps working;
// durability returns when the backend does.
type NullBackend struct {
	mu     sync.Mutex
	states map[string]*ingest.SeriesState
}

// NewNullBackend creates the in-memory fallback.
func NewNullBackend() *NullBackend {
	return &NullBackend{states: make(map[string]*ingest.SeriesState)}
}

// LoadStreamConfig implements ConfigBackend.
func (b *NullBackend) LoadStreamConfig(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error) {
	return nil, ErrNotFound
}

// LoadState implements StateBackend.
func (b *NullBackend) LoadState(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[seriesID]; ok {
		c := *st
		return &c, nil
	}
	return nil, ErrNotFound
}

// SaveState implements StateBackend.
func (b *NullBackend) SaveState(ctx context.Context, st *ingest.SeriesState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *st
	b.states[st.SeriesID] = &c
	return nil
}

// StaleCandidates implements StateBackend.
func (b *NullBackend) StaleCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id, st := range b.states {
		switch st.State {
		case ingest.StateNormal, ingest.StateWarning, ingest.StateAlert:
			if st.HasLast && st.LastTimestamp.Before(cutoff) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}
