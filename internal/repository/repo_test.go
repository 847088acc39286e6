package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"datagate/internal/ingest"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("test", true)
}

type fakeConfigBackend struct {
	mu    sync.Mutex
	rows  map[string]*ingest.StreamConfig
	loads atomic.Int64
	delay time.Duration
	err   error
}

func (b *fakeConfigBackend) LoadStreamConfig(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error) {
	b.loads.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if cfg, ok := b.rows[seriesID]; ok {
		return cfg, nil
	}
	return nil, ErrNotFound
}

func TestConfigRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("read-through caches the row", func(t *testing.T) {
		backend := &fakeConfigBackend{rows: map[string]*ingest.StreamConfig{
			"s1": {SeriesID: "s1", Domain: ingest.DomainGeneric, AlertingEnabled: true},
		}}
		repo := NewConfigRepository(backend, time.Minute, 100, testLog())
		defer repo.Close()

		for i := 0; i < 5; i++ {
			cfg, err := repo.Get(ctx, "s1", ingest.DomainGeneric)
			if err != nil || !cfg.AlertingEnabled {
				t.Fatalf("get %d: cfg=%+v err=%v", i, cfg, err)
			}
		}
		if n := backend.loads.Load(); n != 1 {
			t.Fatalf("expected one backend load, got %d", n)
		}
	})

	t.Run("missing rows resolve to domain defaults", func(t *testing.T) {
		backend := &fakeConfigBackend{rows: map[string]*ingest.StreamConfig{}}
		repo := NewConfigRepository(backend, time.Minute, 100, testLog())
		defer repo.Close()

		cfg, err := repo.Get(ctx, "unknown", ingest.DomainFinance)
		if err != nil {
			t.Fatalf("defaults should not error: %v", err)
		}
		if cfg.AlertingEnabled {
			t.Fatal("default config must not enable alerting")
		}
		if !cfg.PredictionEnabled {
			t.Fatal("default config keeps prediction on")
		}
	})

	t.Run("concurrent misses coalesce into one load", func(t *testing.T) {
		backend := &fakeConfigBackend{
			rows:  map[string]*ingest.StreamConfig{"s2": {SeriesID: "s2", Domain: ingest.DomainGeneric}},
			delay: 20 * time.Millisecond,
		}
		repo := NewConfigRepository(backend, time.Minute, 100, testLog())
		defer repo.Close()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = repo.Get(ctx, "s2", ingest.DomainGeneric)
			}()
		}
		wg.Wait()
		if n := backend.loads.Load(); n != 1 {
			t.Fatalf("expected one coalesced load, got %d", n)
		}
	})

	t.Run("backend errors propagate", func(t *testing.T) {
		backend := &fakeConfigBackend{err: fmt.Errorf("db down")}
		repo := NewConfigRepository(backend, time.Minute, 100, testLog())
		defer repo.Close()

		if _, err := repo.Get(ctx, "s3", ingest.DomainGeneric); err == nil {
			t.Fatal("expected error from backend")
		}
	})
}

type fakeStateBackend struct {
	mu    sync.Mutex
	rows  map[string]*ingest.SeriesState
	saves int
	err   error
}

func newFakeStateBackend() *fakeStateBackend {
	return &fakeStateBackend{rows: make(map[string]*ingest.SeriesState)}
}

func (b *fakeStateBackend) LoadState(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.rows[seriesID]; ok {
		c := *st
		return &c, nil
	}
	return nil, ErrNotFound
}

func (b *fakeStateBackend) SaveState(ctx context.Context, st *ingest.SeriesState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.saves++
	c := *st
	b.rows[st.SeriesID] = &c
	return nil
}

func (b *fakeStateBackend) StaleCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id, st := range b.rows {
		if st.HasLast && st.LastTimestamp.Before(cutoff) && st.State != ingest.StateStale {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown series starts INITIALIZING and persists", func(t *testing.T) {
		backend := newFakeStateBackend()
		repo := NewStateRepository(backend, time.Minute, 100, 5, testLog())
		defer repo.Close()

		st, err := repo.Get(ctx, "fresh")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if st.State != ingest.StateInitializing || st.MinReadingsForNormal != 5 {
			t.Fatalf("unexpected initial state %+v", st)
		}
		if backend.saves != 1 {
			t.Fatalf("initial row must be persisted, saves=%d", backend.saves)
		}
	})

	t.Run("write-through updates cache after persist", func(t *testing.T) {
		backend := newFakeStateBackend()
		repo := NewStateRepository(backend, time.Minute, 100, 5, testLog())
		defer repo.Close()

		st, _ := repo.Get(ctx, "s")
		st.State = ingest.StateNormal
		st.ValidReadingsCount = 7
		if err := repo.Save(ctx, st); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, _ := repo.Get(ctx, "s")
		if got.State != ingest.StateNormal || got.ValidReadingsCount != 7 {
			t.Fatalf("reads must observe writes, got %+v", got)
		}
	})

	t.Run("failed persist drops the cached copy", func(t *testing.T) {
		backend := newFakeStateBackend()
		repo := NewStateRepository(backend, time.Minute, 100, 5, testLog())
		defer repo.Close()

		st, _ := repo.Get(ctx, "s")
		backend.mu.Lock()
		backend.err = fmt.Errorf("db down")
		backend.mu.Unlock()

		st.State = ingest.StateNormal
		if err := repo.Save(ctx, st); err == nil {
			t.Fatal("expected save failure")
		}

		backend.mu.Lock()
		backend.err = nil
		backend.mu.Unlock()

		got, _ := repo.Get(ctx, "s")
		if got.State != ingest.StateInitializing {
			t.Fatalf("cache must reload the persisted truth, got %s", got.State)
		}
	})

	t.Run("returned state is a copy", func(t *testing.T) {
		backend := newFakeStateBackend()
		repo := NewStateRepository(backend, time.Minute, 100, 5, testLog())
		defer repo.Close()

		a, _ := repo.Get(ctx, "s")
		a.ValidReadingsCount = 99

		b, _ := repo.Get(ctx, "s")
		if b.ValidReadingsCount == 99 {
			t.Fatal("callers must not share the cached value")
		}
	})
}
