package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeSetNX satisfies DedupStore without a live Redis.
type fakeSetNX struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (f *fakeSetNX) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd := redis.NewBoolCmd(ctx)
		cmd.SetErr(f.err)
		return cmd
	}
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func TestDeduplicator(t *testing.T) {
	ctx := context.Background()

	t.Run("second call within ttl is a duplicate", func(t *testing.T) {
		d := NewDeduplicator(&fakeSetNX{}, time.Minute)
		if d.IsDuplicate(ctx, "m1") {
			t.Fatal("first sighting must not be a duplicate")
		}
		if !d.IsDuplicate(ctx, "m1") {
			t.Fatal("second sighting must be a duplicate")
		}
		stats := d.Stats()
		if stats.Duplicates != 1 || stats.Checked != 2 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})

	t.Run("store outage fails open", func(t *testing.T) {
		store := &fakeSetNX{err: fmt.Errorf("connection refused")}
		d := NewDeduplicator(store, time.Minute)
		if d.IsDuplicate(ctx, "m1") {
			t.Fatal("passthrough must report not-duplicate")
		}
		if d.Available() {
			t.Fatal("health flag should drop on store errors")
		}

		// Recovery flips the flag back.
		store.mu.Lock()
		store.err = nil
		store.mu.Unlock()
		d.IsDuplicate(ctx, "m2")
		if !d.Available() {
			t.Fatal("health flag should recover with the store")
		}
	})

	t.Run("nil store is permanent passthrough", func(t *testing.T) {
		d := NewDeduplicator(nil, 0)
		if d.IsDuplicate(ctx, "m1") || d.IsDuplicate(ctx, "m1") {
			t.Fatal("nil store must never report duplicates")
		}
	})

	t.Run("empty msg id is never deduplicated", func(t *testing.T) {
		d := NewDeduplicator(&fakeSetNX{}, time.Minute)
		if d.IsDuplicate(ctx, "") || d.IsDuplicate(ctx, "") {
			t.Fatal("empty ids must pass through")
		}
	})
}
