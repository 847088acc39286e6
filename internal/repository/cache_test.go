package repository

import (
	"testing"
	"time"
)

func TestLRUCache(t *testing.T) {
	t.Run("basic put and get", func(t *testing.T) {
		c := newLRUCache(4, time.Minute)
		defer c.Close()

		c.Put("a", 1)
		v, ok := c.Get("a")
		if !ok || v.(int) != 1 {
			t.Fatalf("get a = %v, %v", v, ok)
		}
		if _, ok := c.Get("missing"); ok {
			t.Fatal("missing key reported present")
		}
	})

	t.Run("eviction drops the coldest entry", func(t *testing.T) {
		c := newLRUCache(2, time.Minute)
		defer c.Close()

		c.Put("a", 1)
		c.Put("b", 2)
		// Touch a so b becomes the coldest.
		c.Get("a")
		c.Put("c", 3)

		if _, ok := c.Get("b"); ok {
			t.Fatal("b should have been evicted")
		}
		if _, ok := c.Get("a"); !ok {
			t.Fatal("recently used a must survive")
		}
		if _, ok := c.Get("c"); !ok {
			t.Fatal("new entry c must be present")
		}
	})

	t.Run("overwrite refreshes without growing", func(t *testing.T) {
		c := newLRUCache(2, time.Minute)
		defer c.Close()

		c.Put("a", 1)
		c.Put("a", 2)
		if c.Len() != 1 {
			t.Fatalf("len = %d after overwrite", c.Len())
		}
		v, _ := c.Get("a")
		if v.(int) != 2 {
			t.Fatalf("overwrite lost: %v", v)
		}
	})

	t.Run("expired entries are dropped on access", func(t *testing.T) {
		c := newLRUCache(4, 30*time.Millisecond)
		defer c.Close()

		c.Put("a", 1)
		time.Sleep(40 * time.Millisecond)
		if _, ok := c.Get("a"); ok {
			t.Fatal("expired entry served")
		}
		if c.Len() != 0 {
			t.Fatalf("expired entry not unlinked, len = %d", c.Len())
		}
	})

	t.Run("stats count hits, misses and evictions", func(t *testing.T) {
		c := newLRUCache(1, time.Minute)
		defer c.Close()

		c.Put("a", 1)
		c.Get("a")
		c.Get("nope")
		c.Put("b", 2) // evicts a

		st := c.Stats()
		if st.Hits != 1 || st.Misses != 1 || st.Evictions != 1 || st.Entries != 1 {
			t.Fatalf("unexpected stats %+v", st)
		}
	})

	t.Run("close empties the cache", func(t *testing.T) {
		c := newLRUCache(4, time.Minute)
		c.Put("a", 1)
		c.Close()
		if c.Len() != 0 {
			t.Fatalf("close left %d entries", c.Len())
		}
	})
}
