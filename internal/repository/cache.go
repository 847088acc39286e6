package repository

import (
	"container/list"
	"sync"
	"time"
)

// lruCache bounds the read-through repositories. Recency is tracked with an
// intrusive list (front = most recent) so eviction is O(1) instead of a
// full-map scan; expiry is checked lazily when an entry is touched. There
// is no background sweeper: the capacity bound already caps memory, and a
// stale entry costs exactly one wasted lookup before it is dropped.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

type lruEntry struct {
	key      string
	value    interface{}
	storedAt time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached value and whether it was present and fresh. A hit
// promotes the entry to most-recent; an expired entry is dropped on sight.
func (c *lruCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Put stores a value with a fresh TTL, evicting from the cold end when the
// capacity bound is hit.
func (c *lruCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.storedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	elem := c.order.PushFront(&lruEntry{key: key, value: value, storedAt: time.Now()})
	c.entries[key] = elem
}

// Remove drops a key, if present.
func (c *lruCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len reports the number of entries, expired or not.
func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked unlinks an element. Caller holds the lock.
func (c *lruCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

// CacheStats is the counter snapshot the repositories expose for health
// reporting.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats returns a snapshot of the cache counters.
func (c *lruCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close drops every entry. The cache owns no goroutines, so closing is
// purely a memory release for tests and shutdown paths.
func (c *lruCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
