// Package cache provides a read-through cache for hot nodes and embeddings
// in front of the storage engine.
//
// Repeat GetNode/GetEmbedding calls dominate the query path (every search
// candidate touches both); caching them avoids a storage round trip for
// anything already resolved recently.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for stale entries
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := NewQueryCache(2000, 5*time.Minute)
//
//	key := c.Key("emb:"+nodeID, nil)
//	if v, ok := c.Get(key); ok {
//		return v.(*model.Embedding), nil // cache hit
//	}
//
//	emb, err := store.GetEmbedding(ctx, nodeID)
//	c.Put(key, emb)
package cache

import (
	"container/list"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// QueryCache is a thread-safe LRU cache for nodes and embeddings keyed by id.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
type QueryCache struct {
	mu sync.RWMutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[uint64]*list.Element

	hits   uint64
	misses uint64
}

// cacheEntry holds a cached item with metadata.
type cacheEntry struct {
	key       uint64
	value     interface{}
	expiresAt time.Time
}

// NewQueryCache creates a new cache for search's node/embedding lookups.
//
// Parameters:
//   - maxSize: Maximum number of cached entries (LRU eviction when exceeded)
//   - ttl: Time-to-live for cached entries (0 = no expiration)
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &QueryCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key generates a cache key from a lookup name (e.g. "emb:"+nodeID or
// "node:"+nodeID) and optional qualifying parameters.
//
// The key is a fast hash suitable for map lookups. Same name with the same
// parameter keys hashes to the same key.
func (c *QueryCache) Key(name string, params map[string]interface{}) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))

	// Include parameter keys, not values, so a single key still covers
	// lookups whose parameter values legitimately vary (e.g. filters).
	// Keys are hashed in sorted order so map iteration order never matters.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
	}

	return h.Sum64()
}

// Get retrieves a cached value if present and not expired.
//
// Returns (value, true) on cache hit, (nil, false) on miss.
// Moves the entry to front of LRU list on hit.
func (c *QueryCache) Get(key uint64) (interface{}, bool) {
	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)

	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.removeElement(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.Lock()
	c.list.MoveToFront(elem)
	c.mu.Unlock()

	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Put adds a value to the cache.
//
// If the cache is full, the least recently used entry is evicted.
// If the key already exists, the value is updated.
func (c *QueryCache) Put(key uint64, value interface{}) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{
		key:   key,
		value: value,
	}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	elem := c.list.PushFront(entry)
	c.items[key] = elem
}

// Remove removes an entry from the cache, e.g. after a node is deleted so a
// stale copy never outlives the mutation that removed it.
func (c *QueryCache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *QueryCache) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.list.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops every entry, so
// a subsequently re-enabled cache starts cold rather than serving stale
// data accumulated while disabled.
func (c *QueryCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.list.Init()
		c.items = make(map[uint64]*list.Element, c.maxSize)
	}
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *QueryCache) evictOldest() {
	elem := c.list.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *QueryCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}
