package gobilling

import (
	"sync"
	"time"
)

// Cache holds current subscriptions keyed by user id so feature gating does
// not hit storage on every request.
type Cache interface {
	// Get returns a copy of the cached subscription and true if present.
	Get(userID string) (*Subscription, bool)

	// Set stores a subscription with TTL.
	Set(userID string, sub *Subscription, ttl time.Duration)

	// Invalidate removes a user's entry.
	Invalidate(userID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	sub        *Subscription
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak for equal access times
}

// NoopCache is used when caching is disabled
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (*Subscription, bool)            { return nil, false }
func (c *NoopCache) Set(_ string, _ *Subscription, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                           {}
func (c *NoopCache) Clear()                                        {}
func (c *NoopCache) Stats() CacheStats                             { return CacheStats{} }

// LRUCache implements Cache with TTL expiry and least recently used eviction.
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	maxSize   int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewLRUCache creates a new LRU cache holding at most maxSize users.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *LRUCache) Get(userID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	now := time.Now()
	if !ok || now.After(entry.expiration) {
		c.misses++
		return nil, false
	}
	entry.accessTime = now
	c.hits++
	return entry.sub.Clone(), true
}

func (c *LRUCache) Set(userID string, sub *Subscription, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[userID]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[userID] = &cacheEntry{
		sub:        sub.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest drops the least recently used entry. Callers hold c.mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxSize)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
