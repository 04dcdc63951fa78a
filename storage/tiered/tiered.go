// Package tiered provides a Hot/Cold tiered subscription cache that combines
// a fast per-process cache (Hot) with a shared cache (Cold) seen by every
// instance, using a different strategy per operation:
//   - Read-Through: Get (Hot → Cold → populate Hot)
//   - Write-Through or Async: Set (Hot first, Cold synchronously or queued)
//   - Write-Both: Invalidate and Clear reach both tiers and are never dropped
package tiered

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var _ gobilling.Cache = (*Cache)(nil)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache (e.g., gobilling.LRUCache) local to this process
	Hot gobilling.Cache

	// Cold is the L2 cache (e.g., redis.Cache) shared by all instances
	Cold gobilling.Cache

	// HotTTL bounds how long an entry promoted from Cold stays in Hot.
	// Default: 30s
	HotTTL time.Duration

	// AsyncColdWrites makes Set return once Hot is written and pushes the
	// Cold write to a background worker.
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async write is dropped.
	AsyncErrorHandler func(error)
}

// Cache implements gobilling.Cache over two tiers.
type Cache struct {
	hot  gobilling.Cache
	cold gobilling.Cache
	conf Config

	hits   atomic.Int64
	misses atomic.Int64

	syncQueue chan func()
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered cache.
func New(config Config) (*Cache, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold caches are required")
	}
	if config.HotTTL <= 0 {
		config.HotTTL = 30 * time.Second
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	c := &Cache{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func(), config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncColdWrites {
		c.startWorker()
	}
	return c, nil
}

// Close stops the async worker after draining queued writes.
func (c *Cache) Close() error {
	if c.conf.AsyncColdWrites {
		c.closeOnce.Do(func() {
			close(c.shutdown)
			c.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background write loop. Writes are applied in order.
func (c *Cache) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case job := <-c.syncQueue:
				job()
			case <-c.shutdown:
				for {
					select {
					case job := <-c.syncQueue:
						job()
					default:
						return
					}
				}
			}
		}
	}()
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// Get implements gobilling.Cache
func (c *Cache) Get(userID string) (*gobilling.Subscription, bool) {
	if sub, ok := c.hot.Get(userID); ok {
		c.hits.Add(1)
		return sub, true
	}
	sub, ok := c.cold.Get(userID)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hot.Set(userID, sub, c.conf.HotTTL)
	c.hits.Add(1)
	return sub, true
}

// --- Strategy: Write-Through / Async ---

// Set implements gobilling.Cache
func (c *Cache) Set(userID string, sub *gobilling.Subscription, ttl time.Duration) {
	hotTTL := ttl
	if hotTTL <= 0 || hotTTL > c.conf.HotTTL {
		hotTTL = c.conf.HotTTL
	}
	c.hot.Set(userID, sub, hotTTL)

	if !c.conf.AsyncColdWrites {
		c.cold.Set(userID, sub, ttl)
		return
	}
	select {
	case c.syncQueue <- func() { c.cold.Set(userID, sub, ttl) }:
	default:
		if c.conf.AsyncErrorHandler != nil {
			c.conf.AsyncErrorHandler(errors.New("tiered cache: sync queue full, dropping cold write"))
		}
	}
}

// --- Strategy: Write-Both ---
// Invalidations are never dropped. In async mode they queue behind pending
// Cold writes so a stale Set cannot land after them.

// Invalidate implements gobilling.Cache
func (c *Cache) Invalidate(userID string) {
	c.hot.Invalidate(userID)
	c.ordered(func() { c.cold.Invalidate(userID) })
}

// Clear implements gobilling.Cache
func (c *Cache) Clear() {
	c.hot.Clear()
	c.ordered(c.cold.Clear)
}

func (c *Cache) ordered(job func()) {
	if !c.conf.AsyncColdWrites {
		job()
		return
	}
	select {
	case c.syncQueue <- job:
	case <-c.shutdown:
		job()
	}
}

// Stats counts a hit when either tier served the entry. Evictions and size
// come from Hot.
func (c *Cache) Stats() gobilling.CacheStats {
	hot := c.hot.Stats()
	return gobilling.CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: hot.Evictions,
		Size:      hot.Size,
	}
}
