package redis

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var _ gobilling.Cache = (*Cache)(nil)

// Cache implements gobilling.Cache in Redis so every instance sees the same
// invalidations. Redis errors count as misses.
type Cache struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  gobilling.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// KeyPrefix is prepended to all cache keys (default: "gobilling:sub:")
	KeyPrefix string

	// Timeout bounds each Redis call (default: 100ms)
	Timeout time.Duration

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger
}

// NewCache creates a Redis backed subscription cache.
func NewCache(client redis.UniversalClient, config CacheConfig) *Cache {
	c := &Cache{
		client:  client,
		prefix:  config.KeyPrefix,
		timeout: config.Timeout,
		logger:  config.Logger,
	}
	if c.prefix == "" {
		c.prefix = "gobilling:sub:"
	}
	if c.timeout <= 0 {
		c.timeout = 100 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = &gobilling.NoopLogger{}
	}
	return c
}

func (c *Cache) Get(userID string) (*gobilling.Subscription, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.prefix+userID).Bytes()
	if err != nil {
		if !isNil(err) {
			c.warn("cache get failed", userID, err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var sub gobilling.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		c.warn("cache entry unreadable", userID, err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &sub, true
}

func (c *Cache) Set(userID string, sub *gobilling.Subscription, ttl time.Duration) {
	if sub == nil {
		return
	}
	data, err := json.Marshal(sub)
	if err != nil {
		c.warn("cache encode failed", userID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+userID, data, ttl).Err(); err != nil {
		c.warn("cache set failed", userID, err)
	}
}

func (c *Cache) Invalidate(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.client.Del(ctx, c.prefix+userID).Err(); err != nil {
		c.warn("cache invalidate failed", userID, err)
	}
}

// Clear deletes every key under the cache prefix.
func (c *Cache) Clear() {
	ctx := context.Background()
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.warn("cache scan failed", "", err)
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			c.warn("cache clear failed", "", err)
		}
	}
}

// Stats reports the hits and misses seen by this instance. Evictions and
// size are managed by Redis and not tracked.
func (c *Cache) Stats() gobilling.CacheStats {
	return gobilling.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

func (c *Cache) warn(msg, userID string, err error) {
	c.logger.Warn(msg, gobilling.Field{Key: "user_id", Value: userID}, gobilling.Field{Key: "error", Value: err.Error()})
}
