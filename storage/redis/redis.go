// Package redis provides Redis implementations of gobilling.Locker, a shared
// webhook rate limit counter, and a gobilling.Cache for current subscriptions.
// Multi-key state changes run as Lua scripts so they stay atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var _ gobilling.Locker = (*Storage)(nil)

// Storage implements gobilling.Locker and billing.RateLimitStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobilling:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Delete the lock only while the caller still owns it
	s.scripts["release"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	// Fixed window counter: the first hit of a window sets its expiry
	s.scripts["fixedWindow"] = redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)
}

// Acquire implements gobilling.Locker
func (s *Storage) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", gobilling.ErrLockHeld
	}
	return token, nil
}

// Release implements gobilling.Locker
func (s *Storage) Release(ctx context.Context, key, token string) error {
	if err := s.scripts["release"].Run(ctx, s.client, []string{s.lockKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Allow counts a request for key in the current window and reports whether
// it is within limit.
func (s *Storage) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := s.scripts["fixedWindow"].Run(ctx, s.client,
		[]string{s.rateLimitKey(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to execute rate limit script: %w", err)
	}
	return count <= int64(limit), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) lockKey(key string) string {
	return s.config.KeyPrefix + key
}

func (s *Storage) rateLimitKey(key string) string {
	return s.config.KeyPrefix + "ratelimit:" + key
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
