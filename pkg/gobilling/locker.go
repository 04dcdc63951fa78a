package gobilling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker is an in-process Locker. It only coordinates goroutines of a
// single instance; use the Redis or Postgres lockers across instances.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localLease
	clock Clock
}

type localLease struct {
	token     string
	expiresAt time.Time
}

// NewLocalLocker creates a LocalLocker. A nil clock uses the wall clock.
func NewLocalLocker(clock Clock) *LocalLocker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LocalLocker{
		locks: make(map[string]localLease),
		clock: clock,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if lease, ok := l.locks[key]; ok && now.Before(lease.expiresAt) {
		return "", ErrLockHeld
	}
	token := uuid.NewString()
	l.locks[key] = localLease{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.locks[key]; ok && lease.token == token {
		delete(l.locks, key)
	}
	return nil
}

// AcquireWait polls Acquire until it succeeds, wait elapses or ctx ends.
// A zero wait tries exactly once.
func AcquireWait(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (string, error) {
	const pollInterval = 25 * time.Millisecond

	deadline := time.Now().Add(wait)
	for {
		token, err := l.Acquire(ctx, key, ttl)
		if err == nil || !errors.Is(err, ErrLockHeld) || !time.Now().Before(deadline) {
			return token, err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// SubscriptionLockKey is the advisory lock key for an existing subscription.
func SubscriptionLockKey(subscriptionID string) string {
	return "billing:lock:subscription:" + subscriptionID
}

// UserLockKey is the advisory lock key used while creating a user's subscription.
func UserLockKey(userID string) string {
	return "billing:lock:user:" + userID
}

// SweepLockKey is the lease key that keeps a reconciliation sweep to one instance.
func SweepLockKey(name string) string {
	return "billing:lock:sweep:" + name
}
