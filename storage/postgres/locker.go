package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Acquire implements gobilling.Locker with a lease row in billing_locks. An
// expired lease is taken over in the same statement.
func (s *Storage) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	now := s.config.Clock.Now()
	token := uuid.NewString()
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO billing_locks (key, token, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE billing_locks.expires_at <= $4
			RETURNING token`,
		key, token, now.Add(ttl), now).Scan(&got)
	if noRows(err) {
		return "", gobilling.ErrLockHeld
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return got, nil
}

// Release implements gobilling.Locker
func (s *Storage) Release(ctx context.Context, key, token string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM billing_locks WHERE key = $1 AND token = $2`, key, token); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
