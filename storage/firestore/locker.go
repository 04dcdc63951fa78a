package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Acquire implements gobilling.Locker. A lease whose expiry has passed is
// taken over.
func (s *Storage) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	doc := s.client.Collection(s.locksCollection).Doc(key)
	token := uuid.NewString()

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.clock.Now()
		snap, err := tx.Get(doc)
		if err != nil && !isNotFound(err) {
			return err
		}
		if snap != nil && snap.Exists() && getTime(snap.Data(), "expiresAt").After(now) {
			return gobilling.ErrLockHeld
		}
		return tx.Set(doc, map[string]interface{}{
			"token":     token,
			"expiresAt": now.Add(ttl),
		})
	})
	if err != nil {
		if errors.Is(err, gobilling.ErrLockHeld) {
			return "", gobilling.ErrLockHeld
		}
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return token, nil
}

// Release implements gobilling.Locker
func (s *Storage) Release(ctx context.Context, key, token string) error {
	doc := s.client.Collection(s.locksCollection).Doc(key)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if getString(snap.Data(), "token") != token {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
