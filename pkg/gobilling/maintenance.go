package gobilling

import (
	"context"
	"errors"
	"time"
)

// The operations below back the reconciliation sweeps. Each one re-checks
// its selection criteria under the subscription lock, so running it on a row
// that no longer needs action is a no-op.

// MarkWarned claims the expiry warning for a subscription. It returns false
// if a warning was already recorded at or after windowStart.
func (m *Machine) MarkWarned(ctx context.Context, subID string, windowStart time.Time) (bool, error) {
	var claimed bool
	err := m.withLock(ctx, SubscriptionLockKey(subID), func() error {
		now := m.clock.Now()
		_, changed, err := m.update(ctx, subID, func(s *Subscription) (bool, error) {
			if s.Status != StatusActive || !s.Plan.Paid() {
				return false, nil
			}
			if s.LastWarnedAt != nil && !s.LastWarnedAt.Before(windowStart) {
				return false, nil
			}
			s.LastWarnedAt = &now
			return true, nil
		})
		claimed = changed
		return err
	})
	return claimed, err
}

// Expire ends a paid subscription scheduled to cancel whose period is over
// and moves the user to the free plan. It returns the expired subscription,
// or nil if nothing needed doing.
func (m *Machine) Expire(ctx context.Context, subID string) (*Subscription, error) {
	var out *Subscription
	err := m.withLock(ctx, SubscriptionLockKey(subID), func() error {
		now := m.clock.Now()
		sub, changed, err := m.update(ctx, subID, func(s *Subscription) (bool, error) {
			if s.Status != StatusActive && s.Status != StatusPastDue {
				return false, nil
			}
			if !s.Plan.Paid() || !s.CancelAtPeriodEnd || !s.CurrentPeriodEnd.Before(now) {
				return false, nil
			}
			s.Status = StatusExpired
			return true, nil
		})
		if err != nil || !changed {
			return err
		}
		out = sub

		if err := m.appendHistory(ctx, &HistoryEntry{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			ChangeType:     ChangeDowngraded,
			PreviousPlan:   sub.Plan,
			NewPlan:        PlanFree,
			EffectiveDate:  sub.CurrentPeriodEnd,
			Notes:          "period ended with cancel at period end",
		}); err != nil {
			return err
		}
		m.notify(ctx, Notification{
			Type:           NotifySubscriptionExpired,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Plan:           PlanFree,
			PreviousPlan:   sub.Plan,
			At:             now,
		})
		_, err = m.ensureFreeAfter(ctx, sub.UserID)
		return err
	})
	return out, err
}

// CancelForNonPayment cancels a subscription stuck in past_due since before
// cutoff and moves the user to the free plan.
func (m *Machine) CancelForNonPayment(ctx context.Context, subID string, cutoff time.Time) (*Subscription, error) {
	var out *Subscription
	err := m.withLock(ctx, SubscriptionLockKey(subID), func() error {
		sub, changed, err := m.update(ctx, subID, func(s *Subscription) (bool, error) {
			if s.Status != StatusPastDue || !s.UpdatedAt.Before(cutoff) {
				return false, nil
			}
			s.Status = StatusCanceled
			s.CancelAtPeriodEnd = false
			return true, nil
		})
		if err != nil || !changed {
			return err
		}
		out = sub

		now := m.clock.Now()
		if err := m.appendHistory(ctx, &HistoryEntry{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			ChangeType:     ChangeCanceled,
			PreviousPlan:   sub.Plan,
			NewPlan:        PlanFree,
			EffectiveDate:  now,
			Notes:          "past_due since before " + cutoff.Format(time.DateOnly),
		}); err != nil {
			return err
		}
		m.notify(ctx, Notification{
			Type:           NotifySubscriptionCanceled,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Plan:           PlanFree,
			PreviousPlan:   sub.Plan,
			At:             now,
			Data:           map[string]string{"reason": "non_payment"},
		})
		_, err = m.ensureFreeAfter(ctx, sub.UserID)
		return err
	})
	return out, err
}

// RecoverOrphan gives the owner of an ended paid subscription the free plan
// when no current subscription exists for them. It returns the new free
// subscription, or nil if the user was not orphaned.
func (m *Machine) RecoverOrphan(ctx context.Context, subID string) (*Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Terminal() || !sub.Plan.Paid() {
		return nil, nil
	}

	var out *Subscription
	err = m.withLock(ctx, UserLockKey(sub.UserID), func() error {
		_, err := m.store.GetCurrentSubscription(ctx, sub.UserID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return err
		}

		free, err := m.ensureFreeLocked(ctx, sub.UserID, false)
		if err != nil {
			return err
		}
		out = free

		now := m.clock.Now()
		if err := m.appendHistory(ctx, &HistoryEntry{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			ChangeType:     ChangeSystemRecovery,
			PreviousPlan:   sub.Plan,
			NewPlan:        PlanFree,
			EffectiveDate:  now,
			Notes:          "free subscription " + free.ID,
		}); err != nil {
			return err
		}
		m.notify(ctx, Notification{
			Type:           NotifySubscriptionRecovered,
			UserID:         sub.UserID,
			SubscriptionID: free.ID,
			Plan:           PlanFree,
			PreviousPlan:   sub.Plan,
			At:             now,
		})
		return nil
	})
	return out, err
}
