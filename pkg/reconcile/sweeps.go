package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// ExpiryWarning warns owners of active paid subscriptions ending within the
// warning window. Each subscription is warned at most once per window.
func (r *Runner) ExpiryWarning(ctx context.Context) (*SweepReport, error) {
	return r.Run(ctx, SweepExpiryWarning)
}

// ExpireToFree expires paid subscriptions whose period ended with
// cancel-at-period-end set and moves their users to the free plan.
func (r *Runner) ExpireToFree(ctx context.Context) (*SweepReport, error) {
	return r.Run(ctx, SweepExpireToFree)
}

// OrphanRecovery gives the free plan to users left with only ended paid
// subscriptions.
func (r *Runner) OrphanRecovery(ctx context.Context) (*SweepReport, error) {
	return r.Run(ctx, SweepOrphanRecovery)
}

// FailedPaymentCancel cancels subscriptions stuck in past_due beyond the grace period.
func (r *Runner) FailedPaymentCancel(ctx context.Context) (*SweepReport, error) {
	return r.Run(ctx, SweepFailedPaymentCancel)
}

// WeeklyDigest notifies every active paid user. It changes no state.
func (r *Runner) WeeklyDigest(ctx context.Context) (*SweepReport, error) {
	return r.Run(ctx, SweepWeeklyDigest)
}

// EventRetention deletes old completed and ignored webhook deliveries.
func (r *Runner) EventRetention(ctx context.Context) (*SweepReport, error) {
	return r.Run(ctx, SweepEventRetention)
}

func (r *Runner) expiryWarning(ctx context.Context, report *SweepReport) error {
	now := r.clock.Now()
	subs, err := r.store.FindExpiring(ctx, now, now.Add(r.warningWindow), r.warningWindow)
	if err != nil {
		return fmt.Errorf("find expiring: %w", err)
	}
	report.Selected = len(subs)

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		windowStart := sub.CurrentPeriodEnd.Add(-r.warningWindow)
		claimed, err := r.machine.MarkWarned(ctx, sub.ID, windowStart)
		r.settle(report, sub.ID, claimed, err)
		if err != nil || !claimed {
			continue
		}
		r.send(ctx, gobilling.Notification{
			Type:           gobilling.NotifyExpiryWarning,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Plan:           sub.Plan,
			At:             now,
			Data: map[string]string{
				"period_end":           sub.CurrentPeriodEnd.Format(time.RFC3339),
				"cancel_at_period_end": strconv.FormatBool(sub.CancelAtPeriodEnd),
			},
		})
	}
	return nil
}

func (r *Runner) expireToFree(ctx context.Context, report *SweepReport) error {
	subs, err := r.store.FindLapsed(ctx, r.clock.Now())
	if err != nil {
		return fmt.Errorf("find lapsed: %w", err)
	}
	report.Selected = len(subs)

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := r.machine.Expire(ctx, sub.ID)
		r.settle(report, sub.ID, expired != nil, err)
	}
	return nil
}

func (r *Runner) orphanRecovery(ctx context.Context, report *SweepReport) error {
	subs, err := r.store.FindOrphaned(ctx)
	if err != nil {
		return fmt.Errorf("find orphaned: %w", err)
	}
	report.Selected = len(subs)

	// Several ended subscriptions of one user need one recovery.
	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[sub.UserID] {
			continue
		}
		seen[sub.UserID] = true
		free, err := r.machine.RecoverOrphan(ctx, sub.ID)
		r.settle(report, sub.ID, free != nil, err)
	}
	return nil
}

func (r *Runner) failedPaymentCancel(ctx context.Context, report *SweepReport) error {
	cutoff := r.clock.Now().Add(-r.pastDueGrace)
	subs, err := r.store.FindStalePastDue(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find stale past_due: %w", err)
	}
	report.Selected = len(subs)

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		canceled, err := r.machine.CancelForNonPayment(ctx, sub.ID, cutoff)
		r.settle(report, sub.ID, canceled != nil, err)
	}
	return nil
}

func (r *Runner) weeklyDigest(ctx context.Context, report *SweepReport) error {
	now := r.clock.Now()
	subs, err := r.store.ListActivePaid(ctx)
	if err != nil {
		return fmt.Errorf("list active paid: %w", err)
	}
	report.Selected = len(subs)

	notified := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if notified[sub.UserID] {
			continue
		}
		notified[sub.UserID] = true

		n := gobilling.Notification{
			Type:           gobilling.NotifyWeeklyDigest,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Plan:           sub.Plan,
			At:             now,
			Data: map[string]string{
				"period_end": sub.CurrentPeriodEnd.Format(time.RFC3339),
			},
		}
		if !sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd.After(now) && !sub.CurrentPeriodEnd.After(now.Add(r.reminderWindow)) {
			n.Type = gobilling.NotifyRenewalReminder
		}
		if r.send(ctx, n) {
			report.Affected++
		} else {
			report.Failed++
		}
	}
	return nil
}

func (r *Runner) eventRetention(ctx context.Context, report *SweepReport) error {
	cutoff := r.clock.Now().AddDate(0, 0, -r.retentionDays)
	n, err := r.events.DeleteEventsBefore(ctx, cutoff,
		[]gobilling.EventStatus{gobilling.EventCompleted, gobilling.EventIgnored})
	if err != nil {
		return fmt.Errorf("delete webhook events: %w", err)
	}
	report.Selected = int(n)
	report.Affected = int(n)
	return nil
}

// send delivers n and logs a failure. Sweep notifications are best effort.
func (r *Runner) send(ctx context.Context, n gobilling.Notification) bool {
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Warn("notification not delivered",
			gobilling.Field{Key: "type", Value: string(n.Type)},
			gobilling.Field{Key: "user_id", Value: n.UserID},
			gobilling.Field{Key: "error", Value: err.Error()},
		)
		return false
	}
	return true
}
