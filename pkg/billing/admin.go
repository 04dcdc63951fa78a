package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Admin exposes the operator actions on the webhook log.
type Admin struct {
	processor *Processor
}

// NewAdmin creates the admin surface over a processor's event log.
func NewAdmin(processor *Processor) *Admin {
	return &Admin{processor: processor}
}

// ListEvents returns the matching events, newest first, and the total match count.
func (a *Admin) ListEvents(ctx context.Context, filter gobilling.EventFilter) ([]*gobilling.WebhookEvent, int, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return a.processor.store.ListEvents(ctx, filter)
}

// GetEvent returns one event.
func (a *Admin) GetEvent(ctx context.Context, id string) (*gobilling.WebhookEvent, error) {
	return a.processor.store.GetEvent(ctx, id)
}

// Retry resets a pending, failed or ignored event to a fresh retry budget and
// processes it immediately.
func (a *Admin) Retry(ctx context.Context, id string) (*Receipt, error) {
	row, err := a.processor.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	switch row.Status {
	case gobilling.EventCompleted, gobilling.EventProcessing:
		return nil, fmt.Errorf("%w: event %s is %s", ErrNotRetryable, id, row.Status)
	}

	if err := a.processor.store.ResetForRetry(ctx, id, a.processor.clock.Now()); err != nil {
		return nil, err
	}
	row.RetryCount = 0
	row.NextRetryAt = nil
	row.Status = gobilling.EventPending

	a.processor.logger.Info("manual webhook retry",
		gobilling.Field{Key: "event_id", Value: id}, gobilling.Field{Key: "type", Value: row.Type})
	return a.processor.Reprocess(ctx, row), nil
}

// Cleanup deletes completed and ignored events older than days.
func (a *Admin) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", days)
	}
	cutoff := a.processor.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := a.processor.store.DeleteEventsBefore(ctx, cutoff,
		[]gobilling.EventStatus{gobilling.EventCompleted, gobilling.EventIgnored})
	if err != nil {
		return 0, err
	}
	a.processor.logger.Info("webhook events cleaned up",
		gobilling.Field{Key: "deleted", Value: deleted}, gobilling.Field{Key: "cutoff", Value: cutoff})
	return deleted, nil
}

// Stats aggregates events created within the last window.
func (a *Admin) Stats(ctx context.Context, window time.Duration) (*gobilling.EventStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return a.processor.store.EventStats(ctx, a.processor.clock.Now().Add(-window))
}
