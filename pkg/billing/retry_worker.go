package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// RetryWorkerConfig configures a RetryWorker.
type RetryWorkerConfig struct {
	// PollInterval is the time between claims (default: 1 minute)
	PollInterval time.Duration

	// BatchSize caps the events claimed per poll (default: 50)
	BatchSize int

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger
}

// RetryWorker re-runs webhook events whose retry time has come.
type RetryWorker struct {
	processor    *Processor
	pollInterval time.Duration
	batchSize    int
	logger       gobilling.Logger
}

// NewRetryWorker creates a worker that reprocesses through processor.
func NewRetryWorker(processor *Processor, config RetryWorkerConfig) *RetryWorker {
	w := &RetryWorker{
		processor:    processor,
		pollInterval: config.PollInterval,
		batchSize:    config.BatchSize,
		logger:       config.Logger,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Minute
	}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	if w.logger == nil {
		w.logger = &gobilling.NoopLogger{}
	}
	return w
}

// RunOnce claims due events and reprocesses them in order. It returns the
// number of events claimed.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.processor.store.ClaimDueRetries(ctx, w.processor.clock.Now(), w.batchSize)
	if err != nil {
		return 0, err
	}
	for i, row := range due {
		if ctx.Err() != nil {
			w.release(ctx, due[i:])
			return len(due), ctx.Err()
		}
		rec := w.processor.Reprocess(ctx, row)
		w.logger.Debug("webhook retry attempted",
			gobilling.Field{Key: "event_id", Value: row.ID},
			gobilling.Field{Key: "attempt", Value: row.RetryCount + 1},
			gobilling.Field{Key: "outcome", Value: rec.Result.Outcome.String()},
		)
	}
	return len(due), nil
}

// release hands claimed rows that were never attempted back to pending so
// the next poll claims them again.
func (w *RetryWorker) release(ctx context.Context, rows []*gobilling.WebhookEvent) {
	ctx = context.WithoutCancel(ctx)
	for _, row := range rows {
		if err := w.processor.store.ReleaseClaim(ctx, row.ID, w.processor.clock.Now()); err != nil {
			w.logger.Error("failed to release webhook retry claim",
				gobilling.Field{Key: "event_id", Value: row.ID},
				gobilling.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// Run polls until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if n, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("webhook retry poll failed", gobilling.Field{Key: "error", Value: err.Error()})
		} else if n > 0 {
			w.logger.Info("webhook retries processed", gobilling.Field{Key: "count", Value: n})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
