package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// RetryPolicy controls backoff and the retry budget (default: DefaultRetryPolicy)
	RetryPolicy RetryPolicy

	// HandlerTimeout bounds a single routing attempt. Exceeding it is a
	// retryable failure (default: 30 seconds)
	HandlerTimeout time.Duration

	// Clock supplies the current time (default: gobilling.SystemClock)
	Clock gobilling.Clock

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger

	// Metrics is an optional metrics collector for webhook processing.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Notifier receives retry_exhausted alerts (default: gobilling.NoopNotifier)
	Notifier gobilling.Notifier
}

// DefaultProcessorConfig returns the default processor settings.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		RetryPolicy:    DefaultRetryPolicy(),
		HandlerTimeout: 30 * time.Second,
	}
}

// HandlerConfig configures the webhook HTTP handler.
type HandlerConfig struct {
	// MaxBodyBytes caps the request body (default: 256KB)
	MaxBodyBytes int64

	// RateLimitRequests is the number of requests allowed per client IP and
	// window. Zero disables rate limiting.
	RateLimitRequests int

	// RateLimitWindow is the rate limiting window (default: 1 minute)
	RateLimitWindow time.Duration

	// RateLimitStore shares the limit across instances, e.g. the Redis
	// storage. Nil keeps the counters in process.
	RateLimitStore RateLimitStore
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
