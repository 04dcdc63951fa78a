package billing

import "time"

// Metrics defines the interface for tracking webhook ingestion and provider calls.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook delivery.
	// status: "completed", "ignored", "duplicate", "retry_scheduled" or "failed"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long routing a webhook took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "payload_too_large", "invalid_payload", "retryable", "permanent", "storage"
	RecordWebhookError(provider, errorType string)

	// RecordRetryExhausted records an event that used up its retry budget.
	RecordRetryExhausted(provider, eventType string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/v1/subscriptions/{id}")
	// status: "success", "error" or "circuit_open"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordCircuitBreakerState records a state change of a provider circuit breaker.
	RecordCircuitBreakerState(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordRetryExhausted(_, _ string)                             {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordCircuitBreakerState(_, _ string)                        {}
