package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a verified webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a price or product id has no plan mapping
	ErrPlanNotConfigured = errors.New("plan not configured in plan mapping")

	// ErrRetryExhausted marks a webhook event that failed on every allowed attempt
	ErrRetryExhausted = errors.New("webhook retries exhausted")

	// ErrNotRetryable is returned by a manual retry of an event that is completed or in flight
	ErrNotRetryable = errors.New("webhook event cannot be retried in its current state")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)

// IsVerificationError reports whether err came from verifying or parsing a delivery.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrInvalidWebhookSignature) || errors.Is(err, ErrInvalidWebhookPayload)
}
