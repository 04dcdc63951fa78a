package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Provider verifies and normalizes webhook deliveries of one billing backend.
// Swapping Stripe for RevenueCat changes nothing downstream of Verify.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat", "stripe")
	Name() string

	// Configured reports whether a webhook secret is set.
	Configured() bool

	// Verify authenticates the raw request body and returns the normalized event.
	// It fails with ErrInvalidWebhookSignature or ErrInvalidWebhookPayload and
	// has no side effects.
	Verify(payload []byte, header http.Header) (*gobilling.Event, error)
}

// SubscriptionFetcher re-reads a subscription from the provider API. The
// returned event carries the subscription's current plan, owner, status and
// period; event identity fields are left empty.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (*gobilling.Event, error)
}

// PlanMapping maps provider price or product ids to plans. Keys are matched
// case-insensitively by the providers.
type PlanMapping map[string]gobilling.Plan
