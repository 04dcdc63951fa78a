package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const (
	providerName        = "stripe"
	defaultFetchTries   = 3
	defaultFetchBackoff = 200 * time.Millisecond
	metadataUserID      = "user_id"
	metadataPlan        = "plan"
)

// SubscriptionAPI is the part of the Stripe client the fetcher uses.
// *stripe.Client's V1Subscriptions satisfies it.
type SubscriptionAPI interface {
	Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
}

// Config configures the Stripe provider.
type Config struct {
	// APIKey enables FetchSubscription. Webhook verification works without it.
	APIKey string

	// WebhookSecret is the endpoint signing secret (whsec_...).
	WebhookSecret string

	// Plans maps Stripe price or product ids to plans.
	Plans billing.PlanMapping

	// Tolerance is the accepted signature timestamp skew (default: 5 minutes)
	Tolerance time.Duration

	// FetchAttempts bounds API calls per fetch (default: 3)
	FetchAttempts int

	// FetchBackoff is the delay before the second attempt, doubled after
	// every further failure (default: 200ms)
	FetchBackoff time.Duration

	// Breaker guards the Stripe API (default: 5 consecutive failures, 30s reset)
	Breaker gobilling.CircuitBreaker

	// Metrics is an optional metrics collector (default: billing.NoopMetrics)
	Metrics billing.Metrics

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger

	// SubscriptionAPI replaces the API client built from APIKey.
	SubscriptionAPI SubscriptionAPI
}

// Provider verifies Stripe webhooks and reads subscriptions from the Stripe API.
type Provider struct {
	webhookSecret string
	tolerance     time.Duration
	plans         map[string]gobilling.Plan

	subscriptions SubscriptionAPI
	attempts      int
	backoff       time.Duration
	breaker       gobilling.CircuitBreaker
	group         singleflight.Group

	metrics billing.Metrics
	logger  gobilling.Logger
}

// NewProvider creates a Stripe provider. A provider without a webhook
// secret reports Configured() == false and rejects every delivery.
func NewProvider(config Config) (*Provider, error) {
	p := &Provider{
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		tolerance:     config.Tolerance,
		plans:         make(map[string]gobilling.Plan, len(config.Plans)),
		subscriptions: config.SubscriptionAPI,
		attempts:      config.FetchAttempts,
		backoff:       config.FetchBackoff,
		breaker:       config.Breaker,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}
	for k, plan := range config.Plans {
		if !plan.Valid() {
			return nil, fmt.Errorf("%w: %q maps to %q", billing.ErrPlanNotConfigured, k, plan)
		}
		p.plans[strings.ToLower(strings.TrimSpace(k))] = plan
	}

	if p.tolerance <= 0 {
		p.tolerance = webhook.DefaultTolerance
	}
	if p.attempts <= 0 {
		p.attempts = defaultFetchTries
	}
	if p.backoff <= 0 {
		p.backoff = defaultFetchBackoff
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &gobilling.NoopLogger{}
	}
	if p.subscriptions == nil {
		if key := strings.TrimSpace(config.APIKey); key != "" {
			p.subscriptions = stripe.NewClient(key).V1Subscriptions
		}
	}
	if p.breaker == nil {
		p.breaker = gobilling.NewConsecutiveBreaker(gobilling.BreakerConfig{
			IsFailure: countsAgainstBreaker,
			OnStateChange: func(state gobilling.BreakerState) {
				p.metrics.RecordCircuitBreakerState(providerName, string(state))
				p.logger.Warn("stripe circuit breaker state changed", gobilling.Field{Key: "state", Value: string(state)})
			},
		})
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Configured reports whether a webhook secret is set.
func (p *Provider) Configured() bool {
	return p.webhookSecret != ""
}

// CanFetch reports whether FetchSubscription has an API client.
func (p *Provider) CanFetch() bool {
	return p.subscriptions != nil
}

// Verify checks the Stripe-Signature header against the raw body and
// normalizes the event.
func (p *Provider) Verify(payload []byte, header http.Header) (*gobilling.Event, error) {
	if !p.Configured() {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, billing.ErrProviderNotConfigured)
	}
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return p.normalize(&event)
}

// MapPrice maps a Stripe price or product id to a plan.
func (p *Provider) MapPrice(id string) (gobilling.Plan, bool) {
	if id == "" {
		return "", false
	}
	plan, ok := p.plans[strings.ToLower(strings.TrimSpace(id))]
	return plan, ok
}

// planFor picks the highest tier among the mapped prices. Price ids win
// over product ids.
func (p *Provider) planFor(prices []priceRef) gobilling.Plan {
	var best gobilling.Plan
	for _, ref := range prices {
		plan, ok := p.MapPrice(ref.price)
		if !ok {
			plan, ok = p.MapPrice(ref.product)
		}
		if !ok {
			continue
		}
		if best == "" || gobilling.CompareTiers(plan.Tier(), best.Tier()) > 0 {
			best = plan
		}
	}
	return best
}

type priceRef struct {
	price   string
	product string
}
