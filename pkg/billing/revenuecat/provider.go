package revenuecat

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const providerName = "revenuecat"

// Config configures the RevenueCat provider.
type Config struct {
	// WebhookSecret is the authorization value configured for the webhook
	// in RevenueCat. A "Bearer " prefix is stripped.
	WebhookSecret string

	// EnableHMAC also accepts a base64 HMAC-SHA256 of the body, keyed with
	// WebhookSecret, in the X-RevenueCat-Signature header.
	EnableHMAC bool

	// Plans maps RevenueCat product ids to plans.
	Plans billing.PlanMapping
}

// Provider verifies and normalizes RevenueCat webhooks.
type Provider struct {
	webhookSecret []byte
	acceptHMAC    bool
	plans         map[string]gobilling.Plan
}

// NewProvider creates a RevenueCat provider.
func NewProvider(config Config) (*Provider, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
		secret = strings.TrimSpace(secret[len("bearer "):])
	}

	p := &Provider{
		webhookSecret: []byte(secret),
		acceptHMAC:    config.EnableHMAC,
		plans:         make(map[string]gobilling.Plan, len(config.Plans)),
	}
	for k, plan := range config.Plans {
		if !plan.Valid() {
			return nil, fmt.Errorf("%w: %q maps to %q", billing.ErrPlanNotConfigured, k, plan)
		}
		p.plans[strings.ToLower(strings.TrimSpace(k))] = plan
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Configured reports whether a webhook secret is set.
func (p *Provider) Configured() bool {
	return len(p.webhookSecret) > 0
}

// Verify authenticates the delivery and normalizes the event.
func (p *Provider) Verify(payload []byte, header http.Header) (*gobilling.Event, error) {
	if !p.verifyRequest(extractTokenOrSignature(header), payload) {
		return nil, fmt.Errorf("%w: authorization does not match", billing.ErrInvalidWebhookSignature)
	}

	var wp webhookPayload
	if err := parseWebhookPayload(payload, &wp); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return p.normalize(&wp)
}

// MapProduct maps a RevenueCat product id to a plan.
func (p *Provider) MapProduct(productID string) (gobilling.Plan, bool) {
	plan, ok := p.plans[strings.ToLower(strings.TrimSpace(productID))]
	return plan, ok
}
