package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var eventKinds = map[stripe.EventType]gobilling.EventType{
	"checkout.session.completed":    gobilling.EventCheckoutCompleted,
	"customer.subscription.created": gobilling.EventSubscriptionCreated,
	"customer.subscription.updated": gobilling.EventSubscriptionUpdated,
	"customer.subscription.deleted": gobilling.EventSubscriptionDeleted,
	"invoice.payment_succeeded":     gobilling.EventPaymentSucceeded,
	"invoice.paid":                  gobilling.EventPaymentSucceeded,
	"invoice.payment_failed":        gobilling.EventPaymentFailed,
}

// normalize converts a verified Stripe event. Types with no kind are
// returned with identity fields only so they can be logged and ignored.
func (p *Provider) normalize(event *stripe.Event) (*gobilling.Event, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("%w: event without id", billing.ErrInvalidWebhookPayload)
	}
	ev := &gobilling.Event{
		ID:        event.ID,
		Provider:  providerName,
		Type:      string(event.Type),
		Kind:      eventKinds[event.Type],
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	if ev.Kind == "" {
		return ev, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", billing.ErrInvalidWebhookPayload, event.ID)
	}

	var err error
	switch ev.Kind {
	case gobilling.EventCheckoutCompleted:
		err = p.fromCheckoutSession(ev, event.Data.Raw)
	case gobilling.EventPaymentSucceeded, gobilling.EventPaymentFailed:
		err = p.fromInvoice(ev, event.Data.Raw)
	default:
		err = p.fromSubscriptionObject(ev, event.Data.Raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", billing.ErrInvalidWebhookPayload, event.Type, event.ID, err)
	}
	return ev, nil
}

func (p *Provider) fromCheckoutSession(ev *gobilling.Event, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return err
	}
	ev.UserID = session.Metadata[metadataUserID]
	if ev.UserID == "" {
		ev.UserID = session.ClientReferenceID
	}
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
	}
	if plan, ok := p.MapPrice(session.Metadata[metadataPlan]); ok {
		ev.Plan = plan
	} else if plan, err := gobilling.ParsePlan(session.Metadata[metadataPlan]); err == nil {
		ev.Plan = plan
	}
	return nil
}

// fromSubscriptionObject fills ev from a subscription data object.
func (p *Provider) fromSubscriptionObject(ev *gobilling.Event, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	p.applySubscription(ev, &sub)
	if start, ok := subscriptionPeriodStart(raw); ok {
		ev.PeriodStart = &start
	}
	return nil
}

func (p *Provider) applySubscription(ev *gobilling.Event, sub *stripe.Subscription) {
	ev.SubscriptionID = sub.ID
	ev.UserID = sub.Metadata[metadataUserID]
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	ev.ProviderStatus = gobilling.StatusFromProvider(string(sub.Status))
	cancel := sub.CancelAtPeriodEnd
	ev.CancelAtPeriodEnd = &cancel

	var prices []priceRef
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			ref := priceRef{price: item.Price.ID}
			if item.Price.Product != nil {
				ref.product = item.Price.Product.ID
			}
			prices = append(prices, ref)
		}
	}
	ev.Plan = p.planFor(prices)
}

// subscriptionPeriod covers both places the period start has lived in
// Stripe API versions: the subscription itself and its items.
type subscriptionPeriod struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
		} `json:"data"`
	} `json:"items"`
}

func subscriptionPeriodStart(raw []byte) (time.Time, bool) {
	var sp subscriptionPeriod
	if err := json.Unmarshal(raw, &sp); err != nil {
		return time.Time{}, false
	}
	start := sp.CurrentPeriodStart
	for _, item := range sp.Items.Data {
		if item.CurrentPeriodStart > start {
			start = item.CurrentPeriodStart
		}
	}
	if start <= 0 {
		return time.Time{}, false
	}
	return time.Unix(start, 0).UTC(), true
}

// stripeInvoice reads the invoice fields used here. The subscription link
// moved under parent.subscription_details in newer API versions.
type stripeInvoice struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	AmountPaid   int64           `json:"amount_paid"`
	AmountDue    int64           `json:"amount_due"`
	Currency     string          `json:"currency"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
			} `json:"period"`
			Price *struct {
				ID      string          `json:"id"`
				Product json.RawMessage `json:"product"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price   string `json:"price"`
					Product string `json:"product"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (p *Provider) fromInvoice(ev *gobilling.Event, raw json.RawMessage) error {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	if inv.ID == "" {
		return fmt.Errorf("invoice without id")
	}
	ev.InvoiceID = inv.ID
	ev.CustomerID = expandableID(inv.Customer)
	ev.SubscriptionID = expandableID(inv.Subscription)
	ev.Currency = strings.ToLower(inv.Currency)
	if ev.Kind == gobilling.EventPaymentSucceeded {
		ev.AmountMinor = inv.AmountPaid
	} else {
		ev.AmountMinor = inv.AmountDue
	}

	if d := inv.Parent; d != nil && d.SubscriptionDetails != nil {
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = expandableID(d.SubscriptionDetails.Subscription)
		}
		ev.UserID = d.SubscriptionDetails.Metadata[metadataUserID]
	}
	if ev.UserID == "" && inv.SubscriptionDetails != nil {
		ev.UserID = inv.SubscriptionDetails.Metadata[metadataUserID]
	}

	var prices []priceRef
	var start int64
	for _, line := range inv.Lines.Data {
		if line.Period.Start > start {
			start = line.Period.Start
		}
		switch {
		case line.Price != nil:
			prices = append(prices, priceRef{price: line.Price.ID, product: expandableID(line.Price.Product)})
		case line.Pricing != nil && line.Pricing.PriceDetails != nil:
			prices = append(prices, priceRef{price: line.Pricing.PriceDetails.Price, product: line.Pricing.PriceDetails.Product})
		}
	}
	ev.Plan = p.planFor(prices)
	if start > 0 && ev.Kind == gobilling.EventPaymentSucceeded {
		t := time.Unix(start, 0).UTC()
		ev.PeriodStart = &t
	}
	return nil
}

// expandableID reads a field that is either an id string or an expanded
// object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
