package revenuecat

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// webhookPayload represents the RevenueCat webhook payload structure
type webhookPayload struct {
	APIVersion string `json:"api_version"`
	Event      struct {
		ID                    string           `json:"id"`
		Type                  string           `json:"type"`
		AppUserID             string           `json:"app_user_id"`
		OriginalAppUserID     string           `json:"original_app_user_id"`
		ProductID             string           `json:"product_id"`
		NewProductID          string           `json:"new_product_id"`
		TransactionID         string           `json:"transaction_id"`
		OriginalTransactionID string           `json:"original_transaction_id"`
		PurchasedAtMs         int64            `json:"purchased_at_ms"`
		ExpirationAtMs        int64            `json:"expiration_at_ms"`
		EventTimestampMs      int64            `json:"event_timestamp_ms"`
		Price                 *decimal.Decimal `json:"price_in_purchased_currency"`
		PriceUSD              *decimal.Decimal `json:"price"`
		Currency              string           `json:"currency"`
		CancelReason          string           `json:"cancel_reason"`
		ExpirationReason      string           `json:"expiration_reason"`
	} `json:"event"`
}

var eventKinds = map[string]gobilling.EventType{
	"INITIAL_PURCHASE": gobilling.EventSubscriptionCreated,
	"RENEWAL":          gobilling.EventPaymentSucceeded,
	"PRODUCT_CHANGE":   gobilling.EventSubscriptionUpdated,
	"CANCELLATION":     gobilling.EventSubscriptionUpdated,
	"UNCANCELLATION":   gobilling.EventSubscriptionUpdated,
	"EXPIRATION":       gobilling.EventSubscriptionDeleted,
	"BILLING_ISSUE":    gobilling.EventPaymentFailed,
}

// extractTokenOrSignature extracts the authentication token or signature from the request
func extractTokenOrSignature(h http.Header) string {
	authHeader := strings.TrimSpace(h.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	if authHeader != "" {
		return authHeader
	}
	return strings.TrimSpace(h.Get("X-RevenueCat-Signature"))
}

// verifyRequest verifies the webhook request signature or token
func (p *Provider) verifyRequest(tokenOrSig string, body []byte) bool {
	if len(p.webhookSecret) == 0 || tokenOrSig == "" {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(tokenOrSig), p.webhookSecret) == 1 {
		return true
	}

	if !p.acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(tokenOrSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

// parseWebhookPayload parses a single JSON object with an event id and type.
func parseWebhookPayload(body []byte, payload *webhookPayload) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("multiple JSON objects in payload")
	}
	if strings.TrimSpace(payload.Event.ID) == "" || strings.TrimSpace(payload.Event.Type) == "" {
		return fmt.Errorf("event id and type are required")
	}
	return nil
}

func (p *Provider) normalize(wp *webhookPayload) (*gobilling.Event, error) {
	e := &wp.Event
	eventType := strings.ToUpper(strings.TrimSpace(e.Type))
	ev := &gobilling.Event{
		ID:        e.ID,
		Provider:  providerName,
		Type:      eventType,
		Kind:      eventKinds[eventType],
		CreatedAt: parseEventTimestamp(e.EventTimestampMs),
	}
	if ev.Kind == "" {
		return ev, nil
	}

	ev.UserID = strings.TrimSpace(e.AppUserID)
	ev.CustomerID = strings.TrimSpace(e.OriginalAppUserID)
	if ev.CustomerID == "" {
		ev.CustomerID = ev.UserID
	}
	// Renewals keep the original transaction, so it identifies the subscription.
	ev.SubscriptionID = e.OriginalTransactionID
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = e.TransactionID
	}

	productID := e.ProductID
	if eventType == "PRODUCT_CHANGE" && e.NewProductID != "" {
		productID = e.NewProductID
	}
	if plan, ok := p.MapProduct(productID); ok {
		ev.Plan = plan
	}

	switch eventType {
	case "INITIAL_PURCHASE", "PRODUCT_CHANGE", "UNCANCELLATION", "CANCELLATION":
		ev.ProviderStatus = gobilling.StatusActive
		cancel := eventType == "CANCELLATION"
		ev.CancelAtPeriodEnd = &cancel
		if eventType == "INITIAL_PURCHASE" {
			ev.PeriodStart = timePtr(parseEventTimestamp(e.PurchasedAtMs))
		}

	case "RENEWAL", "BILLING_ISSUE":
		ev.InvoiceID = e.TransactionID
		if ev.InvoiceID == "" {
			ev.InvoiceID = e.ID
		}
		ev.AmountMinor, ev.Currency = amount(e.Price, e.PriceUSD, e.Currency)
		if eventType == "RENEWAL" {
			ev.PeriodStart = timePtr(parseEventTimestamp(e.PurchasedAtMs))
		}
	}
	return ev, nil
}

// amount prefers the price in the purchase currency and falls back to the
// USD price.
func amount(local, usd *decimal.Decimal, currency string) (int64, string) {
	switch {
	case local != nil && currency != "":
		return local.Shift(2).Round(0).IntPart(), strings.ToLower(currency)
	case usd != nil:
		return usd.Shift(2).Round(0).IntPart(), "usd"
	default:
		return 0, strings.ToLower(currency)
	}
}

// parseEventTimestamp converts a millisecond timestamp to time.Time
func parseEventTimestamp(timestampMs int64) time.Time {
	if timestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(timestampMs).UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
