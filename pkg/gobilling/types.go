package gobilling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies a SubscriptionHistory row.
type ChangeType string

const (
	ChangeCreated        ChangeType = "created"
	ChangeUpgraded       ChangeType = "upgraded"
	ChangeDowngraded     ChangeType = "downgraded"
	ChangeBillingChanged ChangeType = "billing_changed"
	ChangeCanceled       ChangeType = "canceled"
	ChangePaymentFailed  ChangeType = "payment_failed"
	ChangeReactivated    ChangeType = "reactivated"
	ChangeSystemRecovery ChangeType = "system_recovery"
)

// Subscription is the current billing relationship of a user.
type Subscription struct {
	ID                     string
	UserID                 string
	Plan                   Plan
	Status                 Status
	ProviderCustomerID     string
	ProviderSubscriptionID string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool

	// LastWarnedAt marks the last expiry warning sent for this subscription.
	LastWarnedAt *time.Time

	// Version is incremented on every update and used for optimistic concurrency.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	if s.LastWarnedAt != nil {
		t := *s.LastWarnedAt
		cp.LastWarnedAt = &t
	}
	return &cp
}

// HistoryEntry is an append-only audit row describing a plan or status change.
type HistoryEntry struct {
	ID             string
	UserID         string
	SubscriptionID string
	ChangeType     ChangeType
	// PreviousPlan is empty when there was no prior plan.
	PreviousPlan  Plan
	NewPlan       Plan
	EffectiveDate time.Time
	Notes         string
	CreatedAt     time.Time
}

// PaymentStatus is the settlement status of an invoice.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment records one provider invoice. ProviderInvoiceID is the dedup key.
type Payment struct {
	ID                string
	ProviderInvoiceID string
	SubscriptionID    string
	UserID            string
	AmountMinor       int64
	Amount            decimal.Decimal
	Currency          string
	Status            PaymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AmountFromMinor converts an amount in minor currency units to a decimal.
func AmountFromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// EventType is the provider-neutral kind of a billing event.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
)

// Event is a verified billing event normalized from a provider payload.
type Event struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Type      string    `json:"type"`
	Kind      EventType `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	UserID         string `json:"user_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	Plan           Plan   `json:"plan,omitempty"`
	ProviderStatus Status `json:"provider_status,omitempty"`
	// CancelAtPeriodEnd is nil when the payload does not carry the flag.
	CancelAtPeriodEnd *bool      `json:"cancel_at_period_end,omitempty"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`

	InvoiceID   string `json:"invoice_id,omitempty"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// EventStatus is the processing status of a logged webhook delivery.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventIgnored    EventStatus = "ignored"
)

// WebhookEvent is one logged delivery attempt. Redeliveries of the same
// provider event share ProviderEventID but get their own row.
type WebhookEvent struct {
	ID                string
	Provider          string
	ProviderEventID   string
	Type              string
	Kind              EventType
	Status            EventStatus
	SignatureVerified bool
	RetryCount        int
	MaxRetries        int
	NextRetryAt       *time.Time
	ProcessingTimeMs  *int64

	Method     string
	Headers    map[string]string
	SourceIP   string
	RawPayload []byte
	// ParsedData holds the JSON encoded Event once the signature is verified.
	ParsedData []byte
	Error      string

	CustomerID     string
	SubscriptionID string
	UserID         string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// EncodeEvent serializes a normalized event for WebhookEvent.ParsedData.
func EncodeEvent(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	return json.Marshal(ev)
}

// Event decodes the normalized event stored with the delivery.
func (e *WebhookEvent) Event() (*Event, error) {
	if len(e.ParsedData) == 0 {
		return nil, fmt.Errorf("%w: webhook event %s has no parsed data", ErrMalformedEvent, e.ID)
	}
	var ev Event
	if err := json.Unmarshal(e.ParsedData, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &ev, nil
}

// Association links a webhook delivery to the entities it touched.
type Association struct {
	CustomerID     string
	SubscriptionID string
	UserID         string
}

// FailureUpdate describes a failed processing attempt.
type FailureUpdate struct {
	// Status is EventPending when another attempt is scheduled, EventFailed otherwise.
	Status         EventStatus
	RetryCount     int
	NextRetryAt    *time.Time
	Error          string
	ProcessingTime time.Duration
	At             time.Time
}

// EventFilter selects webhook events for the admin surface.
type EventFilter struct {
	Type       string
	Status     EventStatus
	CustomerID string
	UserID     string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// EventStats aggregates the webhook log.
type EventStats struct {
	Total           int
	ByType          map[string]int
	ByStatus        map[EventStatus]int
	AvgProcessingMs float64
}
