package api

import (
	"encoding/json"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// EventResponse is one webhook delivery as shown to operators
type EventResponse struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	ProviderEventID   string     `json:"provider_event_id,omitempty"`
	Type              string     `json:"type,omitempty"`
	Kind              string     `json:"kind,omitempty"`
	Status            string     `json:"status"`
	SignatureVerified bool       `json:"signature_verified"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	ProcessingTimeMs  *int64     `json:"processing_time_ms,omitempty"`
	SourceIP          string     `json:"source_ip,omitempty"`
	Error             string     `json:"error,omitempty"`
	CustomerID        string     `json:"customer_id,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	UserID            string     `json:"user_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`

	// Detail fields, only set by the single event endpoint
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	RawPayload string            `json:"raw_payload,omitempty"`
	ParsedData json.RawMessage   `json:"parsed_data,omitempty"`
}

// EventListResponse is a page of webhook deliveries
type EventListResponse struct {
	Events []EventResponse `json:"events"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// RetryResponse reports the outcome of a manual retry
type RetryResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CleanupResponse reports a manual retention run
type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
	Days    int   `json:"days"`
}

// StatsResponse aggregates the webhook log over a window
type StatsResponse struct {
	Since           time.Time      `json:"since"`
	Total           int            `json:"total"`
	ByType          map[string]int `json:"by_type"`
	ByStatus        map[string]int `json:"by_status"`
	AvgProcessingMs float64        `json:"avg_processing_ms"`
}

// SubscriptionResponse is a user's billing standing
type SubscriptionResponse struct {
	UserID  string             `json:"user_id"`
	Plan    string             `json:"plan"`
	Tier    string             `json:"tier"`
	Status  string             `json:"status,omitempty"` // empty when the user never subscribed
	Current *SubscriptionView  `json:"current,omitempty"`
	History []HistoryEntryView `json:"history"`
}

// SubscriptionView is the current subscription row
type SubscriptionView struct {
	ID                     string     `json:"id"`
	Plan                   string     `json:"plan"`
	Status                 string     `json:"status"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	LastWarnedAt           *time.Time `json:"last_warned_at,omitempty"`
	Version                int64      `json:"version"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// HistoryEntryView is one audit row
type HistoryEntryView struct {
	SubscriptionID string    `json:"subscription_id"`
	ChangeType     string    `json:"change_type"`
	PreviousPlan   string    `json:"previous_plan,omitempty"`
	NewPlan        string    `json:"new_plan"`
	EffectiveDate  time.Time `json:"effective_date"`
	Notes          string    `json:"notes,omitempty"`
}

func newEventResponse(ev *gobilling.WebhookEvent, detail bool) EventResponse {
	out := EventResponse{
		ID:                ev.ID,
		Provider:          ev.Provider,
		ProviderEventID:   ev.ProviderEventID,
		Type:              ev.Type,
		Kind:              string(ev.Kind),
		Status:            string(ev.Status),
		SignatureVerified: ev.SignatureVerified,
		RetryCount:        ev.RetryCount,
		MaxRetries:        ev.MaxRetries,
		NextRetryAt:       ev.NextRetryAt,
		ProcessingTimeMs:  ev.ProcessingTimeMs,
		SourceIP:          ev.SourceIP,
		Error:             ev.Error,
		CustomerID:        ev.CustomerID,
		SubscriptionID:    ev.SubscriptionID,
		UserID:            ev.UserID,
		CreatedAt:         ev.CreatedAt,
		UpdatedAt:         ev.UpdatedAt,
		ProcessedAt:       ev.ProcessedAt,
	}
	if detail {
		out.Method = ev.Method
		out.Headers = ev.Headers
		out.RawPayload = string(ev.RawPayload)
		if json.Valid(ev.ParsedData) {
			out.ParsedData = ev.ParsedData
		}
	}
	return out
}

func newSubscriptionView(sub *gobilling.Subscription) *SubscriptionView {
	if sub == nil {
		return nil
	}
	return &SubscriptionView{
		ID:                     sub.ID,
		Plan:                   string(sub.Plan),
		Status:                 string(sub.Status),
		ProviderCustomerID:     sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		LastWarnedAt:           sub.LastWarnedAt,
		Version:                sub.Version,
		UpdatedAt:              sub.UpdatedAt,
	}
}
