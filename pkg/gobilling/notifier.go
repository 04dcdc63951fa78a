package gobilling

import (
	"context"
	"time"
)

// NotificationType identifies an outbound billing notification.
type NotificationType string

const (
	NotifySubscriptionCreated   NotificationType = "subscription_created"
	NotifyPlanChanged           NotificationType = "plan_changed"
	NotifyPaymentFailed         NotificationType = "payment_failed"
	NotifyPaymentRecovered      NotificationType = "payment_recovered"
	NotifySubscriptionCanceled  NotificationType = "subscription_canceled"
	NotifySubscriptionResumed   NotificationType = "subscription_resumed"
	NotifySubscriptionExpired   NotificationType = "subscription_expired"
	NotifySubscriptionRecovered NotificationType = "subscription_recovered"
	NotifyExpiryWarning         NotificationType = "expiry_warning"
	NotifyWeeklyDigest          NotificationType = "weekly_digest"
	NotifyRenewalReminder       NotificationType = "renewal_reminder"
	NotifyRetryExhausted        NotificationType = "retry_exhausted"
)

// Notification is a billing fact handed to the notification subsystem.
// Delivery (push, email) is the receiver's concern.
type Notification struct {
	Type           NotificationType  `json:"type"`
	UserID         string            `json:"user_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Plan           Plan              `json:"plan,omitempty"`
	PreviousPlan   Plan              `json:"previous_plan,omitempty"`
	At             time.Time         `json:"at"`
	Data           map[string]string `json:"data,omitempty"`
}

// Notifier publishes billing notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ Notification) error { return nil }

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
