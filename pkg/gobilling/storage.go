package gobilling

import (
	"context"
	"time"
)

// EventLog persists webhook delivery attempts.
// Every inbound request gets a row before its signature is checked.
type EventLog interface {
	// LogAttempt stores a new pending delivery. ID and timestamps must be set.
	LogAttempt(ctx context.Context, ev *WebhookEvent) error

	// AttachParsedEvent records the verified, normalized event on a delivery.
	AttachParsedEvent(ctx context.Context, id string, ev *Event, at time.Time) error

	// MarkProcessing moves a delivery to processing.
	MarkProcessing(ctx context.Context, id string, at time.Time) error

	// MarkCompleted moves a delivery to completed and records what it touched.
	MarkCompleted(ctx context.Context, id string, assoc Association, took time.Duration, at time.Time) error

	// MarkIgnored moves a delivery to ignored with a reason.
	MarkIgnored(ctx context.Context, id string, reason string, took time.Duration, at time.Time) error

	// MarkFailed records a failed attempt. upd.Status decides whether the row
	// goes back to pending for another attempt or stays failed.
	MarkFailed(ctx context.Context, id string, upd FailureUpdate) error

	// ResetForRetry returns a delivery to pending with a fresh retry budget.
	ResetForRetry(ctx context.Context, id string, at time.Time) error

	// FindDuplicate returns a completed delivery of providerEventID other than
	// excludeID, or nil if there is none.
	FindDuplicate(ctx context.Context, providerEventID, excludeID string) (*WebhookEvent, error)

	// GetEvent returns a delivery by id or ErrEventNotFound.
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// ClaimDueRetries atomically moves up to limit pending deliveries with
	// retryCount > 0 and nextRetryAt <= now to processing and returns them.
	// A delivery is never handed to two callers.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*WebhookEvent, error)

	// ReleaseClaim returns a claimed delivery that was not attempted to
	// pending, keeping its retry count and schedule. Deliveries no longer in
	// processing are left alone.
	ReleaseClaim(ctx context.Context, id string, at time.Time) error

	// ListEvents returns a page of deliveries matching filter, newest first,
	// and the total number of matches.
	ListEvents(ctx context.Context, filter EventFilter) ([]*WebhookEvent, int, error)

	// DeleteEventsBefore removes deliveries created before cutoff whose status
	// is in statuses and returns how many were removed.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, statuses []EventStatus) (int64, error)

	// EventStats aggregates deliveries created at or after since.
	EventStats(ctx context.Context, since time.Time) (*EventStats, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// GetSubscription returns a subscription by id or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetCurrentSubscription returns the user's newest non-terminal
	// subscription or ErrSubscriptionNotFound.
	GetCurrentSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetByProviderSubscription looks a subscription up by provider id.
	GetByProviderSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// FindByCustomer returns the newest subscription of a provider customer.
	FindByCustomer(ctx context.Context, customerID string) (*Subscription, error)

	// ListUserSubscriptions returns every subscription of a user, newest first.
	ListUserSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// CreateSubscription inserts sub with Version 1. It fails with
	// ErrActiveSubscriptionExists if sub is active and the user already has
	// an active subscription.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription writes sub if the stored version equals
	// expectedVersion and bumps sub.Version. Otherwise ErrVersionConflict.
	UpdateSubscription(ctx context.Context, sub *Subscription, expectedVersion int64) error

	// FindExpiring returns active paid subscriptions whose period ends in
	// (from, to] and that were not warned within window of their period end.
	FindExpiring(ctx context.Context, from, to time.Time, window time.Duration) ([]*Subscription, error)

	// FindLapsed returns active or past_due paid subscriptions with
	// cancelAtPeriodEnd set and a period end before now.
	FindLapsed(ctx context.Context, now time.Time) ([]*Subscription, error)

	// FindOrphaned returns expired paid subscriptions whose user has no
	// active or past_due subscription.
	FindOrphaned(ctx context.Context) ([]*Subscription, error)

	// FindStalePastDue returns past_due subscriptions last updated before cutoff.
	FindStalePastDue(ctx context.Context, cutoff time.Time) ([]*Subscription, error)

	// ListActivePaid returns active paid subscriptions.
	ListActivePaid(ctx context.Context) ([]*Subscription, error)
}

// HistoryStore persists the subscription audit trail.
type HistoryStore interface {
	// AppendHistory inserts entry unless a row with the same subscription and
	// change type was created within window before entry.CreatedAt. The check
	// and insert are atomic. It reports whether the row was inserted.
	AppendHistory(ctx context.Context, entry *HistoryEntry, window time.Duration) (bool, error)

	// ListHistory returns a user's history, oldest first.
	ListHistory(ctx context.Context, userID string) ([]*HistoryEntry, error)
}

// PaymentStore persists invoices.
type PaymentStore interface {
	// RecordPayment inserts p keyed by ProviderInvoiceID. An existing invoice
	// with the same status is left untouched; a different status is updated.
	// It reports whether anything was written.
	RecordPayment(ctx context.Context, p *Payment) (bool, error)

	// GetPayment returns the payment for an invoice or nil.
	GetPayment(ctx context.Context, invoiceID string) (*Payment, error)

	// ListPayments returns the payments of a subscription, oldest first.
	ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error)
}

// LifecycleStore is what the state machine and the sweeps need.
type LifecycleStore interface {
	SubscriptionStore
	HistoryStore
	PaymentStore
}

// Storage is implemented by backends that hold every collection.
type Storage interface {
	EventLog
	LifecycleStore
}

// Locker hands out short-lived advisory locks. Locks expire after their TTL
// so a crashed holder never blocks a key forever.
type Locker interface {
	// Acquire takes key for ttl and returns an ownership token, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Release frees key if token still owns it.
	Release(ctx context.Context, key, token string) error
}
