package gobilling

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription matches a lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrEventNotFound is returned when a webhook event id is unknown
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrVersionConflict is returned when a conditional update lost a race
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrActiveSubscriptionExists is returned when a user already has an active subscription
	ErrActiveSubscriptionExists = errors.New("user already has an active subscription")

	// ErrLockHeld is returned when an advisory lock is owned by another writer
	ErrLockHeld = errors.New("advisory lock held")

	// ErrUnknownPlan is returned for plans or price ids with no mapping
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnresolvableUser is returned when an event cannot be linked to a user
	ErrUnresolvableUser = errors.New("unable to resolve user for event")

	// ErrMalformedEvent is returned for verified events missing required data
	ErrMalformedEvent = errors.New("malformed billing event")

	// ErrInvalidTransition is returned for a status change outside the allowed successor set
	ErrInvalidTransition = errors.New("invalid subscription status transition")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsPermanent reports whether err will fail again no matter how often the
// operation is retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrUnresolvableUser) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrInvalidTransition)
}
