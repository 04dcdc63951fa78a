package gobilling

import "strings"

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusExpired           Status = "expired"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
)

// Terminal statuses have no successors. A user leaves them only through a
// new subscription row.
var transitions = map[Status][]Status{
	StatusActive:            {StatusPastDue, StatusCanceled, StatusExpired},
	StatusPastDue:           {StatusActive, StatusCanceled, StatusExpired},
	StatusIncomplete:        {StatusActive, StatusCanceled, StatusIncompleteExpired},
	StatusCanceled:          nil,
	StatusExpired:           nil,
	StatusIncompleteExpired: nil,
}

// CanTransition reports whether a subscription in from may be moved to to.
// Writing the same status again is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no successors.
func (s Status) Terminal() bool {
	succ, ok := transitions[s]
	return ok && len(succ) == 0
}

// GrantsAccess reports whether a subscription in s entitles the user to its plan.
func (s Status) GrantsAccess() bool {
	return s == StatusActive || s == StatusPastDue
}

// StatusFromProvider normalizes a provider subscription status. It returns
// an empty Status for values with no lifecycle meaning here.
func StatusFromProvider(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	case "expired":
		return StatusExpired
	case "incomplete":
		return StatusIncomplete
	case "incomplete_expired":
		return StatusIncompleteExpired
	default:
		return ""
	}
}
