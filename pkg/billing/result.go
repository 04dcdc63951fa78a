package billing

import (
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Outcome is the kind of result a handler produced.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeIgnored
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result is what routing one event produced.
type Result struct {
	Outcome Outcome
	// Err is set for retryable and permanent failures.
	Err error
	// Reason explains an ignored event.
	Reason string
	// Subscription is the row the event touched, if any.
	Subscription *gobilling.Subscription
}

// Ok reports a successfully applied event. sub may be nil for no-op events.
func Ok(sub *gobilling.Subscription) Result {
	return Result{Outcome: OutcomeOK, Subscription: sub}
}

// Ignored reports an event that was deliberately not applied.
func Ignored(reason string) Result {
	return Result{Outcome: OutcomeIgnored, Reason: reason}
}

// Retryable reports a failure that may succeed on another attempt.
func Retryable(err error) Result {
	return Result{Outcome: OutcomeRetryable, Err: err}
}

// Permanent reports a failure that will recur on every attempt.
func Permanent(err error) Result {
	return Result{Outcome: OutcomePermanent, Err: err}
}

// Classify turns a state machine return into a Result.
func Classify(sub *gobilling.Subscription, err error) Result {
	switch {
	case err == nil:
		return Ok(sub)
	case gobilling.IsPermanent(err):
		return Permanent(err)
	default:
		return Retryable(err)
	}
}

// Failed reports whether the result is a retryable or permanent failure.
func (r Result) Failed() bool {
	return r.Outcome == OutcomeRetryable || r.Outcome == OutcomePermanent
}
