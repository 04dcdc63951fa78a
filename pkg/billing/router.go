package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// HandlerFunc applies one normalized event.
type HandlerFunc func(ctx context.Context, ev *gobilling.Event) Result

// Router dispatches events by kind. Kinds without a handler are ignored.
type Router struct {
	handlers map[gobilling.EventType]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[gobilling.EventType]HandlerFunc)}
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind gobilling.EventType, h HandlerFunc) {
	r.handlers[kind] = h
}

// Route runs the handler registered for ev.Kind.
func (r *Router) Route(ctx context.Context, ev *gobilling.Event) Result {
	h, ok := r.handlers[ev.Kind]
	if !ok || ev.Kind == "" {
		return Ignored(fmt.Sprintf("unsupported event type %q", ev.Type))
	}
	return h(ctx, ev)
}

// Kinds returns the registered kinds.
func (r *Router) Kinds() []gobilling.EventType {
	kinds := make([]gobilling.EventType, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// NewDefaultRouter wires the supported event kinds to the state machine.
// fetcher may be nil; when set it fills in plan and owner for events that
// do not carry them.
func NewDefaultRouter(m *gobilling.Machine, fetcher SubscriptionFetcher) *Router {
	e := &enricher{machine: m, fetcher: fetcher}
	r := NewRouter()

	r.Handle(gobilling.EventCheckoutCompleted, func(ctx context.Context, ev *gobilling.Event) Result {
		if err := e.enrich(ctx, ev, true); err != nil {
			return Classify(nil, err)
		}
		return Classify(m.ApplyCheckout(ctx, ev))
	})
	subscriptionChange := func(ctx context.Context, ev *gobilling.Event) Result {
		if err := e.enrich(ctx, ev, false); err != nil {
			return Classify(nil, err)
		}
		return Classify(m.ApplySubscriptionChange(ctx, ev))
	}
	r.Handle(gobilling.EventSubscriptionCreated, subscriptionChange)
	r.Handle(gobilling.EventSubscriptionUpdated, subscriptionChange)
	r.Handle(gobilling.EventSubscriptionDeleted, func(ctx context.Context, ev *gobilling.Event) Result {
		return Classify(m.ApplySubscriptionDeleted(ctx, ev))
	})
	r.Handle(gobilling.EventPaymentSucceeded, func(ctx context.Context, ev *gobilling.Event) Result {
		if err := e.enrich(ctx, ev, false); err != nil {
			return Classify(nil, err)
		}
		return Classify(m.ApplyPaymentSucceeded(ctx, ev))
	})
	r.Handle(gobilling.EventPaymentFailed, func(ctx context.Context, ev *gobilling.Event) Result {
		if err := e.enrich(ctx, ev, false); err != nil {
			return Classify(nil, err)
		}
		return Classify(m.ApplyPaymentFailed(ctx, ev))
	})
	return r
}

type enricher struct {
	machine *gobilling.Machine
	fetcher SubscriptionFetcher
}

// enrich fills missing plan and owner data from the provider API. Unless
// always is set, subscriptions already known locally are not fetched.
func (e *enricher) enrich(ctx context.Context, ev *gobilling.Event, always bool) error {
	if e.fetcher == nil || ev.SubscriptionID == "" {
		return nil
	}
	if ev.Plan.Valid() && ev.UserID != "" {
		return nil
	}
	if !always {
		_, err := e.machine.ByProviderSubscription(ctx, ev.SubscriptionID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gobilling.ErrSubscriptionNotFound) {
			return err
		}
	}

	fetched, err := e.fetcher.FetchSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", ev.SubscriptionID, err)
	}
	if !ev.Plan.Valid() {
		ev.Plan = fetched.Plan
	}
	if ev.UserID == "" {
		ev.UserID = fetched.UserID
	}
	if ev.CustomerID == "" {
		ev.CustomerID = fetched.CustomerID
	}
	switch ev.Kind {
	case gobilling.EventSubscriptionCreated, gobilling.EventSubscriptionUpdated:
		if ev.ProviderStatus == "" {
			ev.ProviderStatus = fetched.ProviderStatus
		}
		if ev.CancelAtPeriodEnd == nil {
			ev.CancelAtPeriodEnd = fetched.CancelAtPeriodEnd
		}
		if ev.PeriodStart == nil {
			ev.PeriodStart = fetched.PeriodStart
		}
	case gobilling.EventCheckoutCompleted:
		if ev.PeriodStart == nil {
			ev.PeriodStart = fetched.PeriodStart
		}
	}
	return nil
}
