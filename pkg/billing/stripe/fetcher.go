package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const subscriptionEndpoint = "/v1/subscriptions"

// FetchSubscription reads a subscription from the Stripe API. Concurrent
// calls for the same id share one request.
func (p *Provider) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*gobilling.Event, error) {
	if p.subscriptions == nil {
		return nil, fmt.Errorf("%w: stripe API key not set", billing.ErrProviderNotConfigured)
	}
	v, err, _ := p.group.Do(providerSubscriptionID, func() (interface{}, error) {
		return p.fetchWithRetry(ctx, providerSubscriptionID)
	})
	if err != nil {
		return nil, err
	}
	// Callers may modify the event.
	ev := *v.(*gobilling.Event)
	return &ev, nil
}

func (p *Provider) fetchWithRetry(ctx context.Context, id string) (*gobilling.Event, error) {
	delay := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		sub, err := p.retrieve(ctx, id)
		if err == nil {
			return p.fromAPISubscription(sub), nil
		}
		lastErr = err
		if !retryableAPIError(err) || attempt == p.attempts {
			break
		}

		p.logger.Debug("stripe subscription fetch failed, retrying",
			gobilling.Field{Key: "subscription_id", Value: id},
			gobilling.Field{Key: "attempt", Value: attempt},
			gobilling.Field{Key: "error", Value: err.Error()},
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderAPIError, id, lastErr)
}

func (p *Provider) retrieve(ctx context.Context, id string) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	start := time.Now()
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		sub, err = p.subscriptions.Retrieve(ctx, id, nil)
		return err
	})
	status := "200"
	switch {
	case errors.Is(err, gobilling.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode > 0 {
			status = fmt.Sprint(se.HTTPStatusCode)
		}
	}
	p.metrics.RecordAPICall(providerName, subscriptionEndpoint, status)
	p.metrics.RecordAPICallDuration(providerName, subscriptionEndpoint, time.Since(start))
	return sub, err
}

func (p *Provider) fromAPISubscription(sub *stripe.Subscription) *gobilling.Event {
	ev := &gobilling.Event{Provider: providerName}
	p.applySubscription(ev, sub)
	if sub.LastResponse != nil {
		if start, ok := subscriptionPeriodStart(sub.LastResponse.RawJSON); ok {
			ev.PeriodStart = &start
		}
	}
	return ev
}

// retryableAPIError reports whether another attempt could succeed.
func retryableAPIError(err error) bool {
	if errors.Is(err, gobilling.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500:
			return false
		}
	}
	return true
}

// countsAgainstBreaker keeps client errors such as an unknown id from
// opening the circuit.
func countsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
		se.HTTPStatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}
