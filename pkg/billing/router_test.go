package billing_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

type stubFetcher struct {
	calls atomic.Int32
	event *gobilling.Event
	err   error
}

func (f *stubFetcher) FetchSubscription(_ context.Context, id string) (*gobilling.Event, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	ev := *f.event
	ev.SubscriptionID = id
	return &ev, nil
}

func TestRouter_UnregisteredKindIsIgnored(t *testing.T) {
	r := billing.NewRouter()
	res := r.Route(context.Background(), &gobilling.Event{Type: "charge.refunded"})
	assert.Equal(t, billing.OutcomeIgnored, res.Outcome)
	assert.Equal(t, `unsupported event type "charge.refunded"`, res.Reason)
}

func TestRouter_HandleReplaces(t *testing.T) {
	r := billing.NewRouter()
	r.Handle(gobilling.EventPaymentFailed, func(context.Context, *gobilling.Event) billing.Result {
		return billing.Ignored("first")
	})
	r.Handle(gobilling.EventPaymentFailed, func(context.Context, *gobilling.Event) billing.Result {
		return billing.Ignored("second")
	})

	res := r.Route(context.Background(), &gobilling.Event{Kind: gobilling.EventPaymentFailed})
	assert.Equal(t, "second", res.Reason)
	assert.Len(t, r.Kinds(), 1)
}

func TestNewDefaultRouter_RegistersEveryKind(t *testing.T) {
	e := newEnv(t, nil)
	r := billing.NewDefaultRouter(e.machine, nil)
	assert.ElementsMatch(t, []gobilling.EventType{
		gobilling.EventCheckoutCompleted,
		gobilling.EventSubscriptionCreated,
		gobilling.EventSubscriptionUpdated,
		gobilling.EventSubscriptionDeleted,
		gobilling.EventPaymentSucceeded,
		gobilling.EventPaymentFailed,
	}, r.Kinds())
}

func TestDefaultRouter_CheckoutFetchesMissingPlan(t *testing.T) {
	e := newEnv(t, nil)
	start := t0.Add(-time.Hour)
	fetcher := &stubFetcher{event: &gobilling.Event{
		Plan:        gobilling.PlanProYearly,
		UserID:      "user1",
		CustomerID:  "cus_1",
		PeriodStart: &start,
	}}
	r := billing.NewDefaultRouter(e.machine, fetcher)

	ev := checkout("evt_1")
	ev.Plan = ""
	res := r.Route(context.Background(), ev)
	require.Equal(t, billing.OutcomeOK, res.Outcome, res.Err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, gobilling.PlanProYearly, res.Subscription.Plan)
	assert.Equal(t, start, res.Subscription.CurrentPeriodStart)
}

func TestDefaultRouter_KnownSubscriptionIsNotFetched(t *testing.T) {
	e := newEnv(t, nil)
	fetcher := &stubFetcher{event: &gobilling.Event{Plan: gobilling.PlanProMonthly, UserID: "user1"}}
	r := billing.NewDefaultRouter(e.machine, fetcher)
	ctx := context.Background()

	require.Equal(t, billing.OutcomeOK, r.Route(ctx, checkout("evt_1")).Outcome)

	res := r.Route(ctx, &gobilling.Event{
		ID:             "evt_2",
		Type:           "invoice.payment_failed",
		Kind:           gobilling.EventPaymentFailed,
		CreatedAt:      t0.Add(time.Hour),
		SubscriptionID: "sub_1",
		InvoiceID:      "in_1",
		AmountMinor:    999,
		Currency:       "usd",
	})
	require.Equal(t, billing.OutcomeOK, res.Outcome, res.Err)
	assert.Zero(t, fetcher.calls.Load())
	assert.Equal(t, gobilling.StatusPastDue, res.Subscription.Status)
}

func TestDefaultRouter_FetchFailureIsRetryable(t *testing.T) {
	e := newEnv(t, nil)
	fetcher := &stubFetcher{err: errors.New("connection reset")}
	r := billing.NewDefaultRouter(e.machine, fetcher)

	ev := checkout("evt_1")
	ev.Plan = ""
	res := r.Route(context.Background(), ev)
	assert.Equal(t, billing.OutcomeRetryable, res.Outcome)
	assert.Contains(t, res.Err.Error(), "sub_1")
}

func TestClassify(t *testing.T) {
	sub := &gobilling.Subscription{ID: "s1"}
	assert.Equal(t, billing.OutcomeOK, billing.Classify(sub, nil).Outcome)
	assert.Equal(t, billing.OutcomePermanent, billing.Classify(nil, gobilling.ErrUnknownPlan).Outcome)
	assert.Equal(t, billing.OutcomePermanent, billing.Classify(nil, gobilling.ErrInvalidTransition).Outcome)
	assert.Equal(t, billing.OutcomeRetryable, billing.Classify(nil, gobilling.ErrLockHeld).Outcome)
	assert.Equal(t, billing.OutcomeRetryable, billing.Classify(nil, errors.New("timeout")).Outcome)

	assert.False(t, billing.Ok(nil).Failed())
	assert.False(t, billing.Ignored("x").Failed())
	assert.True(t, billing.Retryable(errors.New("x")).Failed())
	assert.True(t, billing.Permanent(errors.New("x")).Failed())
}
