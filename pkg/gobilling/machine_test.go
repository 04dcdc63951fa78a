package gobilling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []gobilling.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n gobilling.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) types() []gobilling.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]gobilling.NotificationType, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

type fixture struct {
	machine  *gobilling.Machine
	store    *memory.Storage
	clock    *gobilling.ManualClock
	locker   *gobilling.LocalLocker
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := gobilling.NewManualClock(t0)
	store := memory.New()
	locker := gobilling.NewLocalLocker(clock)
	notifier := &recordingNotifier{}
	m, err := gobilling.NewMachine(store, gobilling.MachineConfig{
		Clock:    clock,
		Locker:   locker,
		Notifier: notifier,
		Cache:    gobilling.NewLRUCache(100),
		LockWait: -1,
	})
	require.NoError(t, err)
	return &fixture{machine: m, store: store, clock: clock, locker: locker, notifier: notifier}
}

func (f *fixture) historyTypes(t *testing.T, userID string) []gobilling.ChangeType {
	t.Helper()
	rows, err := f.machine.History(context.Background(), userID)
	require.NoError(t, err)
	out := make([]gobilling.ChangeType, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ChangeType)
	}
	return out
}

func checkoutEvent(at time.Time) *gobilling.Event {
	return &gobilling.Event{
		ID:             "evt_checkout",
		Provider:       "stripe",
		Type:           "checkout.session.completed",
		Kind:           gobilling.EventCheckoutCompleted,
		CreatedAt:      at,
		UserID:         "user1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           gobilling.PlanProMonthly,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestNewMachine_RequiresStore(t *testing.T) {
	_, err := gobilling.NewMachine(nil, gobilling.MachineConfig{})
	assert.ErrorIs(t, err, gobilling.ErrStorageUnavailable)
}

func TestMachine_BootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.machine.Bootstrap(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, first.Plan)
	assert.Equal(t, gobilling.StatusActive, first.Status)
	assert.Equal(t, t0.AddDate(0, 0, 30), first.CurrentPeriodEnd)

	second, err := f.machine.Bootstrap(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []gobilling.ChangeType{gobilling.ChangeCreated}, f.historyTypes(t, "user1"))

	access, err := f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.TierFree, access.Tier)
}

func TestMachine_AccessWithoutSubscription(t *testing.T) {
	f := newFixture(t)

	access, err := f.machine.Access(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, access.Plan)
	assert.Equal(t, gobilling.TierFree, access.Tier)
}

func TestMachine_UpgradeCancelAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free, err := f.machine.Bootstrap(ctx, "user1")
	require.NoError(t, err)

	sub, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)
	assert.Equal(t, free.ID, sub.ID, "checkout converts the current row")
	assert.Equal(t, gobilling.PlanProMonthly, sub.Plan)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	assert.Equal(t, t0.AddDate(0, 0, 30), sub.CurrentPeriodEnd)

	access, err := f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.TierPro, access.Tier)

	f.clock.Advance(24 * time.Hour)
	updated, err := f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
		ID:                "evt_cancel",
		Kind:              gobilling.EventSubscriptionUpdated,
		CreatedAt:         f.clock.Now(),
		SubscriptionID:    "sub_1",
		ProviderStatus:    gobilling.StatusActive,
		CancelAtPeriodEnd: boolPtr(true),
	})
	require.NoError(t, err)
	assert.True(t, updated.CancelAtPeriodEnd)
	assert.Equal(t, gobilling.StatusActive, updated.Status)

	// Not lapsed yet.
	expired, err := f.machine.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, expired)

	f.clock.Set(t0.AddDate(0, 0, 31))
	expired, err = f.machine.Expire(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, expired)
	assert.Equal(t, gobilling.StatusExpired, expired.Status)

	current, err := f.machine.Current(ctx, "user1")
	require.NoError(t, err)
	assert.NotEqual(t, sub.ID, current.ID)
	assert.Equal(t, gobilling.PlanFree, current.Plan)

	assert.Equal(t, []gobilling.ChangeType{
		gobilling.ChangeCreated,
		gobilling.ChangeUpgraded,
		gobilling.ChangeCanceled,
		gobilling.ChangeDowngraded,
	}, f.historyTypes(t, "user1"))
	assert.Equal(t, []gobilling.NotificationType{
		gobilling.NotifyPlanChanged,
		gobilling.NotifySubscriptionCanceled,
		gobilling.NotifySubscriptionExpired,
	}, f.notifier.types())
}

func TestMachine_CheckoutRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	second, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, []gobilling.ChangeType{gobilling.ChangeCreated}, f.historyTypes(t, "user1"))
	assert.Equal(t, []gobilling.NotificationType{gobilling.NotifySubscriptionCreated}, f.notifier.types())
}

func TestMachine_CheckoutRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := checkoutEvent(t0)
	ev.Plan = "enterprise"
	_, err := f.machine.ApplyCheckout(ctx, ev)
	assert.ErrorIs(t, err, gobilling.ErrUnknownPlan)
	assert.True(t, gobilling.IsPermanent(err))

	ev = checkoutEvent(t0)
	ev.UserID = ""
	ev.CustomerID = "cus_unknown"
	_, err = f.machine.ApplyCheckout(ctx, ev)
	assert.ErrorIs(t, err, gobilling.ErrUnresolvableUser)
}

func TestMachine_ResolvesUserThroughCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	ev := &gobilling.Event{
		ID:             "evt_new_sub",
		CreatedAt:      t0,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_2",
		Plan:           gobilling.PlanMaxYearly,
		ProviderStatus: gobilling.StatusActive,
	}
	sub, err := f.machine.ApplySubscriptionChange(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "user1", sub.UserID)
	assert.Equal(t, gobilling.PlanMaxYearly, sub.Plan)
	assert.Equal(t, "sub_2", sub.ProviderSubscriptionID)
	assert.Equal(t, t0.AddDate(0, 0, 365), sub.CurrentPeriodEnd)
}

func TestMachine_PaymentFailureAndRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	renewal := t0.AddDate(0, 0, 30)
	f.clock.Set(renewal)
	failed := &gobilling.Event{
		ID:             "evt_failed",
		Kind:           gobilling.EventPaymentFailed,
		CreatedAt:      renewal,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		InvoiceID:      "in_1",
		AmountMinor:    1999,
		Currency:       "usd",
	}
	got, err := f.machine.ApplyPaymentFailed(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusPastDue, got.Status)

	access, err := f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.TierPro, access.Tier, "past_due keeps access")

	// Redelivery changes nothing.
	got, err = f.machine.ApplyPaymentFailed(ctx, failed)
	require.NoError(t, err)
	assert.Nil(t, got)

	f.clock.Advance(24 * time.Hour)
	paid, err := f.machine.ApplyPaymentSucceeded(ctx, &gobilling.Event{
		ID:             "evt_paid",
		Kind:           gobilling.EventPaymentSucceeded,
		CreatedAt:      f.clock.Now(),
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		InvoiceID:      "in_1",
		AmountMinor:    1999,
		Currency:       "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusActive, paid.Status)
	assert.Equal(t, f.clock.Now(), paid.CurrentPeriodStart)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 30), paid.CurrentPeriodEnd)

	// A late failure for a settled invoice is stale.
	got, err = f.machine.ApplyPaymentFailed(ctx, failed)
	require.NoError(t, err)
	assert.Nil(t, got)

	current, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusActive, current.Status)

	payment, err := f.store.GetPayment(ctx, "in_1")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, gobilling.PaymentPaid, payment.Status)
	assert.Equal(t, "19.99", payment.Amount.String())

	assert.Equal(t, []gobilling.ChangeType{
		gobilling.ChangeCreated,
		gobilling.ChangePaymentFailed,
		gobilling.ChangeReactivated,
	}, f.historyTypes(t, "user1"))
	assert.Equal(t, []gobilling.NotificationType{
		gobilling.NotifySubscriptionCreated,
		gobilling.NotifyPaymentFailed,
		gobilling.NotifyPaymentRecovered,
	}, f.notifier.types())
}

func TestMachine_InvoiceBeforeSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.machine.ApplyPaymentSucceeded(ctx, &gobilling.Event{
		ID:             "evt_paid",
		Kind:           gobilling.EventPaymentSucceeded,
		CreatedAt:      t0,
		UserID:         "user1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           gobilling.PlanMaxMonthly,
		InvoiceID:      "in_1",
		AmountMinor:    2999,
		Currency:       "usd",
	})
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, gobilling.PlanMaxMonthly, sub.Plan)

	// The late created event converges on the same row.
	created, err := f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
		ID:             "evt_created",
		Kind:           gobilling.EventSubscriptionCreated,
		CreatedAt:      t0,
		UserID:         "user1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           gobilling.PlanMaxMonthly,
		ProviderStatus: gobilling.StatusActive,
		PeriodStart:    &t0,
	})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, created.ID)
	assert.Equal(t, []gobilling.ChangeType{gobilling.ChangeCreated}, f.historyTypes(t, "user1"))

	payments, err := f.store.ListPayments(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestMachine_PaymentRequiresInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.ApplyPaymentSucceeded(context.Background(), &gobilling.Event{ID: "evt", SubscriptionID: "sub_1"})
	assert.ErrorIs(t, err, gobilling.ErrMalformedEvent)
}

func TestMachine_SubscriptionDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	deleted := &gobilling.Event{
		ID:             "evt_deleted",
		Kind:           gobilling.EventSubscriptionDeleted,
		CreatedAt:      f.clock.Now(),
		SubscriptionID: "sub_1",
	}
	canceled, err := f.machine.ApplySubscriptionDeleted(ctx, deleted)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, canceled.ID)
	assert.Equal(t, gobilling.StatusCanceled, canceled.Status)

	current, err := f.machine.Current(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, current.Plan)

	// Redelivery and late updates leave the terminal row alone.
	_, err = f.machine.ApplySubscriptionDeleted(ctx, deleted)
	require.NoError(t, err)
	late, err := f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
		ID:             "evt_late",
		SubscriptionID: "sub_1",
		ProviderStatus: gobilling.StatusActive,
		Plan:           gobilling.PlanMaxMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusCanceled, late.Status)
	assert.Equal(t, gobilling.PlanProMonthly, late.Plan)

	subs, err := f.store.ListUserSubscriptions(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	assert.Equal(t, []gobilling.ChangeType{gobilling.ChangeCreated, gobilling.ChangeCanceled}, f.historyTypes(t, "user1"))
}

func TestMachine_DeletedUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.machine.ApplySubscriptionDeleted(ctx, &gobilling.Event{ID: "evt", SubscriptionID: "sub_x"})
	require.NoError(t, err)
	assert.Nil(t, sub)

	sub, err = f.machine.ApplySubscriptionDeleted(ctx, &gobilling.Event{ID: "evt", SubscriptionID: "sub_x", UserID: "user2"})
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, gobilling.PlanFree, sub.Plan)
}

func TestMachine_InvalidTransitionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	sub, err := f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
		ID:             "evt_incomplete",
		SubscriptionID: "sub_1",
		ProviderStatus: gobilling.StatusIncomplete,
	})
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusActive, sub.Status)
}

func TestMachine_IncompleteSubscriptionKeepsUserOnFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free, err := f.machine.Bootstrap(ctx, "user1")
	require.NoError(t, err)

	incomplete := &gobilling.Event{
		ID:             "evt_created",
		Kind:           gobilling.EventSubscriptionCreated,
		CreatedAt:      t0,
		UserID:         "user1",
		SubscriptionID: "sub_unpaid",
		Plan:           gobilling.PlanProMonthly,
		ProviderStatus: gobilling.StatusIncomplete,
	}
	sub, err := f.machine.ApplySubscriptionChange(ctx, incomplete)
	require.NoError(t, err)
	assert.Equal(t, free.ID, sub.ID)
	assert.Equal(t, gobilling.PlanFree, sub.Plan)
	assert.Empty(t, sub.ProviderSubscriptionID)

	access, err := f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, access.Plan)
	assert.Equal(t, gobilling.TierFree, access.Tier)

	lapsed := *incomplete
	lapsed.ID = "evt_lapsed"
	lapsed.Kind = gobilling.EventSubscriptionUpdated
	lapsed.ProviderStatus = gobilling.StatusIncompleteExpired
	sub, err = f.machine.ApplySubscriptionChange(ctx, &lapsed)
	require.NoError(t, err)
	assert.Equal(t, free.ID, sub.ID)

	access, err = f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, access.Plan)

	// Once paid the same provider subscription upgrades the user.
	paid := *incomplete
	paid.ID = "evt_paid"
	paid.Kind = gobilling.EventSubscriptionUpdated
	paid.ProviderStatus = gobilling.StatusActive
	sub, err = f.machine.ApplySubscriptionChange(ctx, &paid)
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanProMonthly, sub.Plan)
	assert.Equal(t, "sub_unpaid", sub.ProviderSubscriptionID)
	assert.Equal(t, []gobilling.ChangeType{gobilling.ChangeCreated, gobilling.ChangeUpgraded}, f.historyTypes(t, "user1"))
}

func TestMachine_ResumeAfterScheduledCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	for i, flag := range []bool{true, false} {
		f.clock.Advance(time.Hour)
		_, err := f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
			ID:                "evt_flag_" + string(rune('a'+i)),
			CreatedAt:         f.clock.Now(),
			SubscriptionID:    "sub_1",
			CancelAtPeriodEnd: boolPtr(flag),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []gobilling.ChangeType{
		gobilling.ChangeCreated,
		gobilling.ChangeCanceled,
		gobilling.ChangeReactivated,
	}, f.historyTypes(t, "user1"))
	assert.Contains(t, f.notifier.types(), gobilling.NotifySubscriptionResumed)
}

func TestMachine_LockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	_, err = f.locker.Acquire(ctx, gobilling.SubscriptionLockKey(sub.ID), time.Minute)
	require.NoError(t, err)

	_, err = f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
		ID:             "evt_blocked",
		SubscriptionID: "sub_1",
		Plan:           gobilling.PlanMaxMonthly,
	})
	assert.ErrorIs(t, err, gobilling.ErrLockHeld)
	assert.False(t, gobilling.IsPermanent(err))

	current, err := f.machine.Current(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanProMonthly, current.Plan)
}

func TestMachine_CacheInvalidatedOnChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.ApplyCheckout(ctx, checkoutEvent(t0))
	require.NoError(t, err)

	before, err := f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.TierPro, before.Tier)

	_, err = f.machine.ApplySubscriptionChange(ctx, &gobilling.Event{
		ID:             "evt_upgrade",
		CreatedAt:      t0,
		SubscriptionID: "sub_1",
		Plan:           gobilling.PlanMaxMonthly,
	})
	require.NoError(t, err)

	after, err := f.machine.Access(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.TierMax, after.Tier)
}
