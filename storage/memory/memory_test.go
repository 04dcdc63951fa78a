package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSub(id, userID string, plan gobilling.Plan, status gobilling.Status) *gobilling.Subscription {
	return &gobilling.Subscription{
		ID:                 id,
		UserID:             userID,
		Plan:               plan,
		Status:             status,
		CurrentPeriodStart: base,
		CurrentPeriodEnd:   gobilling.PeriodEnd(plan, base),
		CreatedAt:          base,
		UpdatedAt:          base,
	}
}

func TestStorage_CreateAndGetSubscription(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetSubscription(ctx, "missing")
	if !errors.Is(err, gobilling.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	sub := newSub("sub1", "user1", gobilling.PlanProMonthly, gobilling.StatusActive)
	sub.ProviderSubscriptionID = "sub_stripe_1"
	sub.ProviderCustomerID = "cus_1"
	if err := storage.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if sub.Version != 1 {
		t.Errorf("Version mismatch: got %d, want 1", sub.Version)
	}

	got, err := storage.GetCurrentSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetCurrentSubscription failed: %v", err)
	}
	if got.Plan != gobilling.PlanProMonthly {
		t.Errorf("Plan mismatch: got %s, want %s", got.Plan, gobilling.PlanProMonthly)
	}

	byProvider, err := storage.GetByProviderSubscription(ctx, "sub_stripe_1")
	if err != nil || byProvider.ID != "sub1" {
		t.Errorf("GetByProviderSubscription returned %v, %v", byProvider, err)
	}
	byCustomer, err := storage.FindByCustomer(ctx, "cus_1")
	if err != nil || byCustomer.UserID != "user1" {
		t.Errorf("FindByCustomer returned %v, %v", byCustomer, err)
	}

	// Returned values are copies.
	got.Plan = gobilling.PlanMaxYearly
	again, _ := storage.GetSubscription(ctx, "sub1")
	if again.Plan != gobilling.PlanProMonthly {
		t.Errorf("stored subscription was mutated through a returned copy")
	}
}

func TestStorage_OneActiveSubscriptionPerUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.CreateSubscription(ctx, newSub("a", "user1", gobilling.PlanFree, gobilling.StatusActive)); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	err := storage.CreateSubscription(ctx, newSub("b", "user1", gobilling.PlanProMonthly, gobilling.StatusActive))
	if !errors.Is(err, gobilling.ErrActiveSubscriptionExists) {
		t.Errorf("Expected ErrActiveSubscriptionExists, got %v", err)
	}

	// Non-active rows are not restricted.
	if err := storage.CreateSubscription(ctx, newSub("c", "user1", gobilling.PlanProMonthly, gobilling.StatusCanceled)); err != nil {
		t.Errorf("CreateSubscription of canceled row failed: %v", err)
	}
}

func TestStorage_UpdateSubscriptionVersionCheck(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub := newSub("sub1", "user1", gobilling.PlanProMonthly, gobilling.StatusActive)
	if err := storage.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	next := sub.Clone()
	next.Status = gobilling.StatusPastDue
	if err := storage.UpdateSubscription(ctx, next, 1); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("Version mismatch: got %d, want 2", next.Version)
	}

	stale := sub.Clone()
	stale.Status = gobilling.StatusCanceled
	if err := storage.UpdateSubscription(ctx, stale, 1); !errors.Is(err, gobilling.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestStorage_CurrentSubscriptionSkipsTerminal(t *testing.T) {
	storage := New()
	ctx := context.Background()

	old := newSub("old", "user1", gobilling.PlanProMonthly, gobilling.StatusCanceled)
	if err := storage.CreateSubscription(ctx, old); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if _, err := storage.GetCurrentSubscription(ctx, "user1"); !errors.Is(err, gobilling.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	free := newSub("free", "user1", gobilling.PlanFree, gobilling.StatusActive)
	free.CreatedAt = base.Add(time.Hour)
	if err := storage.CreateSubscription(ctx, free); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	cur, err := storage.GetCurrentSubscription(ctx, "user1")
	if err != nil || cur.ID != "free" {
		t.Errorf("GetCurrentSubscription returned %v, %v", cur, err)
	}

	all, _ := storage.ListUserSubscriptions(ctx, "user1")
	if len(all) != 2 || all[0].ID != "free" {
		t.Errorf("ListUserSubscriptions should return newest first, got %d rows", len(all))
	}
}

func TestStorage_SweepQueries(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := base.Add(40 * 24 * time.Hour)

	expiring := newSub("expiring", "u1", gobilling.PlanProMonthly, gobilling.StatusActive)
	expiring.CurrentPeriodEnd = now.Add(48 * time.Hour)

	lapsed := newSub("lapsed", "u2", gobilling.PlanProMonthly, gobilling.StatusActive)
	lapsed.CancelAtPeriodEnd = true

	orphan := newSub("orphan", "u3", gobilling.PlanMaxMonthly, gobilling.StatusExpired)

	stale := newSub("stale", "u4", gobilling.PlanProMonthly, gobilling.StatusPastDue)
	stale.UpdatedAt = now.Add(-8 * 24 * time.Hour)

	covered := newSub("covered", "u5", gobilling.PlanProMonthly, gobilling.StatusCanceled)
	coveredFree := newSub("covered-free", "u5", gobilling.PlanFree, gobilling.StatusActive)

	for _, s := range []*gobilling.Subscription{expiring, lapsed, orphan, stale, covered, coveredFree} {
		if err := storage.CreateSubscription(ctx, s); err != nil {
			t.Fatalf("CreateSubscription %s failed: %v", s.ID, err)
		}
	}

	found, _ := storage.FindExpiring(ctx, now, now.Add(72*time.Hour), 72*time.Hour)
	if len(found) != 1 || found[0].ID != "expiring" {
		t.Errorf("FindExpiring returned %d rows", len(found))
	}

	warned := newSub("warned", "u6", gobilling.PlanMaxMonthly, gobilling.StatusActive)
	warned.CurrentPeriodEnd = now.Add(24 * time.Hour)
	warnedAt := now.Add(-time.Hour)
	warned.LastWarnedAt = &warnedAt
	// A warning from the previous period does not count.
	renewed := newSub("renewed", "u7", gobilling.PlanMaxMonthly, gobilling.StatusActive)
	renewed.CurrentPeriodEnd = now.Add(24 * time.Hour)
	lastPeriod := now.Add(-28 * 24 * time.Hour)
	renewed.LastWarnedAt = &lastPeriod
	for _, s := range []*gobilling.Subscription{warned, renewed} {
		if err := storage.CreateSubscription(ctx, s); err != nil {
			t.Fatalf("CreateSubscription %s failed: %v", s.ID, err)
		}
	}
	found, _ = storage.FindExpiring(ctx, now, now.Add(72*time.Hour), 72*time.Hour)
	if len(found) != 2 || found[0].ID != "expiring" || found[1].ID != "renewed" {
		t.Errorf("FindExpiring after warnings returned %d rows", len(found))
	}

	found, _ = storage.FindLapsed(ctx, now)
	if len(found) != 1 || found[0].ID != "lapsed" {
		t.Errorf("FindLapsed returned %d rows", len(found))
	}

	found, _ = storage.FindOrphaned(ctx)
	if len(found) != 1 || found[0].ID != "orphan" {
		t.Errorf("FindOrphaned returned %d rows", len(found))
	}

	found, _ = storage.FindStalePastDue(ctx, now.Add(-7*24*time.Hour))
	if len(found) != 1 || found[0].ID != "stale" {
		t.Errorf("FindStalePastDue returned %d rows", len(found))
	}

	found, _ = storage.ListActivePaid(ctx)
	if len(found) != 2 {
		t.Errorf("ListActivePaid returned %d rows, want 2", len(found))
	}
}

func TestStorage_AppendHistoryDedup(t *testing.T) {
	storage := New()
	ctx := context.Background()

	entry := &gobilling.HistoryEntry{
		ID:             "h1",
		UserID:         "user1",
		SubscriptionID: "sub1",
		ChangeType:     gobilling.ChangeCanceled,
		PreviousPlan:   gobilling.PlanProMonthly,
		NewPlan:        gobilling.PlanFree,
		CreatedAt:      base,
	}
	inserted, err := storage.AppendHistory(ctx, entry, time.Minute)
	if err != nil || !inserted {
		t.Fatalf("first AppendHistory returned %v, %v", inserted, err)
	}

	dup := *entry
	dup.ID = "h2"
	dup.CreatedAt = base.Add(30 * time.Second)
	inserted, _ = storage.AppendHistory(ctx, &dup, time.Minute)
	if inserted {
		t.Errorf("duplicate within window should be suppressed")
	}

	later := *entry
	later.ID = "h3"
	later.CreatedAt = base.Add(2 * time.Minute)
	inserted, _ = storage.AppendHistory(ctx, &later, time.Minute)
	if !inserted {
		t.Errorf("entry outside window should be inserted")
	}

	other := *entry
	other.ID = "h4"
	other.ChangeType = gobilling.ChangeReactivated
	other.CreatedAt = base.Add(10 * time.Second)
	inserted, _ = storage.AppendHistory(ctx, &other, time.Minute)
	if !inserted {
		t.Errorf("different change type should be inserted")
	}

	rows, _ := storage.ListHistory(ctx, "user1")
	if len(rows) != 3 {
		t.Fatalf("ListHistory returned %d rows, want 3", len(rows))
	}
	if rows[0].ID != "h1" || rows[2].ID != "h3" {
		t.Errorf("ListHistory should be oldest first")
	}
}

func TestStorage_RecordPayment(t *testing.T) {
	storage := New()
	ctx := context.Background()

	p := &gobilling.Payment{
		ID:                "p1",
		ProviderInvoiceID: "in_1",
		SubscriptionID:    "sub1",
		AmountMinor:       1999,
		Amount:            gobilling.AmountFromMinor(1999),
		Currency:          "usd",
		Status:            gobilling.PaymentFailed,
		CreatedAt:         base,
	}
	inserted, err := storage.RecordPayment(ctx, p)
	if err != nil || !inserted {
		t.Fatalf("RecordPayment returned %v, %v", inserted, err)
	}

	again := *p
	again.ID = "p2"
	inserted, _ = storage.RecordPayment(ctx, &again)
	if inserted {
		t.Errorf("same invoice and status should be deduplicated")
	}

	paid := *p
	paid.ID = "p3"
	paid.Status = gobilling.PaymentPaid
	inserted, _ = storage.RecordPayment(ctx, &paid)
	if !inserted {
		t.Errorf("status change should update the payment")
	}

	got, _ := storage.GetPayment(ctx, "in_1")
	if got == nil || got.Status != gobilling.PaymentPaid || got.ID != "p1" {
		t.Errorf("GetPayment returned %+v", got)
	}
	if got.Amount.String() != "19.99" {
		t.Errorf("Amount mismatch: got %s", got.Amount)
	}

	none, err := storage.GetPayment(ctx, "in_missing")
	if err != nil || none != nil {
		t.Errorf("GetPayment of unknown invoice returned %v, %v", none, err)
	}

	list, _ := storage.ListPayments(ctx, "sub1")
	if len(list) != 1 {
		t.Errorf("ListPayments returned %d rows, want 1", len(list))
	}
}

func logEvent(t *testing.T, storage *Storage, id, providerEventID string, createdAt time.Time) {
	t.Helper()
	ev := &gobilling.WebhookEvent{
		ID:              id,
		Provider:        "stripe",
		ProviderEventID: providerEventID,
		Type:            "customer.subscription.updated",
		Status:          gobilling.EventPending,
		MaxRetries:      3,
		Headers:         map[string]string{"Stripe-Signature": "t=1,v1=abc"},
		RawPayload:      []byte(`{}`),
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if err := storage.LogAttempt(context.Background(), ev); err != nil {
		t.Fatalf("LogAttempt failed: %v", err)
	}
}

func TestStorage_EventLifecycle(t *testing.T) {
	storage := New()
	ctx := context.Background()

	logEvent(t, storage, "w1", "evt_1", base)

	parsed := &gobilling.Event{
		ID:             "evt_1",
		Provider:       "stripe",
		Type:           "customer.subscription.updated",
		Kind:           gobilling.EventSubscriptionUpdated,
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
	}
	if err := storage.AttachParsedEvent(ctx, "w1", parsed, base); err != nil {
		t.Fatalf("AttachParsedEvent failed: %v", err)
	}
	if err := storage.MarkProcessing(ctx, "w1", base); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := storage.MarkCompleted(ctx, "w1", gobilling.Association{UserID: "user1"}, 15*time.Millisecond, base); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	got, err := storage.GetEvent(ctx, "w1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.Status != gobilling.EventCompleted || !got.SignatureVerified || got.UserID != "user1" {
		t.Errorf("unexpected event state: %+v", got)
	}
	if got.ProcessingTimeMs == nil || *got.ProcessingTimeMs != 15 {
		t.Errorf("ProcessingTimeMs not recorded")
	}
	decoded, err := got.Event()
	if err != nil || decoded.SubscriptionID != "sub_1" {
		t.Errorf("Event() returned %v, %v", decoded, err)
	}

	logEvent(t, storage, "w2", "evt_1", base.Add(time.Minute))
	dup, err := storage.FindDuplicate(ctx, "evt_1", "w2")
	if err != nil || dup == nil || dup.ID != "w1" {
		t.Errorf("FindDuplicate returned %v, %v", dup, err)
	}
	none, _ := storage.FindDuplicate(ctx, "evt_2", "w2")
	if none != nil {
		t.Errorf("FindDuplicate should not match other provider events")
	}

	if _, err := storage.GetEvent(ctx, "missing"); !errors.Is(err, gobilling.ErrEventNotFound) {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}
}

func TestStorage_ClaimDueRetries(t *testing.T) {
	storage := New()
	ctx := context.Background()

	logEvent(t, storage, "due", "evt_due", base)
	logEvent(t, storage, "later", "evt_later", base)
	logEvent(t, storage, "fresh", "evt_fresh", base)

	dueAt := base.Add(5 * time.Minute)
	laterAt := base.Add(time.Hour)
	_ = storage.MarkFailed(ctx, "due", gobilling.FailureUpdate{Status: gobilling.EventPending, RetryCount: 1, NextRetryAt: &dueAt, Error: "boom", At: base})
	_ = storage.MarkFailed(ctx, "later", gobilling.FailureUpdate{Status: gobilling.EventPending, RetryCount: 1, NextRetryAt: &laterAt, Error: "boom", At: base})

	claimed, err := storage.ClaimDueRetries(ctx, base.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueRetries failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "due" {
		t.Fatalf("ClaimDueRetries returned %d events", len(claimed))
	}
	if claimed[0].Status != gobilling.EventProcessing {
		t.Errorf("claimed event should be processing, got %s", claimed[0].Status)
	}

	// A claimed event is not handed out twice.
	claimed, _ = storage.ClaimDueRetries(ctx, base.Add(10*time.Minute), 10)
	if len(claimed) != 0 {
		t.Errorf("event claimed twice")
	}

	// Releasing an unattempted claim makes it due again with its budget intact.
	if err := storage.ReleaseClaim(ctx, "due", base.Add(11*time.Minute)); err != nil {
		t.Fatalf("ReleaseClaim failed: %v", err)
	}
	claimed, _ = storage.ClaimDueRetries(ctx, base.Add(12*time.Minute), 10)
	if len(claimed) != 1 || claimed[0].RetryCount != 1 {
		t.Errorf("released event not claimable again: %d events", len(claimed))
	}
	_ = storage.MarkCompleted(ctx, "due", gobilling.Association{}, 0, base.Add(12*time.Minute))
	_ = storage.ReleaseClaim(ctx, "due", base.Add(13*time.Minute))
	if got, _ := storage.GetEvent(ctx, "due"); got.Status != gobilling.EventCompleted {
		t.Errorf("ReleaseClaim must not reopen a settled event, got %s", got.Status)
	}

	if err := storage.ResetForRetry(ctx, "later", base); err != nil {
		t.Fatalf("ResetForRetry failed: %v", err)
	}
	got, _ := storage.GetEvent(ctx, "later")
	if got.RetryCount != 0 || got.NextRetryAt != nil || got.Status != gobilling.EventPending {
		t.Errorf("ResetForRetry left %+v", got)
	}
}

func TestStorage_ListStatsAndCleanup(t *testing.T) {
	storage := New()
	ctx := context.Background()

	logEvent(t, storage, "old-done", "e1", base.Add(-40*24*time.Hour))
	logEvent(t, storage, "old-failed", "e2", base.Add(-40*24*time.Hour))
	logEvent(t, storage, "new-done", "e3", base)

	_ = storage.MarkCompleted(ctx, "old-done", gobilling.Association{}, 10*time.Millisecond, base)
	_ = storage.MarkFailed(ctx, "old-failed", gobilling.FailureUpdate{Status: gobilling.EventFailed, RetryCount: 3, Error: "gave up", ProcessingTime: 30 * time.Millisecond, At: base})
	_ = storage.MarkCompleted(ctx, "new-done", gobilling.Association{CustomerID: "cus_9"}, 20*time.Millisecond, base)

	events, total, err := storage.ListEvents(ctx, gobilling.EventFilter{Status: gobilling.EventCompleted, Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 2 || len(events) != 1 || events[0].ID != "new-done" {
		t.Errorf("ListEvents returned total=%d len=%d", total, len(events))
	}

	events, _, _ = storage.ListEvents(ctx, gobilling.EventFilter{CustomerID: "cus_9"})
	if len(events) != 1 {
		t.Errorf("customer filter returned %d events", len(events))
	}

	stats, err := storage.EventStats(ctx, base.Add(-365*24*time.Hour))
	if err != nil {
		t.Fatalf("EventStats failed: %v", err)
	}
	if stats.Total != 3 || stats.ByStatus[gobilling.EventCompleted] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.AvgProcessingMs != 20 {
		t.Errorf("AvgProcessingMs mismatch: got %v, want 20", stats.AvgProcessingMs)
	}

	deleted, err := storage.DeleteEventsBefore(ctx, base.Add(-30*24*time.Hour),
		[]gobilling.EventStatus{gobilling.EventCompleted, gobilling.EventIgnored})
	if err != nil || deleted != 1 {
		t.Errorf("DeleteEventsBefore returned %d, %v", deleted, err)
	}
	if _, err := storage.GetEvent(ctx, "old-failed"); err != nil {
		t.Errorf("failed events must survive cleanup")
	}
}

func TestStorage_Locker(t *testing.T) {
	storage := New()
	ctx := context.Background()

	token, err := storage.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := storage.Acquire(ctx, "k", time.Minute); !errors.Is(err, gobilling.ErrLockHeld) {
		t.Errorf("Expected ErrLockHeld, got %v", err)
	}
	if err := storage.Release(ctx, "k", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := storage.Acquire(ctx, "k", time.Minute); err != nil {
		t.Errorf("Acquire after release failed: %v", err)
	}
}
