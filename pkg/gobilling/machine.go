package gobilling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MachineConfig configures a Machine.
type MachineConfig struct {
	// Locker provides per-subscription advisory locks (default: a LocalLocker)
	Locker Locker

	// Clock supplies the current time (default: SystemClock)
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks lifecycle operations (default: NoopMetrics)
	Metrics Metrics

	// Notifier receives outbound billing notifications (default: NoopNotifier)
	Notifier Notifier

	// Cache holds current subscriptions for feature gating (default: NoopCache)
	Cache Cache

	// CacheTTL is how long a cached subscription is served (default: 1 minute)
	CacheTTL time.Duration

	// LockTTL bounds how long a crashed writer can hold a lock (default: 30 seconds)
	LockTTL time.Duration

	// LockWait is how long a writer waits for a held lock before giving up (default: 2 seconds)
	LockWait time.Duration

	// HistoryDedupWindow suppresses repeated history rows (default: 60 seconds)
	HistoryDedupWindow time.Duration

	// MaxConflictRetries bounds optimistic update retries (default: 3)
	MaxConflictRetries int
}

// Machine owns every mutation of subscriptions, their history and payments.
type Machine struct {
	store    LifecycleStore
	locker   Locker
	clock    Clock
	logger   Logger
	metrics  Metrics
	notifier Notifier
	cache    Cache

	cacheTTL           time.Duration
	lockTTL            time.Duration
	lockWait           time.Duration
	dedupWindow        time.Duration
	maxConflictRetries int
}

// NewMachine creates a state machine over store.
func NewMachine(store LifecycleStore, config MachineConfig) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: lifecycle store is required", ErrStorageUnavailable)
	}

	m := &Machine{
		store:              store,
		locker:             config.Locker,
		clock:              config.Clock,
		logger:             config.Logger,
		metrics:            config.Metrics,
		notifier:           config.Notifier,
		cache:              config.Cache,
		cacheTTL:           config.CacheTTL,
		lockTTL:            config.LockTTL,
		lockWait:           config.LockWait,
		dedupWindow:        config.HistoryDedupWindow,
		maxConflictRetries: config.MaxConflictRetries,
	}
	if m.clock == nil {
		m.clock = SystemClock{}
	}
	if m.locker == nil {
		m.locker = NewLocalLocker(m.clock)
	}
	if m.logger == nil {
		m.logger = &NoopLogger{}
	}
	if m.metrics == nil {
		m.metrics = &NoopMetrics{}
	}
	if m.notifier == nil {
		m.notifier = &NoopNotifier{}
	}
	if m.cache == nil {
		m.cache = &NoopCache{}
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = time.Minute
	}
	if m.lockTTL <= 0 {
		m.lockTTL = 30 * time.Second
	}
	if m.lockWait < 0 {
		m.lockWait = 0
	} else if m.lockWait == 0 {
		m.lockWait = 2 * time.Second
	}
	if m.dedupWindow <= 0 {
		m.dedupWindow = 60 * time.Second
	}
	if m.maxConflictRetries <= 0 {
		m.maxConflictRetries = 3
	}
	return m, nil
}

// Clock returns the machine's clock.
func (m *Machine) Clock() Clock {
	return m.clock
}

// Current returns the user's current non-terminal subscription.
func (m *Machine) Current(ctx context.Context, userID string) (*Subscription, error) {
	if sub, ok := m.cache.Get(userID); ok {
		m.metrics.RecordCacheHit()
		return sub, nil
	}
	m.metrics.RecordCacheMiss()

	sub, err := m.store.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(userID, sub, m.cacheTTL)
	return sub, nil
}

// Access is what a user is entitled to right now.
type Access struct {
	Plan      Plan
	Tier      Tier
	Status    Status
	PeriodEnd time.Time
}

// AccessResolver answers what a user may use. *Machine implements it.
type AccessResolver interface {
	Access(ctx context.Context, userID string) (Access, error)
}

var _ AccessResolver = (*Machine)(nil)

// Access resolves the plan a user may use. Users without an access granting
// subscription are on the free plan.
func (m *Machine) Access(ctx context.Context, userID string) (Access, error) {
	sub, err := m.Current(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return Access{Plan: PlanFree, Tier: TierFree}, nil
	}
	if err != nil {
		return Access{}, err
	}
	if !sub.Status.GrantsAccess() {
		return Access{Plan: PlanFree, Tier: TierFree, Status: sub.Status}, nil
	}
	return Access{
		Plan:      sub.Plan,
		Tier:      sub.Plan.Tier(),
		Status:    sub.Status,
		PeriodEnd: sub.CurrentPeriodEnd,
	}, nil
}

// ByProviderSubscription returns the row linked to a provider subscription id.
func (m *Machine) ByProviderSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	return m.store.GetByProviderSubscription(ctx, providerSubscriptionID)
}

// History returns a user's audit trail.
func (m *Machine) History(ctx context.Context, userID string) ([]*HistoryEntry, error) {
	return m.store.ListHistory(ctx, userID)
}

// ApplyCheckout activates the checked out plan for the user. A user with a
// current subscription has it changed in place; anyone else gets a new row.
func (m *Machine) ApplyCheckout(ctx context.Context, ev *Event) (*Subscription, error) {
	if !ev.Plan.Valid() {
		return nil, fmt.Errorf("%w: checkout %s has plan %q", ErrUnknownPlan, ev.ID, ev.Plan)
	}
	userID, err := m.resolveUser(ctx, ev)
	if err != nil {
		return nil, err
	}
	return m.materialize(ctx, userID, ev, StatusActive)
}

// ApplySubscriptionChange applies a created or updated provider subscription.
// Subscriptions never seen before are materialized on demand.
func (m *Machine) ApplySubscriptionChange(ctx context.Context, ev *Event) (*Subscription, error) {
	if ev.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: event %s has no subscription id", ErrMalformedEvent, ev.ID)
	}

	sub, err := m.store.GetByProviderSubscription(ctx, ev.SubscriptionID)
	if err == nil {
		return m.applyToExisting(ctx, sub.ID, ev, ev.ProviderStatus)
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	status := ev.ProviderStatus
	if status == "" {
		status = StatusActive
	}
	userID, err := m.resolveUser(ctx, ev)
	if err != nil {
		return nil, err
	}
	if status.Terminal() {
		// Nothing to materialize; make sure the user is not left without a plan.
		return m.EnsureFree(ctx, userID)
	}
	if !ev.Plan.Valid() {
		return nil, fmt.Errorf("%w: subscription %s has plan %q", ErrUnknownPlan, ev.SubscriptionID, ev.Plan)
	}
	return m.materialize(ctx, userID, ev, status)
}

// ApplySubscriptionDeleted cancels the subscription and moves the user to free.
func (m *Machine) ApplySubscriptionDeleted(ctx context.Context, ev *Event) (*Subscription, error) {
	if ev.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: event %s has no subscription id", ErrMalformedEvent, ev.ID)
	}

	sub, err := m.store.GetByProviderSubscription(ctx, ev.SubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		userID, rerr := m.resolveUser(ctx, ev)
		if rerr != nil {
			m.logger.Info("deleted subscription was never seen, nothing to cancel",
				Field{"event_id", ev.ID}, Field{"subscription_id", ev.SubscriptionID})
			return nil, nil
		}
		return m.EnsureFree(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	deleted := *ev
	deleted.Plan = ""
	deleted.PeriodStart = nil
	deleted.CancelAtPeriodEnd = nil
	return m.applyToExisting(ctx, sub.ID, &deleted, StatusCanceled)
}

// ApplyPaymentSucceeded records a paid invoice and starts a new billing
// period. A past_due subscription becomes active again.
func (m *Machine) ApplyPaymentSucceeded(ctx context.Context, ev *Event) (*Subscription, error) {
	return m.applyPayment(ctx, ev, PaymentPaid)
}

// ApplyPaymentFailed moves an active subscription to past_due and records the invoice.
func (m *Machine) ApplyPaymentFailed(ctx context.Context, ev *Event) (*Subscription, error) {
	return m.applyPayment(ctx, ev, PaymentFailed)
}

func (m *Machine) applyPayment(ctx context.Context, ev *Event, status PaymentStatus) (*Subscription, error) {
	if ev.InvoiceID == "" {
		return nil, fmt.Errorf("%w: payment event %s has no invoice id", ErrMalformedEvent, ev.ID)
	}

	prior, err := m.store.GetPayment(ctx, ev.InvoiceID)
	if err != nil {
		return nil, err
	}
	if prior != nil && (prior.Status == status || prior.Status == PaymentPaid) {
		// Redelivered or stale: a settled invoice never moves back.
		m.logger.Debug("invoice already recorded",
			Field{"invoice_id", ev.InvoiceID}, Field{"status", string(prior.Status)}, Field{"event_id", ev.ID})
		return nil, nil
	}

	var sub *Subscription
	if ev.SubscriptionID != "" {
		sub, err = m.paymentSubscription(ctx, ev)
		if err != nil {
			return nil, err
		}
	}

	if sub != nil {
		applied := *ev
		applied.CancelAtPeriodEnd = nil
		target := StatusActive
		if status == PaymentFailed {
			target = StatusPastDue
			applied.Plan = ""
			applied.PeriodStart = nil
		} else if applied.PeriodStart == nil {
			start := eventTime(ev, m.clock.Now())
			applied.PeriodStart = &start
		}
		sub, err = m.applyToExisting(ctx, sub.ID, &applied, target)
		if err != nil {
			return nil, err
		}
	}

	userID := ev.UserID
	subID := ""
	if sub != nil {
		userID = sub.UserID
		subID = sub.ID
	}
	if userID == "" {
		if userID, err = m.resolveUser(ctx, ev); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	_, err = m.store.RecordPayment(ctx, &Payment{
		ID:                uuid.NewString(),
		ProviderInvoiceID: ev.InvoiceID,
		SubscriptionID:    subID,
		UserID:            userID,
		AmountMinor:       ev.AmountMinor,
		Amount:            AmountFromMinor(ev.AmountMinor),
		Currency:          ev.Currency,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return sub, fmt.Errorf("record payment %s: %w", ev.InvoiceID, err)
	}
	return sub, nil
}

// paymentSubscription finds the subscription an invoice belongs to,
// materializing it when the invoice arrives first.
func (m *Machine) paymentSubscription(ctx context.Context, ev *Event) (*Subscription, error) {
	sub, err := m.store.GetByProviderSubscription(ctx, ev.SubscriptionID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	if !ev.Plan.Valid() {
		return nil, fmt.Errorf("%w: invoice %s for unknown subscription %s has plan %q",
			ErrUnknownPlan, ev.InvoiceID, ev.SubscriptionID, ev.Plan)
	}
	userID, err := m.resolveUser(ctx, ev)
	if err != nil {
		return nil, err
	}
	return m.materialize(ctx, userID, ev, StatusActive)
}

// Bootstrap gives a new user the free plan. It is a no-op for users that
// already have a current subscription.
func (m *Machine) Bootstrap(ctx context.Context, userID string) (*Subscription, error) {
	var out *Subscription
	err := m.withLock(ctx, UserLockKey(userID), func() error {
		var err error
		out, err = m.ensureFreeLocked(ctx, userID, true)
		return err
	})
	return out, err
}

// EnsureFree creates a free subscription for a user left without a current one.
func (m *Machine) EnsureFree(ctx context.Context, userID string) (*Subscription, error) {
	var out *Subscription
	err := m.withLock(ctx, UserLockKey(userID), func() error {
		var err error
		out, err = m.ensureFreeLocked(ctx, userID, false)
		return err
	})
	return out, err
}

func (m *Machine) ensureFreeLocked(ctx context.Context, userID string, recordCreated bool) (*Subscription, error) {
	cur, err := m.store.GetCurrentSubscription(ctx, userID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	now := m.clock.Now()
	sub := &Subscription{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Plan:               PlanFree,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   PeriodEnd(PlanFree, now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create free subscription: %w", err)
	}
	m.cache.Invalidate(userID)

	if recordCreated {
		if err := m.appendHistory(ctx, &HistoryEntry{
			UserID:         userID,
			SubscriptionID: sub.ID,
			ChangeType:     ChangeCreated,
			NewPlan:        PlanFree,
			EffectiveDate:  now,
			Notes:          "free plan bootstrap",
		}); err != nil {
			return sub, err
		}
	}
	m.logger.Info("free subscription created", Field{"user_id", userID}, Field{"subscription_id", sub.ID})
	return sub, nil
}

// materialize applies ev to the user's current subscription, creating one
// if the user has none.
func (m *Machine) materialize(ctx context.Context, userID string, ev *Event, status Status) (*Subscription, error) {
	var out *Subscription
	err := m.withLock(ctx, UserLockKey(userID), func() error {
		cur, err := m.store.GetCurrentSubscription(ctx, userID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			out, err = m.create(ctx, userID, ev, status)
			return err
		}
		if err != nil {
			return err
		}
		out, err = m.applyLocked(ctx, cur.ID, ev, status)
		return err
	})
	return out, err
}

func (m *Machine) create(ctx context.Context, userID string, ev *Event, status Status) (*Subscription, error) {
	now := m.clock.Now()
	start := periodStart(ev, now)
	sub := &Subscription{
		ID:                     uuid.NewString(),
		UserID:                 userID,
		Plan:                   ev.Plan,
		Status:                 status,
		ProviderCustomerID:     ev.CustomerID,
		ProviderSubscriptionID: ev.SubscriptionID,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       PeriodEnd(ev.Plan, start),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if ev.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	m.cache.Invalidate(userID)

	if err := m.appendHistory(ctx, &HistoryEntry{
		UserID:         userID,
		SubscriptionID: sub.ID,
		ChangeType:     ChangeCreated,
		NewPlan:        sub.Plan,
		EffectiveDate:  start,
		Notes:          "event " + ev.ID,
	}); err != nil {
		return sub, err
	}
	m.notify(ctx, Notification{
		Type:           NotifySubscriptionCreated,
		UserID:         userID,
		SubscriptionID: sub.ID,
		Plan:           sub.Plan,
		At:             now,
	})
	m.logger.Info("subscription created",
		Field{"user_id", userID},
		Field{"subscription_id", sub.ID},
		Field{"plan", string(sub.Plan)},
		Field{"status", string(sub.Status)},
		Field{"event_id", ev.ID},
	)
	return sub, nil
}

// applyToExisting locks an existing subscription and applies ev to it.
func (m *Machine) applyToExisting(ctx context.Context, subID string, ev *Event, status Status) (*Subscription, error) {
	var out *Subscription
	err := m.withLock(ctx, SubscriptionLockKey(subID), func() error {
		var err error
		out, err = m.applyLocked(ctx, subID, ev, status)
		return err
	})
	return out, err
}

// applyLocked applies ev to a subscription whose lock the caller holds,
// writes the matching history and moves the user to free if it ended.
func (m *Machine) applyLocked(ctx context.Context, subID string, ev *Event, status Status) (*Subscription, error) {
	now := m.clock.Now()
	var d fieldDiff
	sub, changed, err := m.update(ctx, subID, func(s *Subscription) (bool, error) {
		if s.Status.Terminal() {
			m.logger.Warn("event for terminal subscription ignored",
				Field{"event_id", ev.ID},
				Field{"subscription_id", s.ID},
				Field{"status", string(s.Status)},
			)
			return false, nil
		}
		d = m.reconcileFields(s, ev, status, now)
		return d.changed(), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if err := m.recordDiff(ctx, sub, d, ev); err != nil {
			return sub, err
		}
	}
	// Also runs for subscriptions that were already terminal so a retried
	// cancellation still leaves the user on the free plan.
	if sub.Status.Terminal() {
		if _, err := m.ensureFreeAfter(ctx, sub.UserID); err != nil {
			return sub, err
		}
	}
	return sub, nil
}

// ensureFreeAfter moves a user to the free plan after their subscription
// ended. A lock conflict here is left to the orphan recovery sweep.
func (m *Machine) ensureFreeAfter(ctx context.Context, userID string) (*Subscription, error) {
	free, err := m.EnsureFree(ctx, userID)
	if err != nil {
		m.logger.Warn("free subscription not created, orphan recovery will retry",
			Field{"user_id", userID}, Field{"error", err.Error()})
	}
	return free, err
}

// fieldDiff describes what reconcileFields changed.
type fieldDiff struct {
	prevPlan    Plan
	planChange  PlanChange
	prevStatus  Status
	cancelFlip  *bool
	otherFields bool
}

func (d fieldDiff) changed() bool {
	return d.planChange != PlanChangeNone || d.prevStatus != "" || d.cancelFlip != nil || d.otherFields
}

// reconcileFields copies the facts carried by ev onto s. Period boundaries
// are recomputed from the plan interval. An event whose status s cannot move
// to changes nothing, plan and period included.
func (m *Machine) reconcileFields(s *Subscription, ev *Event, status Status, now time.Time) fieldDiff {
	d := fieldDiff{prevPlan: s.Plan, planChange: PlanChangeNone}

	if status != "" && !CanTransition(s.Status, status) {
		m.logger.Warn("status transition rejected",
			Field{"subscription_id", s.ID},
			Field{"from", string(s.Status)},
			Field{"to", string(status)},
			Field{"event_id", ev.ID},
		)
		return d
	}

	if ev.SubscriptionID != "" && s.ProviderSubscriptionID != ev.SubscriptionID {
		s.ProviderSubscriptionID = ev.SubscriptionID
		d.otherFields = true
	}
	if ev.CustomerID != "" && s.ProviderCustomerID != ev.CustomerID {
		s.ProviderCustomerID = ev.CustomerID
		d.otherFields = true
	}

	planChanged := false
	if ev.Plan.Valid() && ev.Plan != s.Plan {
		d.planChange = ClassifyPlanChange(s.Plan, ev.Plan)
		s.Plan = ev.Plan
		planChanged = true
	}
	if ev.PeriodStart != nil || planChanged {
		start := periodStart(ev, now)
		end := PeriodEnd(s.Plan, start)
		if !start.Equal(s.CurrentPeriodStart) || !end.Equal(s.CurrentPeriodEnd) {
			s.CurrentPeriodStart = start
			s.CurrentPeriodEnd = end
			d.otherFields = true
		}
	}

	if status != "" && status != s.Status {
		d.prevStatus = s.Status
		s.Status = status
	}

	if ev.CancelAtPeriodEnd != nil && *ev.CancelAtPeriodEnd != s.CancelAtPeriodEnd {
		flag := *ev.CancelAtPeriodEnd
		s.CancelAtPeriodEnd = flag
		d.cancelFlip = &flag
	}
	return d
}

// recordDiff writes history rows and notifications for a committed change.
func (m *Machine) recordDiff(ctx context.Context, sub *Subscription, d fieldDiff, ev *Event) error {
	now := m.clock.Now()
	notes := "event " + ev.ID
	var entries []*HistoryEntry
	var outbound []Notification

	if changeType, ok := d.planChange.ChangeType(); ok {
		entries = append(entries, &HistoryEntry{
			ChangeType:    changeType,
			PreviousPlan:  d.prevPlan,
			NewPlan:       sub.Plan,
			EffectiveDate: sub.CurrentPeriodStart,
		})
		outbound = append(outbound, Notification{Type: NotifyPlanChanged, PreviousPlan: d.prevPlan})
	}

	switch {
	case d.prevStatus == StatusActive && sub.Status == StatusPastDue:
		entries = append(entries, &HistoryEntry{ChangeType: ChangePaymentFailed, PreviousPlan: sub.Plan, NewPlan: sub.Plan})
		outbound = append(outbound, Notification{Type: NotifyPaymentFailed})
	case d.prevStatus == StatusPastDue && sub.Status == StatusActive:
		entries = append(entries, &HistoryEntry{ChangeType: ChangeReactivated, PreviousPlan: sub.Plan, NewPlan: sub.Plan})
		outbound = append(outbound, Notification{Type: NotifyPaymentRecovered})
	case d.prevStatus == StatusIncomplete && sub.Status == StatusActive:
		outbound = append(outbound, Notification{Type: NotifySubscriptionCreated})
	case d.prevStatus != "" && sub.Status.Terminal():
		entries = append(entries, &HistoryEntry{ChangeType: ChangeCanceled, PreviousPlan: sub.Plan, NewPlan: PlanFree})
		outbound = append(outbound, Notification{Type: NotifySubscriptionCanceled})
	}

	if d.cancelFlip != nil {
		if *d.cancelFlip {
			entries = append(entries, &HistoryEntry{
				ChangeType:   ChangeCanceled,
				PreviousPlan: sub.Plan,
				NewPlan:      PlanFree,
				// The plan stays usable until the period ends.
				EffectiveDate: sub.CurrentPeriodEnd,
			})
			outbound = append(outbound, Notification{Type: NotifySubscriptionCanceled, Data: map[string]string{
				"effective_at": sub.CurrentPeriodEnd.Format(time.RFC3339),
			}})
		} else {
			entries = append(entries, &HistoryEntry{ChangeType: ChangeReactivated, PreviousPlan: sub.Plan, NewPlan: sub.Plan})
			outbound = append(outbound, Notification{Type: NotifySubscriptionResumed})
		}
	}

	for _, e := range entries {
		e.UserID = sub.UserID
		e.SubscriptionID = sub.ID
		e.Notes = notes
		if e.EffectiveDate.IsZero() {
			e.EffectiveDate = eventTime(ev, now)
		}
		if err := m.appendHistory(ctx, e); err != nil {
			return err
		}
	}
	for _, n := range outbound {
		n.UserID = sub.UserID
		n.SubscriptionID = sub.ID
		n.Plan = sub.Plan
		n.At = now
		m.notify(ctx, n)
	}
	return nil
}

// update runs a read, compute, conditional write cycle on a subscription,
// retrying on version conflicts. mutate reports whether it changed anything.
func (m *Machine) update(ctx context.Context, id string, mutate func(*Subscription) (bool, error)) (*Subscription, bool, error) {
	for attempt := 0; ; attempt++ {
		cur, err := m.store.GetSubscription(ctx, id)
		if err != nil {
			return nil, false, err
		}
		next := cur.Clone()
		changed, err := mutate(next)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return cur, false, nil
		}
		next.UpdatedAt = m.clock.Now()

		err = m.store.UpdateSubscription(ctx, next, cur.Version)
		if err == nil {
			m.cache.Invalidate(next.UserID)
			if cur.Status != next.Status {
				m.metrics.RecordTransition(cur.Status, next.Status)
			}
			if cur.Plan != next.Plan {
				m.metrics.RecordPlanChange(cur.Plan, next.Plan, ClassifyPlanChange(cur.Plan, next.Plan))
			}
			return next, true, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= m.maxConflictRetries {
			return nil, false, fmt.Errorf("update subscription %s: %w", id, err)
		}
		m.logger.Debug("subscription version conflict, retrying",
			Field{"subscription_id", id}, Field{"attempt", attempt + 1})
	}
}

func (m *Machine) appendHistory(ctx context.Context, e *HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.clock.Now()
	}
	inserted, err := m.store.AppendHistory(ctx, e, m.dedupWindow)
	if err != nil {
		return fmt.Errorf("append %s history for %s: %w", e.ChangeType, e.SubscriptionID, err)
	}
	m.metrics.RecordHistoryWrite(e.ChangeType, !inserted)
	if !inserted {
		m.logger.Debug("history row deduplicated",
			Field{"subscription_id", e.SubscriptionID}, Field{"change_type", string(e.ChangeType)})
	}
	return nil
}

func (m *Machine) notify(ctx context.Context, n Notification) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("notification not published",
			Field{"type", string(n.Type)},
			Field{"user_id", n.UserID},
			Field{"error", err.Error()},
		)
	}
}

func (m *Machine) withLock(ctx context.Context, key string, fn func() error) error {
	token, err := AcquireWait(ctx, m.locker, key, m.lockTTL, m.lockWait)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			m.metrics.RecordLockAcquire("held")
			return fmt.Errorf("%s: %w", key, ErrLockHeld)
		}
		m.metrics.RecordLockAcquire("error")
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	m.metrics.RecordLockAcquire("acquired")

	defer func() {
		if rerr := m.locker.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			m.logger.Warn("advisory lock release failed", Field{"key", key}, Field{"error", rerr.Error()})
		}
	}()
	return fn()
}

// resolveUser links an event to a user through its metadata or a known
// subscription of the same provider customer.
func (m *Machine) resolveUser(ctx context.Context, ev *Event) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}
	if ev.CustomerID != "" {
		sub, err := m.store.FindByCustomer(ctx, ev.CustomerID)
		if err == nil {
			return sub.UserID, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: event %s (customer %q)", ErrUnresolvableUser, ev.ID, ev.CustomerID)
}

func eventTime(ev *Event, now time.Time) time.Time {
	if !ev.CreatedAt.IsZero() {
		return ev.CreatedAt
	}
	return now
}

func periodStart(ev *Event, now time.Time) time.Time {
	if ev.PeriodStart != nil && !ev.PeriodStart.IsZero() {
		return *ev.PeriodStart
	}
	return eventTime(ev, now)
}
