// Package memory provides an in-memory implementation of the gobilling.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Storage using in-memory maps.
// It also satisfies gobilling.Locker through an embedded LocalLocker.
type Storage struct {
	*gobilling.LocalLocker

	mu            sync.RWMutex
	events        map[string]*gobilling.WebhookEvent
	subscriptions map[string]*gobilling.Subscription
	history       []*gobilling.HistoryEntry
	payments      map[string]*gobilling.Payment
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		LocalLocker:   gobilling.NewLocalLocker(nil),
		events:        make(map[string]*gobilling.WebhookEvent),
		subscriptions: make(map[string]*gobilling.Subscription),
		payments:      make(map[string]*gobilling.Payment),
	}
}

// ---- webhook events ----

func (s *Storage) LogAttempt(_ context.Context, ev *gobilling.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("webhook event %s already logged", ev.ID)
	}
	s.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (s *Storage) AttachParsedEvent(_ context.Context, id string, parsed *gobilling.Event, at time.Time) error {
	data, err := gobilling.EncodeEvent(parsed)
	if err != nil {
		return err
	}
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		ev.ProviderEventID = parsed.ID
		ev.Type = parsed.Type
		ev.Kind = parsed.Kind
		ev.ParsedData = data
		ev.SignatureVerified = true
		ev.CustomerID = parsed.CustomerID
		ev.SubscriptionID = parsed.SubscriptionID
		ev.UserID = parsed.UserID
		ev.UpdatedAt = at
	})
}

func (s *Storage) MarkProcessing(_ context.Context, id string, at time.Time) error {
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		ev.Status = gobilling.EventProcessing
		ev.UpdatedAt = at
	})
}

func (s *Storage) MarkCompleted(_ context.Context, id string, assoc gobilling.Association, took time.Duration, at time.Time) error {
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		ev.Status = gobilling.EventCompleted
		ev.NextRetryAt = nil
		ev.Error = ""
		if assoc.CustomerID != "" {
			ev.CustomerID = assoc.CustomerID
		}
		if assoc.SubscriptionID != "" {
			ev.SubscriptionID = assoc.SubscriptionID
		}
		if assoc.UserID != "" {
			ev.UserID = assoc.UserID
		}
		finish(ev, took, at)
	})
}

func (s *Storage) MarkIgnored(_ context.Context, id string, reason string, took time.Duration, at time.Time) error {
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		ev.Status = gobilling.EventIgnored
		ev.NextRetryAt = nil
		ev.Error = reason
		finish(ev, took, at)
	})
}

func (s *Storage) MarkFailed(_ context.Context, id string, upd gobilling.FailureUpdate) error {
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		ev.Status = upd.Status
		ev.RetryCount = upd.RetryCount
		ev.NextRetryAt = copyTime(upd.NextRetryAt)
		ev.Error = upd.Error
		finish(ev, upd.ProcessingTime, upd.At)
	})
}

func (s *Storage) ResetForRetry(_ context.Context, id string, at time.Time) error {
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		ev.Status = gobilling.EventPending
		ev.RetryCount = 0
		ev.NextRetryAt = nil
		ev.Error = ""
		ev.UpdatedAt = at
	})
}

func (s *Storage) FindDuplicate(_ context.Context, providerEventID, excludeID string) (*gobilling.WebhookEvent, error) {
	if providerEventID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *gobilling.WebhookEvent
	for _, ev := range s.events {
		if ev.ID == excludeID || ev.ProviderEventID != providerEventID || ev.Status != gobilling.EventCompleted {
			continue
		}
		if found == nil || ev.CreatedAt.Before(found.CreatedAt) {
			found = ev
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneEvent(found), nil
}

func (s *Storage) GetEvent(_ context.Context, id string) (*gobilling.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, gobilling.ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

func (s *Storage) ClaimDueRetries(_ context.Context, now time.Time, limit int) ([]*gobilling.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*gobilling.WebhookEvent
	for _, ev := range s.events {
		if ev.Status == gobilling.EventPending && ev.RetryCount > 0 &&
			ev.NextRetryAt != nil && !ev.NextRetryAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*gobilling.WebhookEvent, 0, len(due))
	for _, ev := range due {
		ev.Status = gobilling.EventProcessing
		ev.UpdatedAt = now
		claimed = append(claimed, cloneEvent(ev))
	}
	return claimed, nil
}

func (s *Storage) ReleaseClaim(_ context.Context, id string, at time.Time) error {
	return s.mutateEvent(id, func(ev *gobilling.WebhookEvent) {
		if ev.Status != gobilling.EventProcessing {
			return
		}
		ev.Status = gobilling.EventPending
		ev.UpdatedAt = at
	})
}

func (s *Storage) ListEvents(_ context.Context, filter gobilling.EventFilter) ([]*gobilling.WebhookEvent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*gobilling.WebhookEvent
	for _, ev := range s.events {
		if matchesFilter(ev, filter) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*gobilling.WebhookEvent, 0, len(matched))
	for _, ev := range matched {
		out = append(out, cloneEvent(ev))
	}
	return out, total, nil
}

func (s *Storage) DeleteEventsBefore(_ context.Context, cutoff time.Time, statuses []gobilling.EventStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[gobilling.EventStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}

	var deleted int64
	for id, ev := range s.events {
		if ev.CreatedAt.Before(cutoff) && allowed[ev.Status] {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Storage) EventStats(_ context.Context, since time.Time) (*gobilling.EventStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &gobilling.EventStats{
		ByType:   make(map[string]int),
		ByStatus: make(map[gobilling.EventStatus]int),
	}
	var totalMs, timed int64
	for _, ev := range s.events {
		if ev.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByType[ev.Type]++
		stats.ByStatus[ev.Status]++
		if ev.ProcessingTimeMs != nil {
			totalMs += *ev.ProcessingTimeMs
			timed++
		}
	}
	if timed > 0 {
		stats.AvgProcessingMs = float64(totalMs) / float64(timed)
	}
	return stats, nil
}

func (s *Storage) mutateEvent(id string, fn func(*gobilling.WebhookEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return gobilling.ErrEventNotFound
	}
	fn(ev)
	return nil
}

// ---- subscriptions ----

func (s *Storage) GetSubscription(_ context.Context, id string) (*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *Storage) GetCurrentSubscription(_ context.Context, userID string) (*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newest(s.subscriptions, func(sub *gobilling.Subscription) bool {
		return sub.UserID == userID && !sub.Status.Terminal()
	})
}

func (s *Storage) GetByProviderSubscription(_ context.Context, providerSubscriptionID string) (*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newest(s.subscriptions, func(sub *gobilling.Subscription) bool {
		return providerSubscriptionID != "" && sub.ProviderSubscriptionID == providerSubscriptionID
	})
}

func (s *Storage) FindByCustomer(_ context.Context, customerID string) (*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newest(s.subscriptions, func(sub *gobilling.Subscription) bool {
		return customerID != "" && sub.ProviderCustomerID == customerID
	})
}

func (s *Storage) ListUserSubscriptions(_ context.Context, userID string) ([]*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.selectSubscriptions(func(sub *gobilling.Subscription) bool { return sub.UserID == userID })
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs, nil
}

func (s *Storage) CreateSubscription(_ context.Context, sub *gobilling.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	if sub.Status == gobilling.StatusActive && s.hasActive(sub.UserID, "") {
		return gobilling.ErrActiveSubscriptionExists
	}
	sub.Version = 1
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (s *Storage) UpdateSubscription(_ context.Context, sub *gobilling.Subscription, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subscriptions[sub.ID]
	if !ok {
		return gobilling.ErrSubscriptionNotFound
	}
	if cur.Version != expectedVersion {
		return gobilling.ErrVersionConflict
	}
	if sub.Status == gobilling.StatusActive && s.hasActive(sub.UserID, sub.ID) {
		return gobilling.ErrActiveSubscriptionExists
	}
	sub.Version = expectedVersion + 1
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (s *Storage) FindExpiring(_ context.Context, from, to time.Time, window time.Duration) ([]*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectSubscriptions(func(sub *gobilling.Subscription) bool {
		return sub.Status == gobilling.StatusActive && sub.Plan != gobilling.PlanFree &&
			sub.CurrentPeriodEnd.After(from) && !sub.CurrentPeriodEnd.After(to) &&
			(sub.LastWarnedAt == nil || sub.LastWarnedAt.Before(sub.CurrentPeriodEnd.Add(-window)))
	}), nil
}

func (s *Storage) FindLapsed(_ context.Context, now time.Time) ([]*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectSubscriptions(func(sub *gobilling.Subscription) bool {
		return (sub.Status == gobilling.StatusActive || sub.Status == gobilling.StatusPastDue) &&
			sub.Plan != gobilling.PlanFree && sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd.Before(now)
	}), nil
}

func (s *Storage) FindOrphaned(_ context.Context) ([]*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	covered := make(map[string]bool)
	for _, sub := range s.subscriptions {
		if sub.Status.GrantsAccess() {
			covered[sub.UserID] = true
		}
	}
	return s.selectSubscriptions(func(sub *gobilling.Subscription) bool {
		return (sub.Status == gobilling.StatusExpired || sub.Status == gobilling.StatusCanceled) &&
			sub.Plan != gobilling.PlanFree && !covered[sub.UserID]
	}), nil
}

func (s *Storage) FindStalePastDue(_ context.Context, cutoff time.Time) ([]*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectSubscriptions(func(sub *gobilling.Subscription) bool {
		return sub.Status == gobilling.StatusPastDue && sub.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *Storage) ListActivePaid(_ context.Context) ([]*gobilling.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectSubscriptions(func(sub *gobilling.Subscription) bool {
		return sub.Status == gobilling.StatusActive && sub.Plan != gobilling.PlanFree
	}), nil
}

// hasActive reports whether userID has an active subscription other than exceptID.
func (s *Storage) hasActive(userID, exceptID string) bool {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.ID != exceptID && sub.Status == gobilling.StatusActive {
			return true
		}
	}
	return false
}

// selectSubscriptions returns copies of matching subscriptions ordered by id.
func (s *Storage) selectSubscriptions(match func(*gobilling.Subscription) bool) []*gobilling.Subscription {
	var out []*gobilling.Subscription
	for _, sub := range s.subscriptions {
		if match(sub) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newest(subs map[string]*gobilling.Subscription, match func(*gobilling.Subscription) bool) (*gobilling.Subscription, error) {
	var found *gobilling.Subscription
	for _, sub := range subs {
		if !match(sub) {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	return found.Clone(), nil
}

// ---- history ----

func (s *Storage) AppendHistory(_ context.Context, entry *gobilling.HistoryEntry, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := entry.CreatedAt.Add(-window)
	for _, h := range s.history {
		if h.SubscriptionID == entry.SubscriptionID && h.ChangeType == entry.ChangeType &&
			h.CreatedAt.After(since) && !h.CreatedAt.After(entry.CreatedAt.Add(window)) {
			return false, nil
		}
	}
	cp := *entry
	s.history = append(s.history, &cp)
	return true, nil
}

func (s *Storage) ListHistory(_ context.Context, userID string) ([]*gobilling.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gobilling.HistoryEntry
	for _, h := range s.history {
		if h.UserID == userID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- payments ----

func (s *Storage) RecordPayment(_ context.Context, p *gobilling.Payment) (bool, error) {
	if p == nil || p.ProviderInvoiceID == "" {
		return false, fmt.Errorf("invalid payment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.payments[p.ProviderInvoiceID]
	if !ok {
		cp := *p
		s.payments[p.ProviderInvoiceID] = &cp
		return true, nil
	}
	if cur.Status == p.Status {
		return false, nil
	}
	cur.Status = p.Status
	cur.UpdatedAt = p.UpdatedAt
	if cur.SubscriptionID == "" {
		cur.SubscriptionID = p.SubscriptionID
	}
	return true, nil
}

func (s *Storage) GetPayment(_ context.Context, invoiceID string) (*gobilling.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[invoiceID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Storage) ListPayments(_ context.Context, subscriptionID string) ([]*gobilling.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gobilling.Payment
	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- helpers ----

func matchesFilter(ev *gobilling.WebhookEvent, f gobilling.EventFilter) bool {
	switch {
	case f.Type != "" && ev.Type != f.Type:
		return false
	case f.Status != "" && ev.Status != f.Status:
		return false
	case f.CustomerID != "" && ev.CustomerID != f.CustomerID:
		return false
	case f.UserID != "" && ev.UserID != f.UserID:
		return false
	case f.From != nil && ev.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && ev.CreatedAt.After(*f.To):
		return false
	}
	return true
}

func finish(ev *gobilling.WebhookEvent, took time.Duration, at time.Time) {
	ms := took.Milliseconds()
	ev.ProcessingTimeMs = &ms
	ev.ProcessedAt = &at
	ev.UpdatedAt = at
}

func cloneEvent(ev *gobilling.WebhookEvent) *gobilling.WebhookEvent {
	cp := *ev
	if ev.Headers != nil {
		cp.Headers = make(map[string]string, len(ev.Headers))
		for k, v := range ev.Headers {
			cp.Headers[k] = v
		}
	}
	cp.RawPayload = append([]byte(nil), ev.RawPayload...)
	cp.ParsedData = append([]byte(nil), ev.ParsedData...)
	cp.NextRetryAt = copyTime(ev.NextRetryAt)
	cp.ProcessedAt = copyTime(ev.ProcessedAt)
	if ev.ProcessingTimeMs != nil {
		ms := *ev.ProcessingTimeMs
		cp.ProcessingTimeMs = &ms
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
