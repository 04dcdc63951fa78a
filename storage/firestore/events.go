package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// LogAttempt implements gobilling.EventLog
func (s *Storage) LogAttempt(ctx context.Context, ev *gobilling.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}
	if _, err := s.events().Doc(ev.ID).Create(ctx, eventToDoc(ev)); err != nil {
		return fmt.Errorf("failed to log webhook event %s: %w", ev.ID, err)
	}
	return nil
}

// AttachParsedEvent implements gobilling.EventLog
func (s *Storage) AttachParsedEvent(ctx context.Context, id string, parsed *gobilling.Event, at time.Time) error {
	data, err := gobilling.EncodeEvent(parsed)
	if err != nil {
		return err
	}
	return s.updateEvent(ctx, id, []firestore.Update{
		{Path: "providerEventId", Value: parsed.ID},
		{Path: "type", Value: parsed.Type},
		{Path: "kind", Value: string(parsed.Kind)},
		{Path: "parsedData", Value: data},
		{Path: "signatureVerified", Value: true},
		{Path: "customerId", Value: parsed.CustomerID},
		{Path: "subscriptionId", Value: parsed.SubscriptionID},
		{Path: "userId", Value: parsed.UserID},
		{Path: "updatedAt", Value: at},
	})
}

// MarkProcessing implements gobilling.EventLog
func (s *Storage) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	return s.updateEvent(ctx, id, []firestore.Update{
		{Path: "status", Value: string(gobilling.EventProcessing)},
		{Path: "updatedAt", Value: at},
	})
}

// MarkCompleted implements gobilling.EventLog
func (s *Storage) MarkCompleted(ctx context.Context, id string, assoc gobilling.Association,
	took time.Duration, at time.Time) error {
	updates := []firestore.Update{
		{Path: "status", Value: string(gobilling.EventCompleted)},
		{Path: "nextRetryAt", Value: nil},
		{Path: "error", Value: ""},
	}
	if assoc.CustomerID != "" {
		updates = append(updates, firestore.Update{Path: "customerId", Value: assoc.CustomerID})
	}
	if assoc.SubscriptionID != "" {
		updates = append(updates, firestore.Update{Path: "subscriptionId", Value: assoc.SubscriptionID})
	}
	if assoc.UserID != "" {
		updates = append(updates, firestore.Update{Path: "userId", Value: assoc.UserID})
	}
	return s.updateEvent(ctx, id, append(updates, finished(took, at)...))
}

// MarkIgnored implements gobilling.EventLog
func (s *Storage) MarkIgnored(ctx context.Context, id, reason string, took time.Duration, at time.Time) error {
	return s.updateEvent(ctx, id, append([]firestore.Update{
		{Path: "status", Value: string(gobilling.EventIgnored)},
		{Path: "nextRetryAt", Value: nil},
		{Path: "error", Value: reason},
	}, finished(took, at)...))
}

// MarkFailed implements gobilling.EventLog
func (s *Storage) MarkFailed(ctx context.Context, id string, upd gobilling.FailureUpdate) error {
	return s.updateEvent(ctx, id, append([]firestore.Update{
		{Path: "status", Value: string(upd.Status)},
		{Path: "retryCount", Value: upd.RetryCount},
		{Path: "nextRetryAt", Value: timeOrNil(upd.NextRetryAt)},
		{Path: "error", Value: upd.Error},
	}, finished(upd.ProcessingTime, upd.At)...))
}

// ResetForRetry implements gobilling.EventLog
func (s *Storage) ResetForRetry(ctx context.Context, id string, at time.Time) error {
	return s.updateEvent(ctx, id, []firestore.Update{
		{Path: "status", Value: string(gobilling.EventPending)},
		{Path: "retryCount", Value: 0},
		{Path: "nextRetryAt", Value: nil},
		{Path: "error", Value: ""},
		{Path: "updatedAt", Value: at},
	})
}

// FindDuplicate implements gobilling.EventLog
func (s *Storage) FindDuplicate(ctx context.Context, providerEventID, excludeID string) (*gobilling.WebhookEvent, error) {
	if providerEventID == "" {
		return nil, nil
	}
	iter := s.events().
		Where("providerEventId", "==", providerEventID).
		Where("status", "==", string(gobilling.EventCompleted)).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query duplicates: %w", err)
		}
		if snap.Ref.ID == excludeID {
			continue
		}
		return docToEvent(snap), nil
	}
}

// GetEvent implements gobilling.EventLog
func (s *Storage) GetEvent(ctx context.Context, id string) (*gobilling.WebhookEvent, error) {
	snap, err := s.events().Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, gobilling.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get webhook event %s: %w", id, err)
	}
	return docToEvent(snap), nil
}

// ClaimDueRetries implements gobilling.EventLog.
// Candidates are selected outside the transaction and re-checked inside it, so
// a document claimed by another worker in the meantime is skipped.
func (s *Storage) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*gobilling.WebhookEvent, error) {
	q := s.events().
		Where("status", "==", string(gobilling.EventPending)).
		Where("nextRetryAt", "<=", now).
		OrderBy("nextRetryAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(snaps))
	for _, snap := range snaps {
		refs = append(refs, snap.Ref)
	}

	var claimed []*gobilling.WebhookEvent
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		claimed = claimed[:0]
		current, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, snap := range current {
			if !snap.Exists() {
				continue
			}
			ev := docToEvent(snap)
			if ev.Status != gobilling.EventPending || ev.RetryCount == 0 ||
				ev.NextRetryAt == nil || ev.NextRetryAt.After(now) {
				continue
			}
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "status", Value: string(gobilling.EventProcessing)},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
			ev.Status = gobilling.EventProcessing
			ev.UpdatedAt = now
			claimed = append(claimed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due retries: %w", err)
	}
	return claimed, nil
}

// ReleaseClaim implements gobilling.EventLog
func (s *Storage) ReleaseClaim(ctx context.Context, id string, at time.Time) error {
	ref := s.events().Doc(id)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if docToEvent(snap).Status != gobilling.EventProcessing {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(gobilling.EventPending)},
			{Path: "updatedAt", Value: at},
		})
	})
	if isNotFound(err) {
		return gobilling.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to release webhook event %s: %w", id, err)
	}
	return nil
}

// ListEvents implements gobilling.EventLog
func (s *Storage) ListEvents(ctx context.Context, filter gobilling.EventFilter) ([]*gobilling.WebhookEvent, int, error) {
	q := s.events().Query
	if filter.Type != "" {
		q = q.Where("type", "==", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}
	if filter.CustomerID != "" {
		q = q.Where("customerId", "==", filter.CustomerID)
	}
	if filter.UserID != "" {
		q = q.Where("userId", "==", filter.UserID)
	}
	if filter.From != nil {
		q = q.Where("createdAt", ">=", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("createdAt", "<=", *filter.To)
	}

	total, err := count(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	page := q.OrderBy("createdAt", firestore.Desc)
	if filter.Offset > 0 {
		page = page.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		page = page.Limit(filter.Limit)
	}
	snaps, err := page.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list webhook events: %w", err)
	}
	out := make([]*gobilling.WebhookEvent, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, docToEvent(snap))
	}
	return out, total, nil
}

// DeleteEventsBefore implements gobilling.EventLog
func (s *Storage) DeleteEventsBefore(ctx context.Context, cutoff time.Time, statuses []gobilling.EventStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	iter := s.events().
		Where("createdAt", "<", cutoff).
		Where("status", "in", names).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to query expired webhook events: %w", err)
		}
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to queue delete of %s: %w", snap.Ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var deleted int64
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return deleted, fmt.Errorf("failed to delete webhook event: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// EventStats implements gobilling.EventLog
func (s *Storage) EventStats(ctx context.Context, since time.Time) (*gobilling.EventStats, error) {
	iter := s.events().Where("createdAt", ">=", since).Documents(ctx)
	defer iter.Stop()

	stats := &gobilling.EventStats{
		ByType:   make(map[string]int),
		ByStatus: make(map[gobilling.EventStatus]int),
	}
	var totalMs, timed int64
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate webhook events: %w", err)
		}
		ev := docToEvent(snap)
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

func (s *Storage) updateEvent(ctx context.Context, id string, updates []firestore.Update) error {
	if _, err := s.events().Doc(id).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return gobilling.ErrEventNotFound
		}
		return fmt.Errorf("failed to update webhook event %s: %w", id, err)
	}
	return nil
}

func count(ctx context.Context, q firestore.Query) (int, error) {
	res, err := q.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook events: %w", err)
	}
	switch v := res["total"].(type) {
	case *firestorepb.Value:
		return int(v.GetIntegerValue()), nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unexpected count result %T", v)
	}
}

func finished(took time.Duration, at time.Time) []firestore.Update {
	return []firestore.Update{
		{Path: "processingTimeMs", Value: took.Milliseconds()},
		{Path: "processedAt", Value: at},
		{Path: "updatedAt", Value: at},
	}
}

func eventToDoc(ev *gobilling.WebhookEvent) map[string]interface{} {
	headers := make(map[string]interface{}, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[k] = v
	}
	var took interface{}
	if ev.ProcessingTimeMs != nil {
		took = *ev.ProcessingTimeMs
	}
	status := ev.Status
	if status == "" {
		status = gobilling.EventPending
	}
	return map[string]interface{}{
		"provider":          ev.Provider,
		"providerEventId":   ev.ProviderEventID,
		"type":              ev.Type,
		"kind":              string(ev.Kind),
		"status":            string(status),
		"signatureVerified": ev.SignatureVerified,
		"retryCount":        ev.RetryCount,
		"maxRetries":        ev.MaxRetries,
		"nextRetryAt":       timeOrNil(ev.NextRetryAt),
		"processingTimeMs":  took,
		"method":            ev.Method,
		"headers":           headers,
		"sourceIp":          ev.SourceIP,
		"rawPayload":        ev.RawPayload,
		"parsedData":        ev.ParsedData,
		"error":             ev.Error,
		"customerId":        ev.CustomerID,
		"subscriptionId":    ev.SubscriptionID,
		"userId":            ev.UserID,
		"createdAt":         ev.CreatedAt,
		"updatedAt":         ev.UpdatedAt,
		"processedAt":       timeOrNil(ev.ProcessedAt),
	}
}

func docToEvent(snap *firestore.DocumentSnapshot) *gobilling.WebhookEvent {
	data := snap.Data()
	ev := &gobilling.WebhookEvent{
		ID:                snap.Ref.ID,
		Provider:          getString(data, "provider"),
		ProviderEventID:   getString(data, "providerEventId"),
		Type:              getString(data, "type"),
		Kind:              gobilling.EventType(getString(data, "kind")),
		Status:            gobilling.EventStatus(getString(data, "status")),
		SignatureVerified: getBool(data, "signatureVerified"),
		RetryCount:        getInt(data, "retryCount"),
		MaxRetries:        getInt(data, "maxRetries"),
		NextRetryAt:       getTimePtr(data, "nextRetryAt"),
		Method:            getString(data, "method"),
		SourceIP:          getString(data, "sourceIp"),
		RawPayload:        getBytes(data, "rawPayload"),
		ParsedData:        getBytes(data, "parsedData"),
		Error:             getString(data, "error"),
		CustomerID:        getString(data, "customerId"),
		SubscriptionID:    getString(data, "subscriptionId"),
		UserID:            getString(data, "userId"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
		ProcessedAt:       getTimePtr(data, "processedAt"),
	}
	if _, ok := data["processingTimeMs"]; ok && data["processingTimeMs"] != nil {
		ms := int64(getInt(data, "processingTimeMs"))
		ev.ProcessingTimeMs = &ms
	}
	if raw, ok := data["headers"].(map[string]interface{}); ok {
		ev.Headers = make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok {
				ev.Headers[k] = str
			}
		}
	}
	return ev
}
