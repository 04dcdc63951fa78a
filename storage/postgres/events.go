package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const eventColumns = `id, provider, provider_event_id, type, kind, status, signature_verified,
	retry_count, max_retries, next_retry_at, processing_time_ms, method, headers, source_ip,
	raw_payload, parsed_data, error, customer_id, subscription_id, user_id,
	created_at, updated_at, processed_at`

func scanEvent(row pgx.Row) (*gobilling.WebhookEvent, error) {
	var ev gobilling.WebhookEvent
	var headers map[string]string
	err := row.Scan(
		&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.Type, &ev.Kind, &ev.Status, &ev.SignatureVerified,
		&ev.RetryCount, &ev.MaxRetries, &ev.NextRetryAt, &ev.ProcessingTimeMs, &ev.Method, &headers, &ev.SourceIP,
		&ev.RawPayload, &ev.ParsedData, &ev.Error, &ev.CustomerID, &ev.SubscriptionID, &ev.UserID,
		&ev.CreatedAt, &ev.UpdatedAt, &ev.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Headers = headers
	return &ev, nil
}

func collectEvents(rows pgx.Rows) ([]*gobilling.WebhookEvent, error) {
	defer rows.Close()
	var out []*gobilling.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LogAttempt implements gobilling.EventLog
func (s *Storage) LogAttempt(ctx context.Context, ev *gobilling.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid webhook event")
	}
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		ev.ID, ev.Provider, ev.ProviderEventID, ev.Type, ev.Kind, ev.Status, ev.SignatureVerified,
		ev.RetryCount, ev.MaxRetries, ev.NextRetryAt, ev.ProcessingTimeMs, ev.Method, headers, ev.SourceIP,
		ev.RawPayload, nullableJSON(ev.ParsedData), ev.Error, ev.CustomerID, ev.SubscriptionID, ev.UserID,
		ev.CreatedAt, ev.UpdatedAt, ev.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log webhook event: %w", err)
	}
	return nil
}

// AttachParsedEvent implements gobilling.EventLog
func (s *Storage) AttachParsedEvent(ctx context.Context, id string, parsed *gobilling.Event, at time.Time) error {
	data, err := gobilling.EncodeEvent(parsed)
	if err != nil {
		return err
	}
	return s.execEvent(ctx, id,
		`UPDATE webhook_events SET provider_event_id = $2, type = $3, kind = $4, parsed_data = $5,
			signature_verified = TRUE, customer_id = $6, subscription_id = $7, user_id = $8, updated_at = $9
			WHERE id = $1`,
		id, parsed.ID, parsed.Type, parsed.Kind, data, parsed.CustomerID, parsed.SubscriptionID, parsed.UserID, at)
}

// MarkProcessing implements gobilling.EventLog
func (s *Storage) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	return s.execEvent(ctx, id,
		`UPDATE webhook_events SET status = $2, updated_at = $3 WHERE id = $1`,
		id, gobilling.EventProcessing, at)
}

// MarkCompleted implements gobilling.EventLog
func (s *Storage) MarkCompleted(ctx context.Context, id string, assoc gobilling.Association, took time.Duration, at time.Time) error {
	return s.execEvent(ctx, id,
		`UPDATE webhook_events SET status = $2, next_retry_at = NULL, error = '',
			customer_id = COALESCE(NULLIF($3, ''), customer_id),
			subscription_id = COALESCE(NULLIF($4, ''), subscription_id),
			user_id = COALESCE(NULLIF($5, ''), user_id),
			processing_time_ms = $6, processed_at = $7, updated_at = $7
			WHERE id = $1`,
		id, gobilling.EventCompleted, assoc.CustomerID, assoc.SubscriptionID, assoc.UserID, took.Milliseconds(), at)
}

// MarkIgnored implements gobilling.EventLog
func (s *Storage) MarkIgnored(ctx context.Context, id string, reason string, took time.Duration, at time.Time) error {
	return s.execEvent(ctx, id,
		`UPDATE webhook_events SET status = $2, next_retry_at = NULL, error = $3,
			processing_time_ms = $4, processed_at = $5, updated_at = $5
			WHERE id = $1`,
		id, gobilling.EventIgnored, reason, took.Milliseconds(), at)
}

// MarkFailed implements gobilling.EventLog
func (s *Storage) MarkFailed(ctx context.Context, id string, upd gobilling.FailureUpdate) error {
	return s.execEvent(ctx, id,
		`UPDATE webhook_events SET status = $2, retry_count = $3, next_retry_at = $4, error = $5,
			processing_time_ms = $6, processed_at = $7, updated_at = $7
			WHERE id = $1`,
		id, upd.Status, upd.RetryCount, upd.NextRetryAt, upd.Error, upd.ProcessingTime.Milliseconds(), upd.At)
}

// ResetForRetry implements gobilling.EventLog
func (s *Storage) ResetForRetry(ctx context.Context, id string, at time.Time) error {
	return s.execEvent(ctx, id,
		`UPDATE webhook_events SET status = $2, retry_count = 0, next_retry_at = NULL, error = '', updated_at = $3
			WHERE id = $1`,
		id, gobilling.EventPending, at)
}

// FindDuplicate implements gobilling.EventLog
func (s *Storage) FindDuplicate(ctx context.Context, providerEventID, excludeID string) (*gobilling.WebhookEvent, error) {
	if providerEventID == "" {
		return nil, nil
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE provider_event_id = $1 AND id <> $2 AND status = $3
			ORDER BY created_at LIMIT 1`,
		providerEventID, excludeID, gobilling.EventCompleted))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate: %w", err)
	}
	return ev, nil
}

// GetEvent implements gobilling.EventLog
func (s *Storage) GetEvent(ctx context.Context, id string) (*gobilling.WebhookEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if noRows(err) {
		return nil, gobilling.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

// ClaimDueRetries implements gobilling.EventLog. Rows locked by a
// concurrent claim are skipped, so no delivery is handed out twice.
func (s *Storage) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*gobilling.WebhookEvent, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE webhook_events SET status = $1, updated_at = $2
			WHERE id IN (
				SELECT id FROM webhook_events
				WHERE status = $3 AND retry_count > 0 AND next_retry_at <= $2
				ORDER BY next_retry_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+eventColumns,
		gobilling.EventProcessing, now, gobilling.EventPending, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retries: %w", err)
	}
	return collectEvents(rows)
}

// ReleaseClaim implements gobilling.EventLog
func (s *Storage) ReleaseClaim(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, gobilling.EventPending, at, gobilling.EventProcessing); err != nil {
		return fmt.Errorf("failed to release webhook event %s: %w", id, err)
	}
	return nil
}

// ListEvents implements gobilling.EventLog
func (s *Storage) ListEvents(ctx context.Context, filter gobilling.EventFilter) ([]*gobilling.WebhookEvent, int, error) {
	where, args := eventWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count webhook events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list webhook events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, total, nil
}

func eventWhere(f gobilling.EventFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// DeleteEventsBefore implements gobilling.EventLog
func (s *Storage) DeleteEventsBefore(ctx context.Context, cutoff time.Time, statuses []gobilling.EventStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE created_at < $1 AND status = ANY($2)`, cutoff, names)
	if err != nil {
		return 0, fmt.Errorf("failed to delete webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EventStats implements gobilling.EventLog
func (s *Storage) EventStats(ctx context.Context, since time.Time) (*gobilling.EventStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, status, COUNT(*), COALESCE(SUM(processing_time_ms), 0), COUNT(processing_time_ms)
			FROM webhook_events WHERE created_at >= $1
			GROUP BY type, status`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate webhook events: %w", err)
	}
	defer rows.Close()

	stats := &gobilling.EventStats{
		ByType:   make(map[string]int),
		ByStatus: make(map[gobilling.EventStatus]int),
	}
	var totalMs, timed int64
	for rows.Next() {
		var (
			typ       string
			status    gobilling.EventStatus
			n         int
			sumMs, nt int64
		)
		if err := rows.Scan(&typ, &status, &n, &sumMs, &nt); err != nil {
			return nil, fmt.Errorf("failed to aggregate webhook events: %w", err)
		}
		stats.Total += n
		stats.ByType[typ] += n
		stats.ByStatus[status] += n
		totalMs += sumMs
		timed += nt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate webhook events: %w", err)
	}
	if timed > 0 {
		stats.AvgProcessingMs = float64(totalMs) / float64(timed)
	}
	return stats, nil
}

func (s *Storage) execEvent(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update webhook event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrEventNotFound
	}
	return nil
}

// nullableJSON keeps an empty document NULL instead of invalid JSON.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
