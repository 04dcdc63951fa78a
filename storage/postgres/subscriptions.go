package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

const subscriptionColumns = `id, user_id, plan, status, provider_customer_id, provider_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end, last_warned_at,
	version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*gobilling.Subscription, error) {
	var sub gobilling.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Plan, &sub.Status, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.LastWarnedAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Storage) getSubscription(ctx context.Context, where string, args ...any) (*gobilling.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY created_at DESC LIMIT 1`, args...))
	if noRows(err) {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *Storage) listSubscriptions(ctx context.Context, query string, args ...any) ([]*gobilling.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*gobilling.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSubscription implements gobilling.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, id string) (*gobilling.Subscription, error) {
	return s.getSubscription(ctx, `id = $1`, id)
}

// GetCurrentSubscription implements gobilling.SubscriptionStore
func (s *Storage) GetCurrentSubscription(ctx context.Context, userID string) (*gobilling.Subscription, error) {
	return s.getSubscription(ctx, `user_id = $1 AND status = ANY($2)`, userID, nonTerminal())
}

// GetByProviderSubscription implements gobilling.SubscriptionStore
func (s *Storage) GetByProviderSubscription(ctx context.Context, providerSubscriptionID string) (*gobilling.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	return s.getSubscription(ctx, `provider_subscription_id = $1`, providerSubscriptionID)
}

// FindByCustomer implements gobilling.SubscriptionStore
func (s *Storage) FindByCustomer(ctx context.Context, customerID string) (*gobilling.Subscription, error) {
	if customerID == "" {
		return nil, gobilling.ErrSubscriptionNotFound
	}
	return s.getSubscription(ctx, `provider_customer_id = $1`, customerID)
}

// ListUserSubscriptions implements gobilling.SubscriptionStore
func (s *Storage) ListUserSubscriptions(ctx context.Context, userID string) ([]*gobilling.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// CreateSubscription implements gobilling.SubscriptionStore
func (s *Storage) CreateSubscription(ctx context.Context, sub *gobilling.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
		sub.ID, sub.UserID, sub.Plan, sub.Status, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.LastWarnedAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err, oneActiveConstraint) {
		return gobilling.ErrActiveSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	sub.Version = 1
	return nil
}

// UpdateSubscription implements gobilling.SubscriptionStore
func (s *Storage) UpdateSubscription(ctx context.Context, sub *gobilling.Subscription, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				plan = $3, status = $4, provider_customer_id = $5, provider_subscription_id = $6,
				current_period_start = $7, current_period_end = $8, cancel_at_period_end = $9,
				last_warned_at = $10, updated_at = $11, version = version + 1
			WHERE id = $1 AND version = $2`,
		sub.ID, expectedVersion, sub.Plan, sub.Status, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.LastWarnedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err, oneActiveConstraint) {
		return gobilling.ErrActiveSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSubscription(ctx, sub.ID); err != nil {
			return err
		}
		return gobilling.ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	return nil
}

// FindExpiring implements gobilling.SubscriptionStore
func (s *Storage) FindExpiring(ctx context.Context, from, to time.Time, window time.Duration) ([]*gobilling.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND plan <> $2 AND current_period_end > $3 AND current_period_end <= $4
				AND (last_warned_at IS NULL OR last_warned_at < current_period_end - make_interval(secs => $5))
			ORDER BY id`,
		gobilling.StatusActive, gobilling.PlanFree, from, to, window.Seconds())
}

// FindLapsed implements gobilling.SubscriptionStore
func (s *Storage) FindLapsed(ctx context.Context, now time.Time) ([]*gobilling.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status IN ($1, $2) AND plan <> $3 AND cancel_at_period_end AND current_period_end < $4
			ORDER BY id`,
		gobilling.StatusActive, gobilling.StatusPastDue, gobilling.PlanFree, now)
}

// FindOrphaned implements gobilling.SubscriptionStore
func (s *Storage) FindOrphaned(ctx context.Context) ([]*gobilling.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions s
			WHERE s.status IN ($1, $2) AND s.plan <> $3
			AND NOT EXISTS (
				SELECT 1 FROM subscriptions c
				WHERE c.user_id = s.user_id AND c.status IN ($4, $5)
			)
			ORDER BY s.id`,
		gobilling.StatusExpired, gobilling.StatusCanceled, gobilling.PlanFree,
		gobilling.StatusActive, gobilling.StatusPastDue)
}

// FindStalePastDue implements gobilling.SubscriptionStore
func (s *Storage) FindStalePastDue(ctx context.Context, cutoff time.Time) ([]*gobilling.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND updated_at < $2
			ORDER BY id`,
		gobilling.StatusPastDue, cutoff)
}

// ListActivePaid implements gobilling.SubscriptionStore
func (s *Storage) ListActivePaid(ctx context.Context) ([]*gobilling.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1 AND plan <> $2
			ORDER BY id`,
		gobilling.StatusActive, gobilling.PlanFree)
}

func nonTerminal() []string {
	return []string{
		string(gobilling.StatusActive),
		string(gobilling.StatusPastDue),
		string(gobilling.StatusIncomplete),
	}
}

// AppendHistory implements gobilling.HistoryStore. A transaction-scoped
// advisory lock on (subscription, change type) serializes the dedup check
// with the insert.
func (s *Storage) AppendHistory(ctx context.Context, entry *gobilling.HistoryEntry, window time.Duration) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		entry.SubscriptionID+"|"+string(entry.ChangeType)); err != nil {
		return false, fmt.Errorf("failed to lock history key: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
				SELECT 1 FROM subscription_history
				WHERE subscription_id = $1 AND change_type = $2 AND created_at > $3 AND created_at <= $4
			)`,
		entry.SubscriptionID, entry.ChangeType, entry.CreatedAt.Add(-window), entry.CreatedAt.Add(window)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check history: %w", err)
	}
	if exists {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO subscription_history
				(id, user_id, subscription_id, change_type, previous_plan, new_plan, effective_date, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.UserID, entry.SubscriptionID, entry.ChangeType, entry.PreviousPlan, entry.NewPlan,
		entry.EffectiveDate, entry.Notes, entry.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ListHistory implements gobilling.HistoryStore
func (s *Storage) ListHistory(ctx context.Context, userID string) ([]*gobilling.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, subscription_id, change_type, previous_plan, new_plan, effective_date, notes, created_at
			FROM subscription_history WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*gobilling.HistoryEntry
	for rows.Next() {
		var h gobilling.HistoryEntry
		if err := rows.Scan(&h.ID, &h.UserID, &h.SubscriptionID, &h.ChangeType, &h.PreviousPlan, &h.NewPlan,
			&h.EffectiveDate, &h.Notes, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

const paymentColumns = `id, provider_invoice_id, subscription_id, user_id, amount_minor, amount::text,
	currency, status, created_at, updated_at`

func scanPayment(row pgx.Row) (*gobilling.Payment, error) {
	var p gobilling.Payment
	var amount string
	if err := row.Scan(&p.ID, &p.ProviderInvoiceID, &p.SubscriptionID, &p.UserID, &p.AmountMinor, &amount,
		&p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	p.Amount = d
	return &p, nil
}

// RecordPayment implements gobilling.PaymentStore. The upsert only touches
// an existing invoice when its status differs.
func (s *Storage) RecordPayment(ctx context.Context, p *gobilling.Payment) (bool, error) {
	if p == nil || p.ProviderInvoiceID == "" {
		return false, fmt.Errorf("invalid payment")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	amount := p.Amount
	if amount.IsZero() && p.AmountMinor != 0 {
		amount = gobilling.AmountFromMinor(p.AmountMinor)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, provider_invoice_id, subscription_id, user_id, amount_minor, amount,
				currency, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
			ON CONFLICT (provider_invoice_id) DO UPDATE SET
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at,
				subscription_id = COALESCE(NULLIF(payments.subscription_id, ''), EXCLUDED.subscription_id)
			WHERE payments.status <> EXCLUDED.status`,
		p.ID, p.ProviderInvoiceID, p.SubscriptionID, p.UserID, p.AmountMinor, amount.StringFixed(2),
		p.Currency, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPayment implements gobilling.PaymentStore
func (s *Storage) GetPayment(ctx context.Context, invoiceID string) (*gobilling.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_invoice_id = $1`, invoiceID))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments implements gobilling.PaymentStore
func (s *Storage) ListPayments(ctx context.Context, subscriptionID string) ([]*gobilling.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE subscription_id = $1 ORDER BY created_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*gobilling.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
