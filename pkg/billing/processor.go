package billing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Method   string
	Header   http.Header
	SourceIP string
	Body     []byte
}

// Receipt describes how a delivery or retry was settled.
type Receipt struct {
	// EventID is the id of the webhook_events row.
	EventID string
	Result  Result
}

// Processor runs deliveries through log, verify, deduplicate, route and settle.
type Processor struct {
	store    gobilling.EventLog
	provider Provider
	router   *Router

	policy         RetryPolicy
	handlerTimeout time.Duration
	clock          gobilling.Clock
	logger         gobilling.Logger
	metrics        Metrics
	notifier       gobilling.Notifier
}

// NewProcessor creates a processor for one provider.
func NewProcessor(store gobilling.EventLog, provider Provider, router *Router, config ProcessorConfig) (*Processor, error) {
	if store == nil || provider == nil || router == nil {
		return nil, ErrProviderNotConfigured
	}

	p := &Processor{
		store:          store,
		provider:       provider,
		router:         router,
		policy:         config.RetryPolicy.withDefaults(),
		handlerTimeout: config.HandlerTimeout,
		clock:          config.Clock,
		logger:         config.Logger,
		metrics:        config.Metrics,
		notifier:       config.Notifier,
	}
	if p.handlerTimeout <= 0 {
		p.handlerTimeout = 30 * time.Second
	}
	if p.clock == nil {
		p.clock = gobilling.SystemClock{}
	}
	if p.logger == nil {
		p.logger = &gobilling.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &NoopMetrics{}
	}
	if p.notifier == nil {
		p.notifier = &gobilling.NoopNotifier{}
	}
	return p, nil
}

// Provider returns the provider deliveries are verified with.
func (p *Processor) Provider() Provider {
	return p.provider
}

// Store returns the event log.
func (p *Processor) Store() gobilling.EventLog {
	return p.store
}

// Ingest logs, verifies and processes a delivery. The error is non-nil only
// when the delivery failed verification (IsVerificationError) or could not
// be logged; processing failures are reported through the receipt.
func (p *Processor) Ingest(ctx context.Context, d Delivery) (*Receipt, error) {
	ctx = context.WithoutCancel(ctx)
	now := p.clock.Now()
	name := p.provider.Name()

	row := &gobilling.WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   name,
		Status:     gobilling.EventPending,
		MaxRetries: p.policy.MaxRetries,
		Method:     d.Method,
		Headers:    flattenHeader(d.Header),
		SourceIP:   d.SourceIP,
		RawPayload: d.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.LogAttempt(ctx, row); err != nil {
		p.metrics.RecordWebhookError(name, "storage")
		return nil, fmt.Errorf("log webhook attempt: %w", err)
	}

	ev, err := p.provider.Verify(d.Body, d.Header)
	if err != nil {
		p.metrics.RecordWebhookError(name, "auth_failed")
		p.logger.Warn("webhook verification failed",
			gobilling.Field{Key: "event_id", Value: row.ID},
			gobilling.Field{Key: "provider", Value: name},
			gobilling.Field{Key: "source_ip", Value: d.SourceIP},
			gobilling.Field{Key: "error", Value: err.Error()},
		)
		if merr := p.store.MarkFailed(ctx, row.ID, gobilling.FailureUpdate{
			Status: gobilling.EventFailed,
			Error:  err.Error(),
			At:     p.clock.Now(),
		}); merr != nil {
			p.logger.Error("failed to record verification failure",
				gobilling.Field{Key: "event_id", Value: row.ID}, gobilling.Field{Key: "error", Value: merr.Error()})
		}
		return &Receipt{EventID: row.ID, Result: Permanent(err)}, err
	}

	if err := p.store.AttachParsedEvent(ctx, row.ID, ev, p.clock.Now()); err != nil {
		// Without its verified event the row cannot be retried from the log.
		// It is failed and the 500 leaves redelivery to the provider.
		err = fmt.Errorf("store parsed event: %w", err)
		p.metrics.RecordWebhookError(name, "storage")
		p.settle(ctx, row.ID, ev, ev.Type, Permanent(err), 0, row.MaxRetries, 0)
		return &Receipt{EventID: row.ID, Result: Retryable(err)}, nil
	}

	if rec := p.skipDuplicate(ctx, row.ID, ev, 0, row.MaxRetries); rec != nil {
		return rec, nil
	}
	return p.run(ctx, row.ID, ev, 0, row.MaxRetries), nil
}

// skipDuplicate marks id ignored when another delivery of the same provider
// event has completed. A failed lookup is settled as a retryable failure.
// It returns nil when id should be processed.
func (p *Processor) skipDuplicate(ctx context.Context, id string, ev *gobilling.Event, retryCount, maxRetries int) *Receipt {
	dup, err := p.store.FindDuplicate(ctx, ev.ID, id)
	if err != nil {
		res := Retryable(fmt.Errorf("find duplicate: %w", err))
		p.metrics.RecordWebhookError(p.provider.Name(), "storage")
		p.settle(ctx, id, ev, ev.Type, res, retryCount, maxRetries, 0)
		return &Receipt{EventID: id, Result: res}
	}
	if dup == nil {
		return nil
	}

	reason := "duplicate of " + dup.ID
	if err := p.store.MarkIgnored(ctx, id, reason, 0, p.clock.Now()); err != nil {
		p.logger.Error("failed to mark duplicate",
			gobilling.Field{Key: "event_id", Value: id}, gobilling.Field{Key: "error", Value: err.Error()})
	}
	p.metrics.RecordWebhookEvent(p.provider.Name(), ev.Type, "duplicate")
	p.logger.Info("duplicate webhook delivery ignored",
		gobilling.Field{Key: "event_id", Value: id},
		gobilling.Field{Key: "provider_event_id", Value: ev.ID},
		gobilling.Field{Key: "original_id", Value: dup.ID},
	)
	return &Receipt{EventID: id, Result: Ignored(reason)}
}

// Reprocess routes a logged event again from its stored normalized form.
// The signature is not checked again. A delivery of the same provider event
// that completed in the meantime makes this one a duplicate.
func (p *Processor) Reprocess(ctx context.Context, row *gobilling.WebhookEvent) *Receipt {
	ctx = context.WithoutCancel(ctx)
	maxRetries := row.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.policy.MaxRetries
	}

	if !row.SignatureVerified {
		err := fmt.Errorf("%w: event %s was never verified", ErrInvalidWebhookSignature, row.ID)
		p.settle(ctx, row.ID, nil, row.Type, Permanent(err), row.RetryCount, maxRetries, 0)
		return &Receipt{EventID: row.ID, Result: Permanent(err)}
	}
	ev, err := row.Event()
	if err != nil {
		p.settle(ctx, row.ID, nil, row.Type, Permanent(err), row.RetryCount, maxRetries, 0)
		return &Receipt{EventID: row.ID, Result: Permanent(err)}
	}
	if rec := p.skipDuplicate(ctx, row.ID, ev, row.RetryCount, maxRetries); rec != nil {
		return rec
	}
	return p.run(ctx, row.ID, ev, row.RetryCount, maxRetries)
}

func (p *Processor) run(ctx context.Context, id string, ev *gobilling.Event, retryCount, maxRetries int) *Receipt {
	if err := p.store.MarkProcessing(ctx, id, p.clock.Now()); err != nil {
		res := Retryable(fmt.Errorf("mark processing: %w", err))
		p.metrics.RecordWebhookError(p.provider.Name(), "storage")
		p.settle(ctx, id, ev, ev.Type, res, retryCount, maxRetries, 0)
		return &Receipt{EventID: id, Result: res}
	}

	start := time.Now()
	res := p.dispatch(ctx, ev)
	took := time.Since(start)
	p.metrics.RecordWebhookProcessingDuration(p.provider.Name(), ev.Type, took)

	p.settle(ctx, id, ev, ev.Type, res, retryCount, maxRetries, took)
	return &Receipt{EventID: id, Result: res}
}

// dispatch routes ev within the handler budget. A panicking handler is a
// retryable failure.
func (p *Processor) dispatch(ctx context.Context, ev *gobilling.Event) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("webhook handler panicked",
				gobilling.Field{Key: "provider_event_id", Value: ev.ID},
				gobilling.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
			res = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return p.router.Route(ctx, ev)
}

func (p *Processor) settle(ctx context.Context, id string, ev *gobilling.Event, eventType string, res Result,
	retryCount, maxRetries int, took time.Duration) {
	name := p.provider.Name()
	now := p.clock.Now()
	fields := []gobilling.Field{
		{Key: "event_id", Value: id},
		{Key: "provider", Value: name},
		{Key: "type", Value: eventType},
	}
	if ev != nil {
		fields = append(fields, gobilling.Field{Key: "provider_event_id", Value: ev.ID})
	}

	var err error
	switch res.Outcome {
	case OutcomeOK:
		err = p.store.MarkCompleted(ctx, id, association(ev, res.Subscription), took, now)
		p.metrics.RecordWebhookEvent(name, eventType, "completed")
		p.logger.Info("webhook processed", append(fields, gobilling.Field{Key: "took_ms", Value: took.Milliseconds()})...)

	case OutcomeIgnored:
		err = p.store.MarkIgnored(ctx, id, res.Reason, took, now)
		p.metrics.RecordWebhookEvent(name, eventType, "ignored")
		p.logger.Debug("webhook ignored", append(fields, gobilling.Field{Key: "reason", Value: res.Reason})...)

	case OutcomeRetryable:
		attempts := retryCount + 1
		upd := gobilling.FailureUpdate{
			RetryCount:     attempts,
			Error:          res.Err.Error(),
			ProcessingTime: took,
			At:             now,
		}
		if p.policy.Exhausted(attempts, maxRetries) {
			upd.Status = gobilling.EventFailed
			err = p.store.MarkFailed(ctx, id, upd)
			p.exhausted(ctx, id, ev, eventType, res.Err, fields)
		} else {
			next := now.Add(p.policy.Backoff(attempts))
			upd.Status = gobilling.EventPending
			upd.NextRetryAt = &next
			err = p.store.MarkFailed(ctx, id, upd)
			p.metrics.RecordWebhookError(name, "retryable")
			p.metrics.RecordWebhookEvent(name, eventType, "retry_scheduled")
			p.logger.Warn("webhook processing failed, retry scheduled", append(fields,
				gobilling.Field{Key: "retry_count", Value: attempts},
				gobilling.Field{Key: "next_retry_at", Value: next},
				gobilling.Field{Key: "error", Value: res.Err.Error()},
			)...)
		}

	case OutcomePermanent:
		err = p.store.MarkFailed(ctx, id, gobilling.FailureUpdate{
			Status:         gobilling.EventFailed,
			RetryCount:     maxRetries,
			Error:          res.Err.Error(),
			ProcessingTime: took,
			At:             now,
		})
		p.metrics.RecordWebhookError(name, "permanent")
		p.metrics.RecordWebhookEvent(name, eventType, "failed")
		p.logger.Error("webhook processing failed permanently",
			append(fields, gobilling.Field{Key: "error", Value: res.Err.Error()})...)
	}

	if err != nil {
		p.metrics.RecordWebhookError(name, "storage")
		p.logger.Error("failed to record webhook outcome",
			append(fields, gobilling.Field{Key: "outcome", Value: res.Outcome.String()}, gobilling.Field{Key: "error", Value: err.Error()})...)
	}
}

// exhausted raises the retry exhausted alert.
func (p *Processor) exhausted(ctx context.Context, id string, ev *gobilling.Event, eventType string, cause error, fields []gobilling.Field) {
	p.metrics.RecordRetryExhausted(p.provider.Name(), eventType)
	p.metrics.RecordWebhookEvent(p.provider.Name(), eventType, "failed")
	p.logger.Error(ErrRetryExhausted.Error(), append(fields, gobilling.Field{Key: "error", Value: cause.Error()})...)

	n := gobilling.Notification{
		Type: gobilling.NotifyRetryExhausted,
		At:   p.clock.Now(),
		Data: map[string]string{
			"event_id": id,
			"type":     eventType,
			"error":    cause.Error(),
		},
	}
	if ev != nil {
		n.UserID = ev.UserID
		n.Data["provider_event_id"] = ev.ID
		n.Data["subscription_id"] = ev.SubscriptionID
	}
	if err := p.notifier.Notify(ctx, n); err != nil {
		p.logger.Warn("notification not published",
			gobilling.Field{Key: "type", Value: string(n.Type)}, gobilling.Field{Key: "error", Value: err.Error()})
	}
}

func association(ev *gobilling.Event, sub *gobilling.Subscription) gobilling.Association {
	var a gobilling.Association
	if ev != nil {
		a = gobilling.Association{CustomerID: ev.CustomerID, SubscriptionID: ev.SubscriptionID, UserID: ev.UserID}
	}
	if sub != nil {
		a.UserID = sub.UserID
		if a.CustomerID == "" {
			a.CustomerID = sub.ProviderCustomerID
		}
		if a.SubscriptionID == "" {
			a.SubscriptionID = sub.ProviderSubscriptionID
		}
	}
	return a
}

// flattenHeader keeps the first value of every header. Authorization is
// redacted before it is persisted.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if strings.EqualFold(k, "Authorization") {
			out[k] = "[redacted " + strconv.Itoa(len(v[0])) + " bytes]"
			continue
		}
		out[k] = v[0]
	}
	return out
}
