package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const signatureHeader = "X-Fake-Signature"

// fakeProvider accepts JSON encoded gobilling.Event payloads signed with
// the header value "valid".
type fakeProvider struct {
	unconfigured bool
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Configured() bool { return !p.unconfigured }

func (p *fakeProvider) Verify(payload []byte, header http.Header) (*gobilling.Event, error) {
	if header.Get(signatureHeader) != "valid" {
		return nil, fmt.Errorf("%w: signature mismatch", billing.ErrInvalidWebhookSignature)
	}
	var ev gobilling.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	ev.Provider = "fake"
	return &ev, nil
}

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

func (r *recordingNotifier) ofType(t gobilling.NotificationType) []gobilling.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []gobilling.Notification
	for _, n := range r.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type env struct {
	store     *memory.Storage
	clock     *gobilling.ManualClock
	machine   *gobilling.Machine
	notifier  *recordingNotifier
	provider  *fakeProvider
	processor *billing.Processor
}

// newEnv builds a processor over the memory store. A nil router routes to
// the state machine.
func newEnv(t *testing.T, router *billing.Router) *env {
	t.Helper()
	e := &env{
		store:    memory.New(),
		clock:    gobilling.NewManualClock(t0),
		notifier: &recordingNotifier{},
		provider: &fakeProvider{},
	}
	m, err := gobilling.NewMachine(e.store, gobilling.MachineConfig{
		Clock:    e.clock,
		Locker:   e.store,
		Notifier: e.notifier,
		LockWait: -1,
	})
	require.NoError(t, err)
	e.machine = m

	if router == nil {
		router = billing.NewDefaultRouter(m, nil)
	}
	cfg := billing.DefaultProcessorConfig()
	cfg.Clock = e.clock
	cfg.Notifier = e.notifier
	e.processor, err = billing.NewProcessor(e.store, e.provider, router, cfg)
	require.NoError(t, err)
	return e
}

func (e *env) deliver(t *testing.T, ev *gobilling.Event) (*billing.Receipt, error) {
	t.Helper()
	return e.processor.Ingest(context.Background(), billing.Delivery{
		Method:   http.MethodPost,
		Header:   signedHeader(),
		SourceIP: "203.0.113.7",
		Body:     encode(t, ev),
	})
}

func (e *env) row(t *testing.T, id string) *gobilling.WebhookEvent {
	t.Helper()
	row, err := e.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return row
}

func signedHeader() http.Header {
	h := http.Header{}
	h.Set(signatureHeader, "valid")
	h.Set("Content-Type", "application/json")
	return h
}

func encode(t *testing.T, ev *gobilling.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func checkout(id string) *gobilling.Event {
	return &gobilling.Event{
		ID:             id,
		Type:           "checkout.session.completed",
		Kind:           gobilling.EventCheckoutCompleted,
		CreatedAt:      t0,
		UserID:         "user1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Plan:           gobilling.PlanProMonthly,
	}
}

// flakyLog fails the named event log calls once each, then delegates.
type flakyLog struct {
	*memory.Storage
	mu    sync.Mutex
	fails map[string]bool
}

func newFlakyLog(store *memory.Storage, calls ...string) *flakyLog {
	f := &flakyLog{Storage: store, fails: map[string]bool{}}
	for _, c := range calls {
		f.fails[c] = true
	}
	return f
}

func (f *flakyLog) fail(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fails[call] {
		return nil
	}
	delete(f.fails, call)
	return fmt.Errorf("%s: connection reset", call)
}

func (f *flakyLog) AttachParsedEvent(ctx context.Context, id string, ev *gobilling.Event, at time.Time) error {
	if err := f.fail("AttachParsedEvent"); err != nil {
		return err
	}
	return f.Storage.AttachParsedEvent(ctx, id, ev, at)
}

func (f *flakyLog) FindDuplicate(ctx context.Context, providerEventID, excludeID string) (*gobilling.WebhookEvent, error) {
	if err := f.fail("FindDuplicate"); err != nil {
		return nil, err
	}
	return f.Storage.FindDuplicate(ctx, providerEventID, excludeID)
}

func (f *flakyLog) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	if err := f.fail("MarkProcessing"); err != nil {
		return err
	}
	return f.Storage.MarkProcessing(ctx, id, at)
}

// withLog swaps the processor's event log for log.
func (e *env) withLog(t *testing.T, log gobilling.EventLog) {
	t.Helper()
	cfg := billing.DefaultProcessorConfig()
	cfg.Clock = e.clock
	cfg.Notifier = e.notifier
	p, err := billing.NewProcessor(log, e.provider, billing.NewDefaultRouter(e.machine, nil), cfg)
	require.NoError(t, err)
	e.processor = p
}
