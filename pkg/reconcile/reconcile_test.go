package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
	"github.com/mihaimyh/gobilling/pkg/reconcile"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []gobilling.Notification
	block   chan struct{}
	entered chan struct{}
}

func (r *recordingNotifier) Notify(_ context.Context, n gobilling.Notification) error {
	if r.block != nil {
		r.entered <- struct{}{}
		<-r.block
	}
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

type sweepMetrics struct {
	gobilling.NoopMetrics
	runs    atomic.Int32
	skipped atomic.Int32
}

func (m *sweepMetrics) RecordSweep(string, time.Duration, int, error) { m.runs.Add(1) }
func (m *sweepMetrics) RecordSweepSkipped(string)                     { m.skipped.Add(1) }

type fixture struct {
	store    *memory.Storage
	clock    *gobilling.ManualClock
	locker   *gobilling.LocalLocker
	machine  *gobilling.Machine
	notifier *recordingNotifier
	metrics  *sweepMetrics
	runner   *reconcile.Runner
}

func newFixture(t *testing.T, mutate func(*reconcile.Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		clock:    gobilling.NewManualClock(t0),
		notifier: &recordingNotifier{},
		metrics:  &sweepMetrics{},
	}
	f.locker = gobilling.NewLocalLocker(f.clock)
	m, err := gobilling.NewMachine(f.store, gobilling.MachineConfig{
		Clock:    f.clock,
		Locker:   f.locker,
		Notifier: f.notifier,
		LockWait: -1,
	})
	require.NoError(t, err)
	f.machine = m

	cfg := reconcile.Config{
		Clock:    f.clock,
		Metrics:  f.metrics,
		Notifier: f.notifier,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.runner, err = reconcile.NewRunner(m, f.store, f.store, cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(t *testing.T, sub *gobilling.Subscription) {
	t.Helper()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = sub.CurrentPeriodStart
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))
}

func paid(id, user string, end time.Time) *gobilling.Subscription {
	return &gobilling.Subscription{
		ID:                 id,
		UserID:             user,
		Plan:               gobilling.PlanProMonthly,
		Status:             gobilling.StatusActive,
		CurrentPeriodStart: end.AddDate(0, -1, 0),
		CurrentPeriodEnd:   end,
	}
}

func TestNewRunner_RequiresMachineAndStore(t *testing.T) {
	_, err := reconcile.NewRunner(nil, memory.New(), nil, reconcile.Config{})
	assert.Error(t, err)
}

func TestNewRunner_WithoutEventLogHasNoRetention(t *testing.T) {
	store := memory.New()
	m, err := gobilling.NewMachine(store, gobilling.MachineConfig{})
	require.NoError(t, err)

	r, err := reconcile.NewRunner(m, store, nil, reconcile.Config{})
	require.NoError(t, err)
	assert.NotContains(t, r.Names(), reconcile.SweepEventRetention)
	assert.Len(t, r.Names(), 5)
}

func TestExpiryWarning_OncePerWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, paid("sub_soon", "user1", t0.Add(48*time.Hour)))
	f.seed(t, paid("sub_later", "user2", t0.AddDate(0, 0, 10)))

	report, err := f.runner.ExpiryWarning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Affected)

	f.clock.Advance(6 * time.Hour)
	report, err = f.runner.ExpiryWarning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected, "warned rows are not selected again")
	assert.Equal(t, 0, report.Affected)

	warnings := f.notifier.ofType(gobilling.NotifyExpiryWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "user1", warnings[0].UserID)
	assert.Equal(t, "sub_soon", warnings[0].SubscriptionID)

	sub, err := f.store.GetSubscription(ctx, "sub_soon")
	require.NoError(t, err)
	require.NotNil(t, sub.LastWarnedAt)
	assert.True(t, sub.LastWarnedAt.Equal(t0))
}

func TestExpireToFree_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sub := paid("sub_1", "user1", t0.Add(-time.Hour))
	sub.CancelAtPeriodEnd = true
	f.seed(t, sub)
	// Auto-renewing subscriptions are left for the provider to renew.
	f.seed(t, paid("sub_renewing", "user2", t0.Add(-time.Hour)))

	report, err := f.runner.ExpireToFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Affected)

	expired, err := f.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusExpired, expired.Status)

	current, err := f.machine.Current(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, current.Plan)

	report, err = f.runner.ExpireToFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.Equal(t, 0, report.Affected)

	subs, err := f.store.ListUserSubscriptions(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Len(t, f.notifier.ofType(gobilling.NotifySubscriptionExpired), 1)

	renewing, err := f.store.GetSubscription(ctx, "sub_renewing")
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusActive, renewing.Status)
}

func TestExpireToFree_SkipsLockedSubscription(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sub := paid("sub_1", "user1", t0.Add(-time.Hour))
	sub.CancelAtPeriodEnd = true
	f.seed(t, sub)

	token, err := f.locker.Acquire(ctx, gobilling.SubscriptionLockKey("sub_1"), time.Minute)
	require.NoError(t, err)

	report, err := f.runner.ExpireToFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Affected)
	assert.Equal(t, 0, report.Failed)

	require.NoError(t, f.locker.Release(ctx, gobilling.SubscriptionLockKey("sub_1"), token))
	report, err = f.runner.ExpireToFree(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Affected)
}

func TestOrphanRecovery_OneFreePlanPerUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"old_1", "old_2"} {
		sub := paid(id, "user9", t0.AddDate(0, 0, -30))
		sub.Status = gobilling.StatusExpired
		f.seed(t, sub)
	}

	report, err := f.runner.OrphanRecovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 1, report.Affected)

	current, err := f.machine.Current(ctx, "user9")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, current.Plan)

	report, err = f.runner.OrphanRecovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.Len(t, f.notifier.ofType(gobilling.NotifySubscriptionRecovered), 1)
}

func TestFailedPaymentCancel_AfterGracePeriod(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stale := paid("sub_stale", "user1", t0.AddDate(0, 0, 10))
	stale.Status = gobilling.StatusPastDue
	stale.UpdatedAt = t0.AddDate(0, 0, -8)
	f.seed(t, stale)

	recent := paid("sub_recent", "user2", t0.AddDate(0, 0, 10))
	recent.Status = gobilling.StatusPastDue
	recent.UpdatedAt = t0.AddDate(0, 0, -2)
	f.seed(t, recent)

	report, err := f.runner.FailedPaymentCancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Affected)

	canceled, err := f.store.GetSubscription(ctx, "sub_stale")
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusCanceled, canceled.Status)

	current, err := f.machine.Current(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.PlanFree, current.Plan)

	untouched, err := f.store.GetSubscription(ctx, "sub_recent")
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusPastDue, untouched.Status)
}

func TestWeeklyDigest_ReadOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seed(t, paid("sub_renews", "user1", t0.AddDate(0, 0, 3)))
	f.seed(t, paid("sub_far", "user2", t0.AddDate(0, 0, 20)))
	ending := paid("sub_ending", "user3", t0.AddDate(0, 0, 3))
	ending.CancelAtPeriodEnd = true
	f.seed(t, ending)

	report, err := f.runner.WeeklyDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 3, report.Affected)

	reminders := f.notifier.ofType(gobilling.NotifyRenewalReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, "user1", reminders[0].UserID)

	digests := f.notifier.ofType(gobilling.NotifyWeeklyDigest)
	assert.Len(t, digests, 2)

	for _, id := range []string{"sub_renews", "sub_far", "sub_ending"} {
		sub, err := f.store.GetSubscription(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), sub.Version, id)
	}
}

func TestEventRetention_DeletesOnlySettledOldRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := t0.AddDate(0, 0, -45)
	rows := []struct {
		id     string
		status gobilling.EventStatus
		at     time.Time
	}{
		{"old_completed", gobilling.EventCompleted, old},
		{"old_ignored", gobilling.EventIgnored, old},
		{"old_failed", gobilling.EventFailed, old},
		{"recent_completed", gobilling.EventCompleted, t0.AddDate(0, 0, -3)},
	}
	for _, r := range rows {
		require.NoError(t, f.store.LogAttempt(ctx, &gobilling.WebhookEvent{
			ID:        r.id,
			Provider:  "stripe",
			Status:    r.status,
			CreatedAt: r.at,
			UpdatedAt: r.at,
		}))
	}

	report, err := f.runner.EventRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Affected)

	for _, id := range []string{"old_failed", "recent_completed"} {
		_, err := f.store.GetEvent(ctx, id)
		assert.NoError(t, err, id)
	}
	_, err = f.store.GetEvent(ctx, "old_completed")
	assert.ErrorIs(t, err, gobilling.ErrEventNotFound)
}

func TestRun_SkipsOverlappingRun(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.block = make(chan struct{})
	f.notifier.entered = make(chan struct{}, 1)
	f.seed(t, paid("sub_1", "user1", t0.AddDate(0, 0, 20)))

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.WeeklyDigest(context.Background())
		done <- err
	}()
	<-f.notifier.entered

	_, err := f.runner.WeeklyDigest(context.Background())
	assert.ErrorIs(t, err, reconcile.ErrSweepRunning)
	assert.Equal(t, int32(1), f.metrics.skipped.Load())

	close(f.notifier.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.metrics.runs.Load())
}

func TestRun_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	locker := gobilling.NewLocalLocker(nil)
	f := newFixture(t, func(c *reconcile.Config) { c.Locker = locker })
	ctx := context.Background()

	_, err := locker.Acquire(ctx, gobilling.SweepLockKey(reconcile.SweepExpireToFree), time.Minute)
	require.NoError(t, err)

	_, err = f.runner.ExpireToFree(ctx)
	assert.ErrorIs(t, err, reconcile.ErrSweepRunning)

	// Other sweeps have their own lease.
	_, err = f.runner.OrphanRecovery(ctx)
	assert.NoError(t, err)
}

func TestRun_UnknownSweep(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.runner.Run(context.Background(), "nope")
	assert.Error(t, err)
}

func TestRunAll(t *testing.T) {
	f := newFixture(t, nil)
	sub := paid("sub_1", "user1", t0.Add(-time.Hour))
	sub.CancelAtPeriodEnd = true
	f.seed(t, sub)

	reports, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, reports, 6)
	assert.Equal(t, 1, reports[reconcile.SweepExpireToFree].Affected)
}

type fakeScheduler struct {
	jobs map[string]func()
	fail bool
}

func (s *fakeScheduler) Schedule(spec string, job func()) error {
	if s.fail {
		return errors.New("bad spec")
	}
	s.jobs[spec] = job
	return nil
}
func (s *fakeScheduler) Start()                      {}
func (s *fakeScheduler) Stop(context.Context) error { return nil }

func TestRegister(t *testing.T) {
	f := newFixture(t, func(c *reconcile.Config) {
		c.Schedules = map[string]string{reconcile.SweepExpireToFree: "*/5 * * * *"}
	})
	sub := paid("sub_1", "user1", t0.Add(-time.Hour))
	sub.CancelAtPeriodEnd = true
	f.seed(t, sub)

	s := &fakeScheduler{jobs: map[string]func(){}}
	require.NoError(t, f.runner.Register(s))
	require.Contains(t, s.jobs, "*/5 * * * *")
	assert.Contains(t, s.jobs, "0 9 * * 1")

	s.jobs["*/5 * * * *"]()
	got, err := f.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, gobilling.StatusExpired, got.Status)

	assert.Error(t, f.runner.Register(&fakeScheduler{fail: true}))
}

func TestCronScheduler(t *testing.T) {
	s := reconcile.NewCronScheduler(nil)
	assert.Error(t, s.Schedule("not a spec", func() {}))
	require.NoError(t, s.Schedule("@every 1h", func() {}))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
