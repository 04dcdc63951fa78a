// Package reconcile runs the scheduled sweeps that correct subscription
// state the webhook pipeline missed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Sweep names.
const (
	SweepExpiryWarning       = "expiry_warning"
	SweepExpireToFree        = "expire_to_free"
	SweepOrphanRecovery      = "orphan_recovery"
	SweepFailedPaymentCancel = "failed_payment_cancel"
	SweepWeeklyDigest        = "weekly_digest"
	SweepEventRetention      = "event_retention"
)

// ErrSweepRunning is returned when a run of the same sweep is already in
// flight in this process or, with a Locker, in another instance.
var ErrSweepRunning = errors.New("sweep already running")

// Config configures a Runner.
type Config struct {
	// Clock supplies the current time (default: gobilling.SystemClock)
	Clock gobilling.Clock

	// Logger is used for structured logging (default: gobilling.NoopLogger)
	Logger gobilling.Logger

	// Metrics records sweep runs (default: gobilling.NoopMetrics)
	Metrics gobilling.Metrics

	// Notifier receives expiry warnings and digests (default: gobilling.NoopNotifier)
	Notifier gobilling.Notifier

	// Locker, when set, also guards every sweep with a lease so only one
	// instance runs it at a time.
	Locker gobilling.Locker

	// LeaseTTL bounds a sweep lease (default: 15 minutes)
	LeaseTTL time.Duration

	// WarningWindow is how long before period end the expiry warning goes out (default: 3 days)
	WarningWindow time.Duration

	// PastDueGrace is how long a subscription may stay past_due before it is canceled (default: 7 days)
	PastDueGrace time.Duration

	// ReminderWindow selects renewals for the weekly digest reminder (default: 7 days)
	ReminderWindow time.Duration

	// RetentionDays is the age after which completed and ignored webhook events are deleted (default: 30)
	RetentionDays int

	// Schedules maps sweep names to cron specs (default: DefaultSchedules)
	Schedules map[string]string

	// JobTimeout bounds one scheduled run (default: 10 minutes)
	JobTimeout time.Duration
}

// DefaultSchedules returns the default cron spec of every sweep.
func DefaultSchedules() map[string]string {
	return map[string]string{
		SweepExpiryWarning:       "0 10 * * *",
		SweepExpireToFree:        "0 * * * *",
		SweepOrphanRecovery:      "0 2 * * *",
		SweepFailedPaymentCancel: "0 3 * * *",
		SweepWeeklyDigest:        "0 9 * * 1",
		SweepEventRetention:      "30 4 * * *",
	}
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Name      string
	StartedAt time.Time
	Duration  time.Duration
	// Selected is the number of rows the store query returned.
	Selected int
	// Affected is the number of rows changed or notifications sent.
	Affected int
	// Skipped counts rows left for the next run because their lock was held.
	Skipped int
	// Failed counts rows that returned an error.
	Failed int
}

type sweepFunc func(ctx context.Context, r *SweepReport) error

// Runner owns the sweeps and their single-flight guards.
type Runner struct {
	machine *gobilling.Machine
	store   gobilling.LifecycleStore
	events  gobilling.EventLog

	clock    gobilling.Clock
	logger   gobilling.Logger
	metrics  gobilling.Metrics
	notifier gobilling.Notifier
	locker   gobilling.Locker

	leaseTTL       time.Duration
	warningWindow  time.Duration
	pastDueGrace   time.Duration
	reminderWindow time.Duration
	retentionDays  int
	schedules      map[string]string
	jobTimeout     time.Duration

	sweeps map[string]sweepFunc
	mu     sync.Mutex
	guards map[string]*semaphore.Weighted
}

// NewRunner creates a runner. events may be nil, which disables the
// event_retention sweep.
func NewRunner(machine *gobilling.Machine, store gobilling.LifecycleStore, events gobilling.EventLog, config Config) (*Runner, error) {
	if machine == nil || store == nil {
		return nil, gobilling.ErrStorageUnavailable
	}
	r := &Runner{
		machine:        machine,
		store:          store,
		events:         events,
		clock:          config.Clock,
		logger:         config.Logger,
		metrics:        config.Metrics,
		notifier:       config.Notifier,
		locker:         config.Locker,
		leaseTTL:       config.LeaseTTL,
		warningWindow:  config.WarningWindow,
		pastDueGrace:   config.PastDueGrace,
		reminderWindow: config.ReminderWindow,
		retentionDays:  config.RetentionDays,
		schedules:      DefaultSchedules(),
		jobTimeout:     config.JobTimeout,
		guards:         make(map[string]*semaphore.Weighted),
	}
	if r.clock == nil {
		r.clock = gobilling.SystemClock{}
	}
	if r.logger == nil {
		r.logger = &gobilling.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &gobilling.NoopMetrics{}
	}
	if r.notifier == nil {
		r.notifier = &gobilling.NoopNotifier{}
	}
	if r.leaseTTL <= 0 {
		r.leaseTTL = 15 * time.Minute
	}
	if r.warningWindow <= 0 {
		r.warningWindow = 3 * 24 * time.Hour
	}
	if r.pastDueGrace <= 0 {
		r.pastDueGrace = 7 * 24 * time.Hour
	}
	if r.reminderWindow <= 0 {
		r.reminderWindow = 7 * 24 * time.Hour
	}
	if r.retentionDays <= 0 {
		r.retentionDays = 30
	}
	if r.jobTimeout <= 0 {
		r.jobTimeout = 10 * time.Minute
	}
	for name, spec := range config.Schedules {
		r.schedules[name] = spec
	}

	r.sweeps = map[string]sweepFunc{
		SweepExpiryWarning:       r.expiryWarning,
		SweepExpireToFree:        r.expireToFree,
		SweepOrphanRecovery:      r.orphanRecovery,
		SweepFailedPaymentCancel: r.failedPaymentCancel,
		SweepWeeklyDigest:        r.weeklyDigest,
	}
	if events != nil {
		r.sweeps[SweepEventRetention] = r.eventRetention
	}
	for name := range r.sweeps {
		if _, ok := r.schedules[name]; !ok {
			return nil, fmt.Errorf("no schedule for sweep %s", name)
		}
		r.guards[name] = semaphore.NewWeighted(1)
	}
	return r, nil
}

// Names returns the configured sweeps in name order.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.sweeps))
	for name := range r.sweeps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one sweep unless a run of it is already in flight, in which
// case it returns ErrSweepRunning.
func (r *Runner) Run(ctx context.Context, name string) (*SweepReport, error) {
	sweep, ok := r.sweeps[name]
	if !ok {
		return nil, fmt.Errorf("unknown sweep %q", name)
	}

	guard := r.guard(name)
	if !guard.TryAcquire(1) {
		r.skipped(name, "in process")
		return nil, ErrSweepRunning
	}
	defer guard.Release(1)

	if r.locker != nil {
		key := gobilling.SweepLockKey(name)
		token, err := r.locker.Acquire(ctx, key, r.leaseTTL)
		if errors.Is(err, gobilling.ErrLockHeld) {
			r.skipped(name, "lease held")
			return nil, ErrSweepRunning
		}
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lease: %w", err)
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				r.logger.Warn("sweep lease not released",
					gobilling.Field{Key: "sweep", Value: name}, gobilling.Field{Key: "error", Value: err.Error()})
			}
		}()
	}

	report := &SweepReport{Name: name, StartedAt: r.clock.Now()}
	start := time.Now()
	err := sweep(ctx, report)
	report.Duration = time.Since(start)
	r.metrics.RecordSweep(name, report.Duration, report.Affected, err)

	fields := []gobilling.Field{
		{Key: "sweep", Value: name},
		{Key: "selected", Value: report.Selected},
		{Key: "affected", Value: report.Affected},
		{Key: "skipped", Value: report.Skipped},
		{Key: "failed", Value: report.Failed},
		{Key: "took_ms", Value: report.Duration.Milliseconds()},
	}
	if err != nil {
		r.logger.Error("sweep failed", append(fields, gobilling.Field{Key: "error", Value: err.Error()})...)
		return report, err
	}
	r.logger.Info("sweep finished", fields...)
	return report, nil
}

// RunAll runs every sweep concurrently. Sweeps already in flight are
// skipped without error.
func (r *Runner) RunAll(ctx context.Context) (map[string]*SweepReport, error) {
	var mu sync.Mutex
	reports := make(map[string]*SweepReport, len(r.sweeps))

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.Names() {
		name := name
		g.Go(func() error {
			report, err := r.Run(ctx, name)
			if errors.Is(err, ErrSweepRunning) {
				return nil
			}
			if report != nil {
				mu.Lock()
				reports[name] = report
				mu.Unlock()
			}
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}

// Register schedules every sweep on s with its configured spec.
func (r *Runner) Register(s Scheduler) error {
	for _, name := range r.Names() {
		name := name
		spec := r.schedules[name]
		if err := s.Schedule(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
			defer cancel()
			if _, err := r.Run(ctx, name); err != nil && !errors.Is(err, ErrSweepRunning) {
				r.logger.Error("scheduled sweep failed",
					gobilling.Field{Key: "sweep", Value: name}, gobilling.Field{Key: "error", Value: err.Error()})
			}
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
		r.logger.Info("sweep scheduled", gobilling.Field{Key: "sweep", Value: name}, gobilling.Field{Key: "spec", Value: spec})
	}
	return nil
}

func (r *Runner) guard(name string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guards[name]
}

func (r *Runner) skipped(name, reason string) {
	r.metrics.RecordSweepSkipped(name)
	r.logger.Warn("sweep skipped, previous run still in flight",
		gobilling.Field{Key: "sweep", Value: name}, gobilling.Field{Key: "reason", Value: reason})
}

// settle folds the outcome of one row into the report.
func (r *Runner) settle(report *SweepReport, subID string, changed bool, err error) {
	switch {
	case err == nil:
		if changed {
			report.Affected++
		}
	case errors.Is(err, gobilling.ErrLockHeld):
		report.Skipped++
		r.logger.Debug("subscription locked, left for next run",
			gobilling.Field{Key: "sweep", Value: report.Name}, gobilling.Field{Key: "subscription_id", Value: subID})
	default:
		report.Failed++
		r.logger.Error("sweep row failed",
			gobilling.Field{Key: "sweep", Value: report.Name},
			gobilling.Field{Key: "subscription_id", Value: subID},
			gobilling.Field{Key: "error", Value: err.Error()},
		)
	}
}
