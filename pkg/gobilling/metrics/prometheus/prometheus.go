package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Metrics implements gobilling.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal   *prometheus.CounterVec
	planChangesTotal   *prometheus.CounterVec
	historyWritesTotal *prometheus.CounterVec
	lockAcquireTotal   *prometheus.CounterVec
	sweepRunsTotal     *prometheus.CounterVec
	sweepDuration      *prometheus.HistogramVec
	sweepAffected      *prometheus.CounterVec
	sweepSkippedTotal  *prometheus.CounterVec
	cacheHitsTotal     prometheus.Counter
	cacheMissesTotal   prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "status_transitions_total",
			Help:      "Total number of subscription status transitions.",
		}, []string{"from", "to"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "plan_changes_total",
			Help:      "Total number of subscription plan changes by classification.",
		}, []string{"from", "to", "change"}),

		historyWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "history_writes_total",
			Help:      "Total number of history appends, including deduplicated ones.",
		}, []string{"change_type", "deduped"}),

		lockAcquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "lock_acquire_total",
			Help:      "Total number of advisory lock attempts by outcome.",
		}, []string{"outcome"}),

		sweepRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweep_runs_total",
			Help:      "Total number of reconciliation sweep runs.",
		}, []string{"sweep", "success"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),

		sweepAffected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweep_affected_total",
			Help:      "Total number of subscriptions acted on by sweeps.",
		}, []string{"sweep"}),

		sweepSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweep_skipped_total",
			Help:      "Total number of sweep runs skipped because a previous run was still active.",
		}, []string{"sweep"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "cache_hits_total",
			Help:      "Total number of subscription cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "cache_misses_total",
			Help:      "Total number of subscription cache misses.",
		}),
	}
}

func (m *Metrics) RecordTransition(from, to gobilling.Status) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordPlanChange(from, to gobilling.Plan, change gobilling.PlanChange) {
	m.planChangesTotal.WithLabelValues(string(from), string(to), string(change)).Inc()
}

func (m *Metrics) RecordHistoryWrite(changeType gobilling.ChangeType, deduped bool) {
	m.historyWritesTotal.WithLabelValues(string(changeType), strconv.FormatBool(deduped)).Inc()
}

func (m *Metrics) RecordLockAcquire(outcome string) {
	m.lockAcquireTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSweep(name string, duration time.Duration, affected int, err error) {
	m.sweepRunsTotal.WithLabelValues(name, strconv.FormatBool(err == nil)).Inc()
	m.sweepDuration.WithLabelValues(name).Observe(duration.Seconds())
	m.sweepAffected.WithLabelValues(name).Add(float64(affected))
}

func (m *Metrics) RecordSweepSkipped(name string) {
	m.sweepSkippedTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) gobilling.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
