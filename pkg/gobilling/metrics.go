package gobilling

import "time"

// Metrics defines the interface for tracking subscription lifecycle operations.
type Metrics interface {
	// RecordTransition records a subscription status change.
	RecordTransition(from, to Status)

	// RecordPlanChange records a plan change with its classification.
	RecordPlanChange(from, to Plan, change PlanChange)

	// RecordHistoryWrite records a history append; deduped is true when the
	// row was suppressed by the dedup window.
	RecordHistoryWrite(changeType ChangeType, deduped bool)

	// RecordLockAcquire records an advisory lock attempt.
	// outcome: "acquired", "held" or "error"
	RecordLockAcquire(outcome string)

	// RecordSweep records a completed reconciliation sweep run.
	RecordSweep(name string, duration time.Duration, affected int, err error)

	// RecordSweepSkipped records a sweep run skipped because another run was in flight.
	RecordSweepSkipped(name string)

	// RecordCacheHit records a subscription cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a subscription cache miss.
	RecordCacheMiss()
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(from, to Status)                                {}
func (n *NoopMetrics) RecordPlanChange(from, to Plan, change PlanChange)               {}
func (n *NoopMetrics) RecordHistoryWrite(changeType ChangeType, deduped bool)          {}
func (n *NoopMetrics) RecordLockAcquire(outcome string)                                {}
func (n *NoopMetrics) RecordSweep(name string, d time.Duration, affected int, e error) {}
func (n *NoopMetrics) RecordSweepSkipped(name string)                                  {}
func (n *NoopMetrics) RecordCacheHit()                                                 {}
func (n *NoopMetrics) RecordCacheMiss()                                                {}
