package gobilling

import (
	"fmt"
	"strings"
	"time"
)

// Plan is a billable offering: a tier combined with a billing interval.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanProMonthly Plan = "pro_monthly"
	PlanProYearly  Plan = "pro_yearly"
	PlanMaxMonthly Plan = "max_monthly"
	PlanMaxYearly  Plan = "max_yearly"
)

// Tier is the ordered access level of a plan, independent of its interval.
type Tier int

const (
	TierFree Tier = iota
	TierPro
	TierMax
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierPro:
		return "pro"
	case TierMax:
		return "max"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "max":
		return TierMax, nil
	default:
		return TierFree, fmt.Errorf("%w: tier %q", ErrUnknownPlan, s)
	}
}

// CompareTiers returns -1 if a < b, 0 if a == b and +1 if a > b.
func CompareTiers(a, b Tier) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Interval is the billing cadence of a plan.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Days returns the length of one billing period.
func (i Interval) Days() int {
	if i == IntervalYearly {
		return 365
	}
	return 30
}

type planInfo struct {
	tier     Tier
	interval Interval
}

var plans = map[Plan]planInfo{
	PlanFree:       {TierFree, IntervalMonthly},
	PlanProMonthly: {TierPro, IntervalMonthly},
	PlanProYearly:  {TierPro, IntervalYearly},
	PlanMaxMonthly: {TierMax, IntervalMonthly},
	PlanMaxYearly:  {TierMax, IntervalYearly},
}

// ParsePlan parses a plan identifier.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := plans[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return p, nil
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := plans[p]
	return ok
}

// Tier returns the plan's tier. Unknown plans map to TierFree.
func (p Plan) Tier() Tier {
	return plans[p].tier
}

// Interval returns the plan's billing interval.
func (p Plan) Interval() Interval {
	if info, ok := plans[p]; ok {
		return info.interval
	}
	return IntervalMonthly
}

// Paid reports whether the plan is above the free tier.
func (p Plan) Paid() bool {
	return p.Valid() && p != PlanFree
}

// PeriodEnd computes the end of the billing period that starts at start.
// Provider supplied period ends are never used.
func PeriodEnd(p Plan, start time.Time) time.Time {
	return start.AddDate(0, 0, p.Interval().Days())
}

// PlanChange is the classification of a move between two plans.
type PlanChange string

const (
	PlanChangeUpgraded       PlanChange = "upgraded"
	PlanChangeDowngraded     PlanChange = "downgraded"
	PlanChangeBillingChanged PlanChange = "billing_changed"
	PlanChangeNone           PlanChange = "no_change"
)

// ClassifyPlanChange compares the tier and interval of prev and next.
func ClassifyPlanChange(prev, next Plan) PlanChange {
	switch CompareTiers(prev.Tier(), next.Tier()) {
	case -1:
		return PlanChangeUpgraded
	case 1:
		return PlanChangeDowngraded
	}
	if prev.Interval() != next.Interval() {
		return PlanChangeBillingChanged
	}
	return PlanChangeNone
}

// ChangeType maps the classification to a history change type.
// It returns false for PlanChangeNone.
func (c PlanChange) ChangeType() (ChangeType, bool) {
	switch c {
	case PlanChangeUpgraded:
		return ChangeUpgraded, true
	case PlanChangeDowngraded:
		return ChangeDowngraded, true
	case PlanChangeBillingChanged:
		return ChangeBillingChanged, true
	default:
		return "", false
	}
}
