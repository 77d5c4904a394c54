package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Metric conditions a rule can watch.
const (
	ConditionErrorRate     = "error_rate"
	ConditionLatencyP95    = "latency_p95"
	ConditionLatencyAvg    = "latency_avg"
	ConditionCostThreshold = "cost_threshold"
	ConditionRequestVolume = "request_volume"
	ConditionBlockRate     = "block_rate"
)

// Comparison operators.
const (
	CompareGT  = "gt"
	CompareGTE = "gte"
	CompareLT  = "lt"
	CompareLTE = "lte"
)

// Severity levels, ordered by Rank.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank orders severities for monotonic escalation. Unknown
// severities rank below info.
func SeverityRank(severity string) int {
	rank, ok := severityRank[strings.ToLower(severity)]
	if !ok {
		return -1
	}
	return rank
}

// MaxSeverity returns the higher ranked of two severities.
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// AlertRule is a tenant-defined threshold over a metric window.
type AlertRule struct {
	ID              string
	TenantID        string
	Name            string
	Condition       string
	Comparison      string
	Threshold       float64
	WindowMinutes   int
	Severity        string
	IntegrationIDs  []string
	Enabled         bool
	TriggerCount    int64
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RateBased reports whether the condition divides by request count and
// therefore needs the minimum-sample guard.
func (r AlertRule) RateBased() bool {
	return r.Condition == ConditionErrorRate || r.Condition == ConditionBlockRate
}

// ConditionValue extracts the rule's watched value from a window snapshot.
func (r AlertRule) ConditionValue(w MetricWindow) (float64, error) {
	switch r.Condition {
	case ConditionErrorRate:
		return w.ErrorRate(), nil
	case ConditionLatencyP95:
		return w.LatencyP95, nil
	case ConditionLatencyAvg:
		return w.LatencyAvg, nil
	case ConditionCostThreshold:
		return w.CostUSD, nil
	case ConditionRequestVolume:
		return float64(w.Count), nil
	case ConditionBlockRate:
		return w.BlockRate(), nil
	}
	return 0, fmt.Errorf("unknown condition %q", r.Condition)
}

// Compare applies the rule's comparison operator to a current value.
func (r AlertRule) Compare(current float64) bool {
	switch r.Comparison {
	case CompareGT:
		return current > r.Threshold
	case CompareGTE:
		return current >= r.Threshold
	case CompareLT:
		return current < r.Threshold
	case CompareLTE:
		return current <= r.Threshold
	}
	return false
}

// Validate checks rule fields at creation time.
func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name required")
	}
	switch r.Condition {
	case ConditionErrorRate, ConditionLatencyP95, ConditionLatencyAvg,
		ConditionCostThreshold, ConditionRequestVolume, ConditionBlockRate:
	default:
		return fmt.Errorf("unknown condition %q", r.Condition)
	}
	switch r.Comparison {
	case CompareGT, CompareGTE, CompareLT, CompareLTE:
	default:
		return fmt.Errorf("unknown comparison %q", r.Comparison)
	}
	if r.WindowMinutes < 1 || r.WindowMinutes > 60 {
		return errors.New("window_minutes must be between 1 and 60")
	}
	if SeverityRank(r.Severity) < 0 {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	return nil
}
