package domain

import "time"

// Request outcome reported by the gateway.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusBlocked = "blocked"
)

// TelemetryRecord captures one completed LLM request as emitted by the
// gateway proxy. Records are immutable once ingested.
type TelemetryRecord struct {
	TenantID         string
	RequestID        string
	Timestamp        time.Time
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	LatencyMS        float64
	CostUSD          float64
	Status           string
	ErrorType        string
	SafeMode         bool
}

// MetricWindow is a point-in-time aggregate over a trailing window. Copies
// are handed to readers; the aggregator never shares live state.
type MetricWindow struct {
	TenantID     string
	WindowSize   time.Duration
	Count        int64
	ErrorCount   int64
	BlockedCount int64
	CostUSD      float64
	PromptTokens int64
	OutputTokens int64
	LatencyP50   float64
	LatencyP95   float64
	LatencyP99   float64
	LatencyAvg   float64
	LatencyMax   float64
	TakenAt      time.Time
}

// ErrorRate returns errors/count, 0 when the window is empty.
func (w MetricWindow) ErrorRate() float64 {
	if w.Count == 0 {
		return 0
	}
	return float64(w.ErrorCount) / float64(w.Count)
}

// BlockRate returns blocked/count, 0 when the window is empty.
func (w MetricWindow) BlockRate() float64 {
	if w.Count == 0 {
		return 0
	}
	return float64(w.BlockedCount) / float64(w.Count)
}

// TokenVolume is the combined prompt and completion token count.
func (w MetricWindow) TokenVolume() int64 {
	return w.PromptTokens + w.OutputTokens
}

// MetricRollup archives one completed aggregation sub-bucket for dashboard
// history beyond the in-memory horizon.
type MetricRollup struct {
	TenantID     string
	BucketStart  time.Time
	BucketSpan   time.Duration
	Count        int64
	ErrorCount   int64
	BlockedCount int64
	CostUSD      float64
	PromptTokens int64
	OutputTokens int64
	LatencyP50   *float64
	LatencyP95   *float64
	LatencyP99   *float64
	LatencyAvg   *float64
	LatencyMax   *float64
	UpdatedAt    time.Time
}
