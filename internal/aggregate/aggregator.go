package aggregate

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywatch/relaywatch/internal/domain"
)

const (
	// BucketSpan is the sub-bucket granularity of every rolling window.
	BucketSpan = time.Minute
	// Horizon is the largest maintained window; records older than this
	// are dropped as late arrivals.
	Horizon = time.Hour

	defaultShards = 4
)

// windowSizes are the maintained rolling windows.
var windowSizes = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	Horizon,
}

// WindowSizes returns the maintained window sizes in ascending order.
func WindowSizes() []time.Duration {
	sizes := make([]time.Duration, len(windowSizes))
	copy(sizes, windowSizes)
	return sizes
}

// NormalizeWindow rounds a rule's window up to the nearest maintained size.
func NormalizeWindow(minutes int) time.Duration {
	want := time.Duration(minutes) * time.Minute
	for _, size := range windowSizes {
		if want <= size {
			return size
		}
	}
	return Horizon
}

type bucket struct {
	start        time.Time
	dirty        bool
	count        int64
	errorCount   int64
	blockedCount int64
	costUSD      float64
	promptTokens int64
	outputTokens int64
	latency      *latencyDigest
}

type series struct {
	buckets map[int64]*bucket
}

type shard struct {
	mu      sync.Mutex
	tenants map[string]*series
}

// Aggregator maintains per-tenant rolling metric windows. State is
// partitioned into tenant shards so concurrent ingest workers do not
// contend across tenants; readers only ever receive copies.
type Aggregator struct {
	shards      []*shard
	now         func() time.Time
	droppedLate atomic.Int64
}

// New constructs an Aggregator with the given shard count.
func New(shards int) *Aggregator {
	if shards <= 0 {
		shards = defaultShards
	}
	a := &Aggregator{
		shards: make([]*shard, shards),
		now:    time.Now,
	}
	for i := range a.shards {
		a.shards[i] = &shard{tenants: make(map[string]*series)}
	}
	return a
}

func (a *Aggregator) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return a.shards[int(h.Sum32())%len(a.shards)]
}

// Apply folds one telemetry record into its tenant's window state. Records
// older than the horizon are dropped and counted; future timestamps are
// clamped to now. Returns false when the record was dropped.
func (a *Aggregator) Apply(record domain.TelemetryRecord) bool {
	now := a.now().UTC()
	ts := record.Timestamp
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	if ts.Before(now.Add(-Horizon)) {
		a.droppedLate.Add(1)
		return false
	}

	sh := a.shardFor(record.TenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ser := sh.tenants[record.TenantID]
	if ser == nil {
		ser = &series{buckets: make(map[int64]*bucket)}
		sh.tenants[record.TenantID] = ser
	}

	start := ts.Truncate(BucketSpan)
	key := start.Unix()
	b := ser.buckets[key]
	if b == nil {
		b = &bucket{start: start, latency: newLatencyDigest()}
		ser.buckets[key] = b
	}
	b.dirty = true
	b.count++
	switch record.Status {
	case domain.StatusError:
		b.errorCount++
	case domain.StatusBlocked:
		b.blockedCount++
	}
	b.costUSD += record.CostUSD
	b.promptTokens += record.PromptTokens
	b.outputTokens += record.CompletionTokens
	if record.LatencyMS > 0 {
		b.latency.add(record.LatencyMS)
	}
	return true
}

// Snapshot returns a point-in-time copy of a tenant's trailing window. The
// result reflects records within [now-window, now] at sub-bucket
// granularity and shares no state with the aggregator.
func (a *Aggregator) Snapshot(tenantID string, window time.Duration) domain.MetricWindow {
	now := a.now().UTC()
	if window <= 0 || window > Horizon {
		window = Horizon
	}
	cutoff := now.Add(-window)

	out := domain.MetricWindow{
		TenantID:   tenantID,
		WindowSize: window,
		TakenAt:    now,
	}

	sh := a.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ser := sh.tenants[tenantID]
	if ser == nil {
		return out
	}

	var digests []*latencyDigest
	var latencySum float64
	var latencyCount int64
	for _, b := range ser.buckets {
		if !b.start.Add(BucketSpan).After(cutoff) {
			continue
		}
		out.Count += b.count
		out.ErrorCount += b.errorCount
		out.BlockedCount += b.blockedCount
		out.CostUSD += b.costUSD
		out.PromptTokens += b.promptTokens
		out.OutputTokens += b.outputTokens
		if b.latency.count > 0 {
			digests = append(digests, b.latency)
			latencySum += b.latency.sum
			latencyCount += b.latency.count
			if b.latency.max > out.LatencyMax {
				out.LatencyMax = b.latency.max
			}
		}
	}
	if latencyCount > 0 {
		out.LatencyAvg = latencySum / float64(latencyCount)
		out.LatencyP50 = mergedQuantile(digests, 0.50)
		out.LatencyP95 = mergedQuantile(digests, 0.95)
		out.LatencyP99 = mergedQuantile(digests, 0.99)
	}
	return out
}

// FlushCompleted archives every completed sub-bucket written since the last
// flush and evicts buckets past the horizon. Re-flushing an already
// archived bucket after a late arrival is fine: rollup persistence upserts.
func (a *Aggregator) FlushCompleted() []domain.MetricRollup {
	now := a.now().UTC()
	expiry := now.Add(-Horizon)

	var rollups []domain.MetricRollup
	for _, sh := range a.shards {
		sh.mu.Lock()
		for tenantID, ser := range sh.tenants {
			for key, b := range ser.buckets {
				if !b.start.Add(BucketSpan).After(expiry) {
					delete(ser.buckets, key)
					continue
				}
				if b.dirty && !b.start.Add(BucketSpan).After(now) {
					rollups = append(rollups, b.toRollup(tenantID, now))
					b.dirty = false
				}
			}
			if len(ser.buckets) == 0 {
				delete(sh.tenants, tenantID)
			}
		}
		sh.mu.Unlock()
	}
	return rollups
}

// DroppedLate reports how many records were rejected as older than the
// horizon.
func (a *Aggregator) DroppedLate() int64 {
	return a.droppedLate.Load()
}

func (b *bucket) toRollup(tenantID string, now time.Time) domain.MetricRollup {
	r := domain.MetricRollup{
		TenantID:     tenantID,
		BucketStart:  b.start,
		BucketSpan:   BucketSpan,
		Count:        b.count,
		ErrorCount:   b.errorCount,
		BlockedCount: b.blockedCount,
		CostUSD:      b.costUSD,
		PromptTokens: b.promptTokens,
		OutputTokens: b.outputTokens,
		UpdatedAt:    now,
	}
	if b.latency.count > 0 {
		avg := b.latency.sum / float64(b.latency.count)
		max := b.latency.max
		p50 := b.latency.quantile(0.50)
		p95 := b.latency.quantile(0.95)
		p99 := b.latency.quantile(0.99)
		r.LatencyAvg = &avg
		r.LatencyMax = &max
		r.LatencyP50 = &p50
		r.LatencyP95 = &p95
		r.LatencyP99 = &p99
	}
	return r
}
