package evaluate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/incident"
	"github.com/relaywatch/relaywatch/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type testRuleRepo struct {
	mu       sync.Mutex
	rules    []domain.AlertRule
	triggers map[string]int
}

func (r *testRuleRepo) CreateRule(context.Context, *domain.AlertRule) error { return nil }
func (r *testRuleRepo) UpdateRule(context.Context, *domain.AlertRule) error { return nil }
func (r *testRuleRepo) DeleteRule(context.Context, string, string) error    { return nil }
func (r *testRuleRepo) GetRuleByID(context.Context, string, string) (*domain.AlertRule, error) {
	return nil, repository.ErrNotFound
}
func (r *testRuleRepo) ListRulesByTenant(context.Context, string) ([]domain.AlertRule, error) {
	return nil, nil
}

func (r *testRuleRepo) ListEnabledRules(context.Context) ([]domain.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AlertRule, len(r.rules))
	copy(out, r.rules)
	return out, nil
}

func (r *testRuleRepo) RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.triggers == nil {
		r.triggers = make(map[string]int)
	}
	r.triggers[ruleID]++
	return nil
}

func (r *testRuleRepo) triggerCount(ruleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triggers[ruleID]
}

type testWindows struct {
	windows map[string]domain.MetricWindow
}

func (w *testWindows) Snapshot(tenantID string, window time.Duration) domain.MetricWindow {
	snap := w.windows[tenantID]
	snap.TenantID = tenantID
	snap.WindowSize = window
	return snap
}

type sinkBatch struct {
	tenantID string
	fires    []incident.RuleFire
	resolves []incident.RuleResolve
}

type testSink struct {
	mu      sync.Mutex
	batches []sinkBatch
}

func (s *testSink) ProcessBatch(ctx context.Context, tenantID string, fires []incident.RuleFire, resolves []incident.RuleResolve) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, sinkBatch{tenantID: tenantID, fires: fires, resolves: resolves})
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *testSink) last(t *testing.T) sinkBatch {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		t.Fatal("no batches recorded")
	}
	return s.batches[len(s.batches)-1]
}

func errorRateRule(id string, threshold float64) domain.AlertRule {
	return domain.AlertRule{
		ID:            id,
		TenantID:      "tenant-a",
		Name:          "rule " + id,
		Condition:     domain.ConditionErrorRate,
		Comparison:    domain.CompareGT,
		Threshold:     threshold,
		WindowMinutes: 5,
		Severity:      domain.SeverityHigh,
		Enabled:       true,
	}
}

func newTestEvaluator(rules *testRuleRepo, windows *testWindows, sink *testSink) *Evaluator {
	return New(rules, windows, sink, testLogger(), 20*time.Second, 0, 2, 10)
}

func TestRuleFiresAfterSustainedBreach(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	// First breaching tick is pending only.
	ev.runIteration(ctx)
	if sink.count() != 0 {
		t.Fatalf("rule fired on first breach, want debounce")
	}

	ev.runIteration(ctx)
	batch := sink.last(t)
	if batch.tenantID != "tenant-a" || len(batch.fires) != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if batch.fires[0].Value != 0.2 {
		t.Fatalf("fire value = %v, want 0.2", batch.fires[0].Value)
	}
	if rules.triggerCount("r1") != 1 {
		t.Fatalf("trigger count = %d, want 1", rules.triggerCount("r1"))
	}

	// Continued breach refreshes the incident each tick but never
	// re-records a trigger.
	ev.runIteration(ctx)
	if sink.count() != 2 {
		t.Fatalf("firing rule did not refresh, batches %d", sink.count())
	}
	refresh := sink.last(t)
	if len(refresh.fires) != 1 || refresh.fires[0].Rule.ID != "r1" {
		t.Fatalf("unexpected refresh batch %+v", refresh)
	}
	if rules.triggerCount("r1") != 1 {
		t.Fatalf("trigger count = %d after refresh, want 1", rules.triggerCount("r1"))
	}
}

func TestSingleTickBlipNeverFires(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	windows.windows["tenant-a"] = domain.MetricWindow{Count: 100, ErrorCount: 1}
	ev.runIteration(ctx)
	windows.windows["tenant-a"] = domain.MetricWindow{Count: 100, ErrorCount: 20}
	ev.runIteration(ctx)

	if sink.count() != 0 {
		t.Fatalf("flapping value fired, batches %d", sink.count())
	}
}

func TestRuleResolvesAfterSustainedClear(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if sink.count() != 1 {
		t.Fatalf("expected fire first, batches %d", sink.count())
	}

	windows.windows["tenant-a"] = domain.MetricWindow{Count: 100, ErrorCount: 1}
	ev.runIteration(ctx)
	if sink.count() != 1 {
		t.Fatalf("resolved after one clear tick, want debounce")
	}
	ev.runIteration(ctx)
	batch := sink.last(t)
	if len(batch.resolves) != 1 || batch.resolves[0].Rule.ID != "r1" {
		t.Fatalf("unexpected resolve batch %+v", batch)
	}
}

func TestRateRulesHoldOnInsufficientSamples(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	// 100% error rate over 3 requests is noise, not an outage.
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 3, ErrorCount: 3},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if sink.count() != 0 {
		t.Fatalf("rule fired on %d samples, want hold", 3)
	}

	// A firing rule also holds instead of resolving when traffic vanishes.
	windows.windows["tenant-a"] = domain.MetricWindow{Count: 100, ErrorCount: 20}
	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if sink.count() != 1 {
		t.Fatalf("expected fire, batches %d", sink.count())
	}
	windows.windows["tenant-a"] = domain.MetricWindow{Count: 0, ErrorCount: 0}
	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if sink.count() != 1 {
		t.Fatalf("firing rule resolved without data, batches %d", sink.count())
	}
}

func TestVolumeRuleIgnoresMinSampleGuard(t *testing.T) {
	volumeRule := domain.AlertRule{
		ID:            "r2",
		TenantID:      "tenant-a",
		Name:          "low traffic",
		Condition:     domain.ConditionRequestVolume,
		Comparison:    domain.CompareLT,
		Threshold:     10,
		WindowMinutes: 15,
		Severity:      domain.SeverityMedium,
		Enabled:       true,
	}
	rules := &testRuleRepo{rules: []domain.AlertRule{volumeRule}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 2},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	ev.runIteration(ctx)
	batch := sink.last(t)
	if len(batch.fires) != 1 || batch.fires[0].Rule.ID != "r2" {
		t.Fatalf("volume rule did not fire: %+v", batch)
	}
}

func TestDeletedRuleStateIsDropped(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	rules.mu.Lock()
	rules.rules = nil
	rules.mu.Unlock()
	ev.runIteration(ctx)
	if len(ev.states) != 0 {
		t.Fatalf("stale rule state kept: %d entries", len(ev.states))
	}
	// A rule that never fired leaves quietly.
	if sink.count() != 0 {
		t.Fatalf("pending rule prune emitted %d batches, want 0", sink.count())
	}
}

func TestDeletedFiringRuleEmitsResolve(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if len(sink.last(t).fires) != 1 {
		t.Fatalf("expected fire before deletion, batch %+v", sink.last(t))
	}

	rules.mu.Lock()
	rules.rules = nil
	rules.mu.Unlock()
	ev.runIteration(ctx)

	batch := sink.last(t)
	if len(batch.resolves) != 1 {
		t.Fatalf("deleted firing rule emitted no resolve: %+v", batch)
	}
	resolved := batch.resolves[0].Rule
	if resolved.ID != "r1" || resolved.TenantID != "tenant-a" || resolved.Condition != domain.ConditionErrorRate {
		t.Fatalf("resolve carries wrong identity: %+v", resolved)
	}
	if len(ev.states) != 0 {
		t.Fatalf("stale rule state kept: %d entries", len(ev.states))
	}
}

func TestInsufficientSamplesReportedAsGauge(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 3, ErrorCount: 3},
	}}
	sink := &testSink{}
	ev := newTestEvaluator(rules, windows, sink)
	ctx := context.Background()

	ev.runIteration(ctx)
	if v := testutil.ToFloat64(ev.insufficient.WithLabelValues("tenant-a", "r1")); v != 1 {
		t.Fatalf("gauge = %v while holding, want 1", v)
	}

	windows.windows["tenant-a"] = domain.MetricWindow{Count: 100, ErrorCount: 1}
	ev.runIteration(ctx)
	if v := testutil.ToFloat64(ev.insufficient.WithLabelValues("tenant-a", "r1")); v != 0 {
		t.Fatalf("gauge = %v with traffic, want 0", v)
	}

	rules.mu.Lock()
	rules.rules = nil
	rules.mu.Unlock()
	ev.runIteration(ctx)
	if n := testutil.CollectAndCount(ev.insufficient); n != 0 {
		t.Fatalf("gauge kept %d series for deleted rules, want 0", n)
	}
}
