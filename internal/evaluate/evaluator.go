package evaluate

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaywatch/relaywatch/internal/aggregate"
	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/incident"
	"github.com/relaywatch/relaywatch/internal/repository"
)

const evalTimeout = 15 * time.Second

// Rule evaluation states. A rule must breach for sustainTicks consecutive
// ticks before it fires, and clear for the same number before it resolves,
// so a single noisy window never flaps an incident.
const (
	stateNotFiring = iota
	statePending
	stateFiring
	stateResolving
)

type ruleState struct {
	state  int
	streak int

	// last-seen rule identity, so a rule deleted mid-fire can still
	// release its incident
	tenantID  string
	condition string
}

// Snapshotter provides rolling metric windows. Satisfied by the aggregator.
type Snapshotter interface {
	Snapshot(tenantID string, window time.Duration) domain.MetricWindow
}

// IncidentSink receives one tenant's fire/resolve edges per tick. Satisfied
// by the incident manager.
type IncidentSink interface {
	ProcessBatch(ctx context.Context, tenantID string, fires []incident.RuleFire, resolves []incident.RuleResolve)
}

// Evaluator walks every enabled rule on a fixed cadence, compares the
// current window value against the rule threshold, and feeds the resulting
// fire/resolve edges to the incident manager.
type Evaluator struct {
	rules    repository.RuleRepository
	windows  Snapshotter
	manager  IncidentSink
	logger   *slog.Logger
	interval time.Duration
	jitter   time.Duration

	sustainTicks int
	minSamples   int64

	states map[string]*ruleState

	insufficient *prometheus.GaugeVec
	registerOnce sync.Once

	now func() time.Time
}

// New constructs an Evaluator.
func New(rules repository.RuleRepository, windows Snapshotter, manager IncidentSink, logger *slog.Logger, interval, jitter time.Duration, sustainTicks int, minSamples int) *Evaluator {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if sustainTicks < 1 {
		sustainTicks = 1
	}
	if logger != nil {
		logger = logger.With("component", "evaluator")
	}
	e := &Evaluator{
		rules:        rules,
		windows:      windows,
		manager:      manager,
		logger:       logger,
		interval:     interval,
		jitter:       jitter,
		sustainTicks: sustainTicks,
		minSamples:   int64(minSamples),
		states:       make(map[string]*ruleState),
		now:          time.Now,
	}
	e.insufficient = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relaywatch",
		Subsystem: "evaluate",
		Name:      "rule_insufficient_data",
		Help:      "Rules currently holding state because the window has too few samples (1 = holding)",
	}, []string{"tenant_id", "rule_id"})
	return e
}

// Register attaches the evaluator's metrics to a prometheus registerer.
func (e *Evaluator) Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	e.registerOnce.Do(func() {
		if err := reg.Register(e.insufficient); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) && e.logger != nil {
				e.logger.Warn("metric registration failed", "error", err)
			}
		}
	})
}

// Run executes the evaluation loop until the context is cancelled. A random
// startup delay staggers evaluation across restarts so a fleet of engines
// does not hit the store in lockstep.
func (e *Evaluator) Run(ctx context.Context) {
	if e == nil {
		return
	}
	if e.jitter > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rand.Int63n(int64(e.jitter)))):
		}
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("evaluator started", "interval", e.interval, "sustain_ticks", e.sustainTicks)
	e.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluator stopped")
			return
		case <-ticker.C:
			e.runIteration(ctx)
		}
	}
}

func (e *Evaluator) runIteration(parent context.Context) {
	timeout := evalTimeout
	if e.interval < timeout {
		timeout = e.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	rules, err := e.rules.ListEnabledRules(opCtx)
	if err != nil {
		e.logger.Warn("failed to list enabled rules", "error", err)
		return
	}

	now := e.now().UTC()
	seen := make(map[string]struct{}, len(rules))
	fires := make(map[string][]incident.RuleFire)
	resolves := make(map[string][]incident.RuleResolve)

	for _, rule := range rules {
		seen[rule.ID] = struct{}{}
		window := e.windows.Snapshot(rule.TenantID, aggregate.NormalizeWindow(rule.WindowMinutes))

		// Rate conditions over a handful of requests are statistically
		// meaningless; hold the current state until traffic returns.
		if rule.RateBased() && window.Count < e.minSamples {
			e.state(rule)
			e.insufficient.WithLabelValues(rule.TenantID, rule.ID).Set(1)
			continue
		}
		e.insufficient.WithLabelValues(rule.TenantID, rule.ID).Set(0)

		value, err := rule.ConditionValue(window)
		if err != nil {
			e.logger.Warn("skipping rule with unknown condition", "rule_id", rule.ID, "error", err)
			continue
		}

		switch e.step(rule, rule.Compare(value)) {
		case edgeFire:
			fires[rule.TenantID] = append(fires[rule.TenantID], incident.RuleFire{Rule: rule, Value: value})
			if err := e.rules.RecordRuleTrigger(opCtx, rule.ID, now); err != nil {
				e.logger.Warn("failed to record rule trigger", "rule_id", rule.ID, "error", err)
			}
			e.logger.Info("rule fired", "rule_id", rule.ID, "tenant_id", rule.TenantID,
				"condition", rule.Condition, "value", value, "threshold", rule.Threshold)
		case edgeRefresh:
			// A rule still in its firing state refreshes the incident
			// every tick so the manager can track the current value and
			// re-notify long-lived breaches.
			fires[rule.TenantID] = append(fires[rule.TenantID], incident.RuleFire{Rule: rule, Value: value})
		case edgeResolve:
			resolves[rule.TenantID] = append(resolves[rule.TenantID], incident.RuleResolve{Rule: rule})
			e.logger.Info("rule resolved", "rule_id", rule.ID, "tenant_id", rule.TenantID,
				"condition", rule.Condition, "value", value)
		}
	}

	// A rule deleted or disabled since the last tick drops its state. One
	// that was firing also emits a resolve, so its incident is not wedged
	// open waiting on a contributor that no longer exists.
	for id, rs := range e.states {
		if _, ok := seen[id]; ok {
			continue
		}
		if rs.state == stateFiring || rs.state == stateResolving {
			resolves[rs.tenantID] = append(resolves[rs.tenantID], incident.RuleResolve{
				Rule: domain.AlertRule{ID: id, TenantID: rs.tenantID, Condition: rs.condition},
			})
			e.logger.Info("firing rule removed, releasing incident hold",
				"rule_id", id, "tenant_id", rs.tenantID, "condition", rs.condition)
		}
		e.insufficient.DeleteLabelValues(rs.tenantID, id)
		delete(e.states, id)
	}

	for tenantID := range fires {
		e.manager.ProcessBatch(opCtx, tenantID, fires[tenantID], resolves[tenantID])
		delete(resolves, tenantID)
	}
	for tenantID, batch := range resolves {
		e.manager.ProcessBatch(opCtx, tenantID, nil, batch)
	}
}

type edge int

const (
	edgeNone edge = iota
	edgeFire
	edgeRefresh
	edgeResolve
)

// state returns the tracked entry for a rule, creating it on first sight.
func (e *Evaluator) state(rule domain.AlertRule) *ruleState {
	rs := e.states[rule.ID]
	if rs == nil {
		rs = &ruleState{state: stateNotFiring}
		e.states[rule.ID] = rs
	}
	rs.tenantID = rule.TenantID
	rs.condition = rule.Condition
	return rs
}

// step advances one rule's debounce state machine and reports whether the
// rule crossed a fire or resolve edge this tick, or is holding in the firing
// state.
func (e *Evaluator) step(rule domain.AlertRule, breached bool) edge {
	rs := e.state(rule)

	if breached {
		switch rs.state {
		case stateNotFiring:
			rs.state = statePending
			rs.streak = 1
			if rs.streak >= e.sustainTicks {
				rs.state = stateFiring
				return edgeFire
			}
		case statePending:
			rs.streak++
			if rs.streak >= e.sustainTicks {
				rs.state = stateFiring
				return edgeFire
			}
		case stateFiring:
			return edgeRefresh
		case stateResolving:
			rs.state = stateFiring
			rs.streak = 0
			return edgeRefresh
		}
		return edgeNone
	}

	switch rs.state {
	case statePending:
		rs.state = stateNotFiring
		rs.streak = 0
	case stateFiring:
		rs.state = stateResolving
		rs.streak = 1
		if rs.streak >= e.sustainTicks {
			rs.state = stateNotFiring
			rs.streak = 0
			return edgeResolve
		}
	case stateResolving:
		rs.streak++
		if rs.streak >= e.sustainTicks {
			rs.state = stateNotFiring
			rs.streak = 0
			return edgeResolve
		}
	}
	return edgeNone
}
