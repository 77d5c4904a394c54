package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/repository"
	"github.com/relaywatch/relaywatch/internal/ws"
)

// Dispatcher receives incident state transitions for delivery. Satisfied by
// the notifier.
type Dispatcher interface {
	DispatchTransition(ctx context.Context, incident domain.Incident, transition string, integrationIDs []string)
	CancelIncident(incidentID string)
}

// RuleFire reports a rule entering its firing state with the value that
// crossed the threshold.
type RuleFire struct {
	Rule  domain.AlertRule
	Value float64
}

// RuleResolve reports a rule leaving its firing state.
type RuleResolve struct {
	Rule domain.AlertRule
}

type openIncident struct {
	incident     domain.Incident
	firing       map[string]struct{}
	integrations map[string]struct{}
	lastNotified time.Time
}

// Manager deduplicates concurrently firing rules into one incident per
// signal and drives the open → acknowledged → resolved lifecycle.
// Incidents are never deleted; resolution preserves the audit trail.
type Manager struct {
	store      repository.IncidentRepository
	rules      repository.RuleRepository
	dispatcher Dispatcher
	hub        *ws.Hub
	logger     *slog.Logger

	renotifyEvery time.Duration

	mu   sync.Mutex
	open map[string]*openIncident

	now func() time.Time
}

// NewManager constructs a Manager.
func NewManager(store repository.IncidentRepository, rules repository.RuleRepository, dispatcher Dispatcher, hub *ws.Hub, logger *slog.Logger, renotifyEvery time.Duration) *Manager {
	if logger != nil {
		logger = logger.With("component", "incidents")
	}
	return &Manager{
		store:         store,
		rules:         rules,
		dispatcher:    dispatcher,
		hub:           hub,
		logger:        logger,
		renotifyEvery: renotifyEvery,
		open:          make(map[string]*openIncident),
		now:           time.Now,
	}
}

// Restore rebuilds the open-incident index from the store. Contributing
// rules are conservatively assumed still firing; the next evaluation tick
// resolves any that have cleared.
func (m *Manager) Restore(ctx context.Context) error {
	incidents, err := m.store.ListOpenIncidents(ctx)
	if err != nil {
		return fmt.Errorf("list open incidents: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, incident := range incidents {
		oi := &openIncident{
			incident:     incident,
			firing:       make(map[string]struct{}),
			integrations: make(map[string]struct{}),
			lastNotified: incident.DetectedAt,
		}
		for _, ruleID := range incident.ContributingRuleIDs {
			oi.firing[ruleID] = struct{}{}
			if rule, err := m.rules.GetRuleByID(ctx, incident.TenantID, ruleID); err == nil {
				for _, id := range rule.IntegrationIDs {
					oi.integrations[id] = struct{}{}
				}
			}
		}
		m.open[m.key(incident.TenantID, incident.DedupKey)] = oi
	}
	if m.logger != nil && len(incidents) > 0 {
		m.logger.Info("restored open incidents", "count", len(incidents))
	}
	return nil
}

type pendingTransition struct {
	incident     domain.Incident
	transition   string
	integrations []string
}

// ProcessBatch applies one evaluation tick's rule results for a tenant as a
// single unit: dedup and merge first, persistence second, notification
// last. Each resulting state transition is handed to the dispatcher exactly
// once.
func (m *Manager) ProcessBatch(ctx context.Context, tenantID string, fires []RuleFire, resolves []RuleResolve) {
	now := m.now().UTC()

	m.mu.Lock()
	transitions := make([]pendingTransition, 0, len(fires)+len(resolves))
	// opened and escalated collapse when the same signal is hit twice in
	// one tick.
	ticked := make(map[string]string)
	// merges that change the stored row without warranting a notification
	dirty := make(map[string]domain.Incident)

	for _, fire := range fires {
		key := m.key(tenantID, fire.Rule.Condition)
		oi := m.open[key]
		if oi == nil {
			incident := m.newIncident(tenantID, fire, now)
			oi = &openIncident{
				incident:     incident,
				firing:       map[string]struct{}{fire.Rule.ID: {}},
				integrations: make(map[string]struct{}),
				lastNotified: now,
			}
			for _, id := range fire.Rule.IntegrationIDs {
				oi.integrations[id] = struct{}{}
			}
			m.open[key] = oi
			ticked[key] = domain.TransitionOpened
			continue
		}

		oi.firing[fire.Rule.ID] = struct{}{}
		for _, id := range fire.Rule.IntegrationIDs {
			oi.integrations[id] = struct{}{}
		}
		if !oi.incident.Contributes(fire.Rule.ID) {
			oi.incident.ContributingRuleIDs = append(oi.incident.ContributingRuleIDs, fire.Rule.ID)
		}
		oi.incident.MetricValue = fire.Value
		oi.incident.UpdatedAt = now

		if domain.SeverityRank(fire.Rule.Severity) > domain.SeverityRank(oi.incident.Severity) {
			oi.incident.Severity = fire.Rule.Severity
			if ticked[key] != domain.TransitionOpened {
				ticked[key] = domain.TransitionEscalated
			}
		} else if ticked[key] == "" && m.renotifyDue(oi, now) {
			ticked[key] = domain.TransitionRenotify
		}
		if ticked[key] == "" {
			dirty[key] = oi.incident
		}
	}

	for _, resolve := range resolves {
		key := m.key(tenantID, resolve.Rule.Condition)
		oi := m.open[key]
		if oi == nil {
			continue
		}
		delete(oi.firing, resolve.Rule.ID)
		if len(oi.firing) > 0 {
			continue
		}
		oi.incident.Status = domain.IncidentResolved
		resolvedAt := now
		oi.incident.ResolvedAt = &resolvedAt
		oi.incident.UpdatedAt = now
		delete(m.open, key)
		transitions = append(transitions, pendingTransition{
			incident:     oi.incident,
			transition:   domain.TransitionResolved,
			integrations: sortedKeys(oi.integrations),
		})
	}

	for key, transition := range ticked {
		oi := m.open[key]
		if oi == nil {
			continue
		}
		oi.lastNotified = now
		transitions = append(transitions, pendingTransition{
			incident:     oi.incident,
			transition:   transition,
			integrations: sortedKeys(oi.integrations),
		})
	}
	m.mu.Unlock()

	for _, incident := range dirty {
		if err := m.store.UpdateIncident(ctx, &incident); err != nil && m.logger != nil {
			m.logger.Error("failed to persist incident merge",
				"incident_id", incident.ID, "error", err)
		}
	}

	for _, pt := range transitions {
		m.persist(ctx, pt.incident, pt.transition)
		if pt.transition == domain.TransitionResolved && m.dispatcher != nil {
			m.dispatcher.CancelIncident(pt.incident.ID)
		}
		if m.dispatcher != nil {
			m.dispatcher.DispatchTransition(ctx, pt.incident, pt.transition, pt.integrations)
		}
		m.broadcast(pt.incident, pt.transition)
	}
}

// Acknowledge marks an open incident as acknowledged by an operator.
func (m *Manager) Acknowledge(ctx context.Context, tenantID, incidentID string) (*domain.Incident, error) {
	incident, err := m.store.GetIncidentByID(ctx, tenantID, incidentID)
	if err != nil {
		return nil, err
	}
	if incident.Status == domain.IncidentResolved {
		return nil, fmt.Errorf("incident %s already resolved", incidentID)
	}
	now := m.now().UTC()
	incident.Status = domain.IncidentAcknowledged
	incident.AcknowledgedAt = &now
	incident.UpdatedAt = now
	if err := m.store.UpdateIncident(ctx, incident); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if oi := m.open[m.key(tenantID, incident.DedupKey)]; oi != nil && oi.incident.ID == incidentID {
		oi.incident.Status = domain.IncidentAcknowledged
		oi.incident.AcknowledgedAt = &now
		oi.incident.UpdatedAt = now
	}
	m.mu.Unlock()

	m.broadcast(*incident, "acknowledged")
	return incident, nil
}

func (m *Manager) key(tenantID, dedupKey string) string {
	return tenantID + "\x00" + dedupKey
}

func (m *Manager) renotifyDue(oi *openIncident, now time.Time) bool {
	return m.renotifyEvery > 0 && now.Sub(oi.lastNotified) >= m.renotifyEvery
}

func (m *Manager) newIncident(tenantID string, fire RuleFire, now time.Time) domain.Incident {
	return domain.Incident{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		DedupKey:            fire.Rule.Condition,
		Title:               titleFor(fire.Rule.Condition),
		Signal:              signalFor(fire.Rule, fire.Value),
		Severity:            fire.Rule.Severity,
		Status:              domain.IncidentOpen,
		Description:         fmt.Sprintf("Rule %q fired for tenant %s.", fire.Rule.Name, tenantID),
		SuggestedAction:     suggestedActionFor(fire.Rule.Condition),
		MetricValue:         fire.Value,
		ContributingRuleIDs: []string{fire.Rule.ID},
		DetectedAt:          now,
		UpdatedAt:           now,
	}
}

func (m *Manager) persist(ctx context.Context, incident domain.Incident, transition string) {
	var err error
	if transition == domain.TransitionOpened {
		err = m.store.CreateIncident(ctx, &incident)
	} else {
		err = m.store.UpdateIncident(ctx, &incident)
	}
	if err != nil && m.logger != nil {
		m.logger.Error("failed to persist incident",
			"incident_id", incident.ID, "transition", transition, "error", err)
	}
}

func (m *Manager) broadcast(incident domain.Incident, transition string) {
	if m.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":         "incident." + transition,
		"id":           incident.ID,
		"tenant_id":    incident.TenantID,
		"dedup_key":    incident.DedupKey,
		"title":        incident.Title,
		"severity":     incident.Severity,
		"status":       incident.Status,
		"metric_value": incident.MetricValue,
		"detected_at":  incident.DetectedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	m.hub.Broadcast(incident.TenantID, payload)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func titleFor(condition string) string {
	switch condition {
	case domain.ConditionErrorRate:
		return "Elevated error rate"
	case domain.ConditionLatencyP95:
		return "High p95 latency"
	case domain.ConditionLatencyAvg:
		return "High average latency"
	case domain.ConditionCostThreshold:
		return "Cost threshold exceeded"
	case domain.ConditionRequestVolume:
		return "Request volume anomaly"
	case domain.ConditionBlockRate:
		return "Elevated safety block rate"
	}
	return "Alert condition " + condition
}

func signalFor(rule domain.AlertRule, value float64) string {
	return fmt.Sprintf("%s is %.4g, %s threshold %.4g over the last %dm (rule %q)",
		rule.Condition, value, rule.Comparison, rule.Threshold, rule.WindowMinutes, rule.Name)
}

func suggestedActionFor(condition string) string {
	switch condition {
	case domain.ConditionErrorRate:
		return "Check provider status pages and any recent routing or prompt changes."
	case domain.ConditionLatencyP95, domain.ConditionLatencyAvg:
		return "Inspect provider latency and consider failover to a secondary model."
	case domain.ConditionCostThreshold:
		return "Review token usage by model; a runaway loop or prompt regression may be inflating spend."
	case domain.ConditionRequestVolume:
		return "Verify expected traffic; sudden spikes may indicate abuse or a retry storm."
	case domain.ConditionBlockRate:
		return "Review safe-mode policy hits for a misbehaving client or prompt pattern."
	}
	return ""
}
