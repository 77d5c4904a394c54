package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.RuleRepository         = (*Repository)(nil)
	_ repository.IntegrationRepository  = (*Repository)(nil)
	_ repository.IncidentRepository     = (*Repository)(nil)
	_ repository.NotificationRepository = (*Repository)(nil)
	_ repository.RollupRepository       = (*Repository)(nil)
	_ repository.APIKeyRepository       = (*Repository)(nil)
)

// CreateRule inserts an alert rule.
func (r *Repository) CreateRule(ctx context.Context, rule *domain.AlertRule) error {
	const query = `INSERT INTO alert_rules
		(id, tenant_id, name, condition, comparison, threshold, window_minutes, severity, integration_ids, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		rule.ID, rule.TenantID, rule.Name, rule.Condition, rule.Comparison,
		rule.Threshold, rule.WindowMinutes, rule.Severity, rule.IntegrationIDs,
		rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	return err
}

// UpdateRule rewrites mutable rule fields.
func (r *Repository) UpdateRule(ctx context.Context, rule *domain.AlertRule) error {
	const query = `UPDATE alert_rules
		SET name = $3, condition = $4, comparison = $5, threshold = $6,
			window_minutes = $7, severity = $8, integration_ids = $9, enabled = $10, updated_at = $11
		WHERE tenant_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query,
		rule.TenantID, rule.ID, rule.Name, rule.Condition, rule.Comparison,
		rule.Threshold, rule.WindowMinutes, rule.Severity, rule.IntegrationIDs,
		rule.Enabled, rule.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (r *Repository) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	const query = `DELETE FROM alert_rules WHERE tenant_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query, tenantID, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const ruleColumns = `id, tenant_id, name, condition, comparison, threshold, window_minutes,
	severity, integration_ids, enabled, trigger_count, last_triggered_at, created_at, updated_at`

// GetRuleByID fetches a single rule scoped to a tenant.
func (r *Repository) GetRuleByID(ctx context.Context, tenantID, ruleID string) (*domain.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE tenant_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, ruleID)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

// ListRulesByTenant returns all rules for a tenant.
func (r *Repository) ListRulesByTenant(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE tenant_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListEnabledRules returns enabled rules across all tenants for evaluation.
func (r *Repository) ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE enabled ORDER BY tenant_id, created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// RecordRuleTrigger bumps trigger bookkeeping when a rule starts firing.
func (r *Repository) RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	const query = `UPDATE alert_rules
		SET trigger_count = trigger_count + 1, last_triggered_at = $2
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, ruleID, at)
	return err
}

func collectRules(rows pgx.Rows) ([]domain.AlertRule, error) {
	var rules []domain.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (*domain.AlertRule, error) {
	var rule domain.AlertRule
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rule.Condition,
		&rule.Comparison, &rule.Threshold, &rule.WindowMinutes, &rule.Severity,
		&rule.IntegrationIDs, &rule.Enabled, &rule.TriggerCount,
		&rule.LastTriggeredAt, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateIntegration inserts a notification target with its channel config.
func (r *Repository) CreateIntegration(ctx context.Context, integration *domain.Integration) error {
	cfg, err := json.Marshal(integration.Config)
	if err != nil {
		return fmt.Errorf("marshal integration config: %w", err)
	}
	const query = `INSERT INTO integrations
		(id, tenant_id, name, channel, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query,
		integration.ID, integration.TenantID, integration.Name, integration.Channel,
		cfg, integration.Enabled, integration.CreatedAt, integration.UpdatedAt)
	return err
}

// DeleteIntegration removes an integration. Rules referencing it keep their
// reference; dispatch treats the dangling id as a skipped target.
func (r *Repository) DeleteIntegration(ctx context.Context, tenantID, integrationID string) error {
	const query = `DELETE FROM integrations WHERE tenant_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query, tenantID, integrationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const integrationColumns = `id, tenant_id, name, channel, config, enabled, created_at, updated_at`

// GetIntegrationByID fetches one integration scoped to a tenant.
func (r *Repository) GetIntegrationByID(ctx context.Context, tenantID, integrationID string) (*domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE tenant_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, integrationID)
	integration, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return integration, nil
}

// ListIntegrationsByTenant returns all integrations for a tenant.
func (r *Repository) ListIntegrationsByTenant(ctx context.Context, tenantID string) ([]domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE tenant_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var integrations []domain.Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, *integration)
	}
	return integrations, rows.Err()
}

func scanIntegration(row pgx.Row) (*domain.Integration, error) {
	var integration domain.Integration
	var cfg []byte
	err := row.Scan(&integration.ID, &integration.TenantID, &integration.Name,
		&integration.Channel, &cfg, &integration.Enabled,
		&integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &integration.Config); err != nil {
			return nil, fmt.Errorf("unmarshal integration config: %w", err)
		}
	}
	return &integration, nil
}

// CreateIncident inserts a newly opened incident.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	const query = `INSERT INTO incidents
		(id, tenant_id, dedup_key, title, signal, severity, status, description,
		 suggested_action, metric_value, contributing_rule_ids, detected_at,
		 acknowledged_at, resolved_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		incident.ID, incident.TenantID, incident.DedupKey, incident.Title,
		incident.Signal, incident.Severity, incident.Status, incident.Description,
		incident.SuggestedAction, incident.MetricValue, incident.ContributingRuleIDs,
		incident.DetectedAt, incident.AcknowledgedAt, incident.ResolvedAt, incident.UpdatedAt)
	return err
}

// UpdateIncident rewrites lifecycle fields of an existing incident.
func (r *Repository) UpdateIncident(ctx context.Context, incident *domain.Incident) error {
	const query = `UPDATE incidents
		SET severity = $3, status = $4, description = $5, suggested_action = $6,
			metric_value = $7, contributing_rule_ids = $8, acknowledged_at = $9,
			resolved_at = $10, updated_at = $11
		WHERE tenant_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query,
		incident.TenantID, incident.ID, incident.Severity, incident.Status,
		incident.Description, incident.SuggestedAction, incident.MetricValue,
		incident.ContributingRuleIDs, incident.AcknowledgedAt, incident.ResolvedAt,
		incident.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const incidentColumns = `id, tenant_id, dedup_key, title, signal, severity, status,
	description, suggested_action, metric_value, contributing_rule_ids,
	detected_at, acknowledged_at, resolved_at, updated_at`

// GetIncidentByID fetches one incident scoped to a tenant.
func (r *Repository) GetIncidentByID(ctx context.Context, tenantID, incidentID string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = $1 AND id = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, incidentID)
	incident, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return incident, nil
}

// ListIncidents returns incident history for a tenant, optionally filtered
// by status, newest first.
func (r *Repository) ListIncidents(ctx context.Context, tenantID, status string, limit, offset int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = $2 ORDER BY detected_at DESC LIMIT $3 OFFSET $4`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY detected_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// ListOpenIncidents returns unresolved incidents across all tenants. Used to
// rebuild the dedup index on startup.
func (r *Repository) ListOpenIncidents(ctx context.Context) ([]domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE status <> 'resolved' ORDER BY detected_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIncidents(rows)
}

func collectIncidents(rows pgx.Rows) ([]domain.Incident, error) {
	var incidents []domain.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *incident)
	}
	return incidents, rows.Err()
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var incident domain.Incident
	err := row.Scan(&incident.ID, &incident.TenantID, &incident.DedupKey,
		&incident.Title, &incident.Signal, &incident.Severity, &incident.Status,
		&incident.Description, &incident.SuggestedAction, &incident.MetricValue,
		&incident.ContributingRuleIDs, &incident.DetectedAt,
		&incident.AcknowledgedAt, &incident.ResolvedAt, &incident.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// CreateAttempt inserts a notification attempt row.
func (r *Repository) CreateAttempt(ctx context.Context, attempt *domain.NotificationAttempt) error {
	const query = `INSERT INTO notification_attempts
		(id, tenant_id, incident_id, integration_id, transition, status,
		 attempt_count, last_attempted_at, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.TenantID, attempt.IncidentID, attempt.IntegrationID,
		attempt.Transition, attempt.Status, attempt.AttemptCount,
		attempt.LastAttemptedAt, nullableString(attempt.Error), attempt.CreatedAt)
	return err
}

// UpdateAttempt records retry progress and terminal status.
func (r *Repository) UpdateAttempt(ctx context.Context, attempt *domain.NotificationAttempt) error {
	const query = `UPDATE notification_attempts
		SET status = $2, attempt_count = $3, last_attempted_at = $4, error = $5
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.Status, attempt.AttemptCount,
		attempt.LastAttemptedAt, nullableString(attempt.Error))
	return err
}

// ListAttemptsByIncident returns delivery history for an incident.
func (r *Repository) ListAttemptsByIncident(ctx context.Context, tenantID, incidentID string) ([]domain.NotificationAttempt, error) {
	const query = `SELECT id, tenant_id, incident_id, integration_id, transition,
			status, attempt_count, last_attempted_at, error, created_at
		FROM notification_attempts
		WHERE tenant_id = $1 AND incident_id = $2
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, tenantID, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []domain.NotificationAttempt
	for rows.Next() {
		var attempt domain.NotificationAttempt
		var errText *string
		if err := rows.Scan(&attempt.ID, &attempt.TenantID, &attempt.IncidentID,
			&attempt.IntegrationID, &attempt.Transition, &attempt.Status,
			&attempt.AttemptCount, &attempt.LastAttemptedAt, &errText,
			&attempt.CreatedAt); err != nil {
			return nil, err
		}
		if errText != nil {
			attempt.Error = *errText
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// UpsertRollups archives completed aggregation buckets.
func (r *Repository) UpsertRollups(ctx context.Context, rollups []domain.MetricRollup) error {
	const query = `INSERT INTO metric_rollups
		(tenant_id, bucket_start, bucket_span_seconds, count, error_count, blocked_count,
		 cost_usd, prompt_tokens, output_tokens, latency_p50, latency_p95, latency_p99,
		 latency_avg, latency_max, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, bucket_start, bucket_span_seconds) DO UPDATE SET
			count = EXCLUDED.count,
			error_count = EXCLUDED.error_count,
			blocked_count = EXCLUDED.blocked_count,
			cost_usd = EXCLUDED.cost_usd,
			prompt_tokens = EXCLUDED.prompt_tokens,
			output_tokens = EXCLUDED.output_tokens,
			latency_p50 = EXCLUDED.latency_p50,
			latency_p95 = EXCLUDED.latency_p95,
			latency_p99 = EXCLUDED.latency_p99,
			latency_avg = EXCLUDED.latency_avg,
			latency_max = EXCLUDED.latency_max,
			updated_at = EXCLUDED.updated_at`
	for _, rollup := range rollups {
		_, err := r.pool.Exec(ctx, query,
			rollup.TenantID, rollup.BucketStart, int64(rollup.BucketSpan.Seconds()),
			rollup.Count, rollup.ErrorCount, rollup.BlockedCount, rollup.CostUSD,
			rollup.PromptTokens, rollup.OutputTokens, rollup.LatencyP50,
			rollup.LatencyP95, rollup.LatencyP99, rollup.LatencyAvg,
			rollup.LatencyMax, rollup.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListRollups returns archived buckets for a tenant, newest first.
func (r *Repository) ListRollups(ctx context.Context, tenantID string, span time.Duration, limit int) ([]domain.MetricRollup, error) {
	if limit <= 0 {
		limit = 120
	}
	const query = `SELECT tenant_id, bucket_start, bucket_span_seconds, count, error_count,
			blocked_count, cost_usd, prompt_tokens, output_tokens, latency_p50,
			latency_p95, latency_p99, latency_avg, latency_max, updated_at
		FROM metric_rollups
		WHERE tenant_id = $1 AND bucket_span_seconds = $2
		ORDER BY bucket_start DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, tenantID, int64(span.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rollups []domain.MetricRollup
	for rows.Next() {
		var rollup domain.MetricRollup
		var spanSeconds int64
		if err := rows.Scan(&rollup.TenantID, &rollup.BucketStart, &spanSeconds,
			&rollup.Count, &rollup.ErrorCount, &rollup.BlockedCount, &rollup.CostUSD,
			&rollup.PromptTokens, &rollup.OutputTokens, &rollup.LatencyP50,
			&rollup.LatencyP95, &rollup.LatencyP99, &rollup.LatencyAvg,
			&rollup.LatencyMax, &rollup.UpdatedAt); err != nil {
			return nil, err
		}
		rollup.BucketSpan = time.Duration(spanSeconds) * time.Second
		rollups = append(rollups, rollup)
	}
	return rollups, rows.Err()
}

// GetAPIKeyByHash resolves an operator token hash to its tenant.
func (r *Repository) GetAPIKeyByHash(ctx context.Context, tokenHash string) (*domain.APIKey, error) {
	const query = `SELECT token_hash, tenant_id, label, created_at FROM api_keys WHERE token_hash = $1`
	row := r.pool.QueryRow(ctx, query, tokenHash)
	var key domain.APIKey
	if err := row.Scan(&key.TokenHash, &key.TenantID, &key.Label, &key.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
