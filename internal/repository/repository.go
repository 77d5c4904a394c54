package repository

import (
	"context"
	"time"

	"github.com/relaywatch/relaywatch/internal/domain"
)

// RuleRepository persists alert rule definitions.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *domain.AlertRule) error
	UpdateRule(ctx context.Context, rule *domain.AlertRule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
	GetRuleByID(ctx context.Context, tenantID, ruleID string) (*domain.AlertRule, error)
	ListRulesByTenant(ctx context.Context, tenantID string) ([]domain.AlertRule, error)
	ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error)
	RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error
}

// IntegrationRepository persists notification targets.
type IntegrationRepository interface {
	CreateIntegration(ctx context.Context, integration *domain.Integration) error
	DeleteIntegration(ctx context.Context, tenantID, integrationID string) error
	GetIntegrationByID(ctx context.Context, tenantID, integrationID string) (*domain.Integration, error)
	ListIntegrationsByTenant(ctx context.Context, tenantID string) ([]domain.Integration, error)
}

// IncidentRepository stores the incident audit trail.
type IncidentRepository interface {
	CreateIncident(ctx context.Context, incident *domain.Incident) error
	UpdateIncident(ctx context.Context, incident *domain.Incident) error
	GetIncidentByID(ctx context.Context, tenantID, incidentID string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, tenantID, status string, limit, offset int) ([]domain.Incident, error)
	ListOpenIncidents(ctx context.Context) ([]domain.Incident, error)
}

// NotificationRepository tracks delivery attempts.
type NotificationRepository interface {
	CreateAttempt(ctx context.Context, attempt *domain.NotificationAttempt) error
	UpdateAttempt(ctx context.Context, attempt *domain.NotificationAttempt) error
	ListAttemptsByIncident(ctx context.Context, tenantID, incidentID string) ([]domain.NotificationAttempt, error)
}

// RollupRepository archives completed aggregation buckets.
type RollupRepository interface {
	UpsertRollups(ctx context.Context, rollups []domain.MetricRollup) error
	ListRollups(ctx context.Context, tenantID string, span time.Duration, limit int) ([]domain.MetricRollup, error)
}

// APIKeyRepository resolves operator tokens to tenants.
type APIKeyRepository interface {
	GetAPIKeyByHash(ctx context.Context, tokenHash string) (*domain.APIKey, error)
}
