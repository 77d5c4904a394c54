package httpx

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaywatch/relaywatch/internal/aggregate"
	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/repository"
	"github.com/relaywatch/relaywatch/internal/ws"
)

// Ingester accepts raw telemetry records. Satisfied by the collector.
type Ingester interface {
	Ingest(record domain.TelemetryRecord) error
}

// Snapshotter serves rolling metric windows. Satisfied by the aggregator.
type Snapshotter interface {
	Snapshot(tenantID string, window time.Duration) domain.MetricWindow
}

// Acknowledger marks incidents as acknowledged. Satisfied by the incident
// manager.
type Acknowledger interface {
	Acknowledge(ctx context.Context, tenantID, incidentID string) (*domain.Incident, error)
}

// ChannelTester fires a synthetic notification at an integration. Satisfied
// by the notifier.
type ChannelTester interface {
	Test(ctx context.Context, integration domain.Integration) domain.NotificationAttempt
}

// Explainer produces advisory incident analyses. Satisfied by the triage
// client.
type Explainer interface {
	Enabled() bool
	Explain(ctx context.Context, incident domain.Incident, window domain.MetricWindow) (*domain.TriageReport, error)
}

// Router wires HTTP endpoints to the engine.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	rules        repository.RuleRepository
	integrations repository.IntegrationRepository
	incidents    repository.IncidentRepository
	attempts     repository.NotificationRepository
	rollups      repository.RollupRepository
	apiKeys      repository.APIKeyRepository
	collector    Ingester
	windows      Snapshotter
	manager      Acknowledger
	tester       ChannelTester
	triage       Explainer
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	gatewayToken string
	dbHealth     func(context.Context) error
	redisHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 6000
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitExplain   = 10
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxIngestBody      = 1 << 20
)

// Deps carries the router's collaborators.
type Deps struct {
	Rules        repository.RuleRepository
	Integrations repository.IntegrationRepository
	Incidents    repository.IncidentRepository
	Attempts     repository.NotificationRepository
	Rollups      repository.RollupRepository
	APIKeys      repository.APIKeyRepository
	Collector    Ingester
	Windows      Snapshotter
	Manager      Acknowledger
	Tester       ChannelTester
	Triage       Explainer
	Hub          *ws.Hub
	Limiter      RateLimiter
	GatewayToken string
	DBHealth     func(context.Context) error
	RedisHealth  func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		rules:        deps.Rules,
		integrations: deps.Integrations,
		incidents:    deps.Incidents,
		attempts:     deps.Attempts,
		rollups:      deps.Rollups,
		apiKeys:      deps.APIKeys,
		collector:    deps.Collector,
		windows:      deps.Windows,
		manager:      deps.Manager,
		tester:       deps.Tester,
		triage:       deps.Triage,
		hub:          deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		gatewayToken: strings.TrimSpace(deps.GatewayToken),
		dbHealth:     deps.DBHealth,
		redisHealth:  deps.RedisHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/ingest", r.audit("/ingest", r.withRateLimit("/ingest", rateLimitIngest, rateWindowDefault, rateLimitKeyIP, r.handleIngest)))
	r.mux.HandleFunc("/rules", r.audit("/rules", r.handlerAuthRate("/rules", rateLimitWrite, rateWindowDefault, r.handleRules)))
	r.mux.HandleFunc("/rules/", r.audit("/rules/{id}", r.handlerAuthRate("/rules/{id}", rateLimitWrite, rateWindowDefault, r.handleRuleByID)))
	r.mux.HandleFunc("/integrations", r.audit("/integrations", r.handlerAuthRate("/integrations", rateLimitWrite, rateWindowDefault, r.handleIntegrations)))
	r.mux.HandleFunc("/integrations/", r.audit("/integrations/{id}", r.handlerAuthRate("/integrations/{id}", rateLimitWrite, rateWindowDefault, r.handleIntegrationSubroutes)))
	r.mux.HandleFunc("/incidents", r.audit("/incidents", r.handlerAuthRate("/incidents", rateLimitRead, rateWindowDefault, r.handleIncidents)))
	r.mux.HandleFunc("/incidents/", r.audit("/incidents/{id}", r.handlerAuthRate("/incidents/{id}", rateLimitRead, rateWindowDefault, r.handleIncidentSubroutes)))
	r.mux.HandleFunc("/metrics/windows", r.audit("/metrics/windows", r.handlerAuthRate("/metrics/windows", rateLimitRead, rateWindowDefault, r.handleMetricWindows)))
	r.mux.HandleFunc("/metrics/rollups", r.audit("/metrics/rollups", r.handlerAuthRate("/metrics/rollups", rateLimitRead, rateWindowDefault, r.handleMetricRollups)))
	r.mux.HandleFunc("/ws/incidents", r.audit("/ws/incidents", r.handlerAuthRate("/ws/incidents", rateLimitWebsocket, rateWindowRealtime, r.handleIncidentsWS)))
	r.mux.HandleFunc("/sse/incidents", r.audit("/sse/incidents", r.handlerAuthRate("/sse/incidents", rateLimitWebsocket, rateWindowRealtime, r.handleIncidentsSSE)))
}

type telemetryPayload struct {
	TenantID         string  `json:"tenant_id"`
	RequestID        string  `json:"request_id"`
	Timestamp        string  `json:"timestamp"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	LatencyMS        float64 `json:"latency_ms"`
	CostUSD          float64 `json:"cost_usd"`
	Status           string  `json:"status"`
	ErrorType        string  `json:"error_type"`
	SafeMode         bool    `json:"safe_mode"`
}

func (p telemetryPayload) toRecord(now time.Time) (domain.TelemetryRecord, error) {
	record := domain.TelemetryRecord{
		TenantID:         strings.TrimSpace(p.TenantID),
		RequestID:        strings.TrimSpace(p.RequestID),
		Timestamp:        now,
		Model:            p.Model,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		LatencyMS:        p.LatencyMS,
		CostUSD:          p.CostUSD,
		Status:           p.Status,
		ErrorType:        p.ErrorType,
		SafeMode:         p.SafeMode,
	}
	if record.Status == "" {
		record.Status = domain.StatusOK
	}
	if p.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return record, errors.New("invalid timestamp format")
		}
		record.Timestamp = parsed.UTC()
	}
	return record, nil
}

// handleIngest accepts telemetry from the gateway, either a single record or
// a JSON array batch. Records are accepted into bounded queues; ingest never
// blocks on aggregation.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyGatewayToken(w, req) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	var payloads []telemetryPayload
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		var single telemetryPayload
		if err := json.Unmarshal(trimmed, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payloads = append(payloads, single)
	}

	now := time.Now().UTC()
	accepted := 0
	for _, payload := range payloads {
		record, err := payload.toRecord(now)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.collector.Ingest(record); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

type rulePayload struct {
	Name           *string  `json:"name"`
	Condition      *string  `json:"condition"`
	Comparison     *string  `json:"comparison"`
	Threshold      *float64 `json:"threshold"`
	WindowMinutes  *int     `json:"window_minutes"`
	Severity       *string  `json:"severity"`
	IntegrationIDs []string `json:"integration_ids"`
	Enabled        *bool    `json:"enabled"`
}

func (p rulePayload) applyTo(rule *domain.AlertRule) {
	if p.Name != nil {
		rule.Name = strings.TrimSpace(*p.Name)
	}
	if p.Condition != nil {
		rule.Condition = *p.Condition
	}
	if p.Comparison != nil {
		rule.Comparison = *p.Comparison
	}
	if p.Threshold != nil {
		rule.Threshold = *p.Threshold
	}
	if p.WindowMinutes != nil {
		rule.WindowMinutes = *p.WindowMinutes
	}
	if p.Severity != nil {
		rule.Severity = strings.ToLower(*p.Severity)
	}
	if p.IntegrationIDs != nil {
		rule.IntegrationIDs = p.IntegrationIDs
	}
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
}

func (r *Router) handleRules(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		rules, err := r.rules.ListRulesByTenant(req.Context(), info.TenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rules)
	case http.MethodPost:
		var payload rulePayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		now := time.Now().UTC()
		rule := domain.AlertRule{
			ID:        uuid.NewString(),
			TenantID:  info.TenantID,
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		payload.applyTo(&rule)
		if err := rule.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.validateIntegrationRefs(req.Context(), info.TenantID, rule.IntegrationIDs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.rules.CreateRule(req.Context(), &rule); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRuleByID(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	ruleID := strings.TrimPrefix(req.URL.Path, "/rules/")
	if ruleID == "" || strings.Contains(ruleID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		rule, err := r.rules.GetRuleByID(req.Context(), info.TenantID, ruleID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPatch:
		var payload rulePayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rule, err := r.rules.GetRuleByID(req.Context(), info.TenantID, ruleID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		payload.applyTo(rule)
		rule.UpdatedAt = time.Now().UTC()
		if err := rule.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.validateIntegrationRefs(req.Context(), info.TenantID, rule.IntegrationIDs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.rules.UpdateRule(req.Context(), rule); err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		if err := r.rules.DeleteRule(req.Context(), info.TenantID, ruleID); err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

type integrationPayload struct {
	Name    string                   `json:"name"`
	Channel string                   `json:"channel"`
	Config  domain.IntegrationConfig `json:"config"`
	Enabled *bool                    `json:"enabled"`
}

func (r *Router) handleIntegrations(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		integrations, err := r.integrations.ListIntegrationsByTenant(req.Context(), info.TenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, integrations)
	case http.MethodPost:
		var payload integrationPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		now := time.Now().UTC()
		integration := domain.Integration{
			ID:        uuid.NewString(),
			TenantID:  info.TenantID,
			Name:      strings.TrimSpace(payload.Name),
			Channel:   payload.Channel,
			Config:    payload.Config,
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if payload.Enabled != nil {
			integration.Enabled = *payload.Enabled
		}
		if err := integration.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := r.integrations.CreateIntegration(req.Context(), &integration); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, integration)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleIntegrationSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/integrations/")
	parts := strings.Split(trimmed, "/")
	integrationID := parts[0]
	if integrationID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "test" {
		r.handleIntegrationTest(w, req, info.TenantID, integrationID)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		integration, err := r.integrations.GetIntegrationByID(req.Context(), info.TenantID, integrationID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, integration)
	case http.MethodDelete:
		if err := r.integrations.DeleteIntegration(req.Context(), info.TenantID, integrationID); err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

// handleIntegrationTest fires a synthetic notification so operators can
// verify channel configuration before an incident depends on it.
func (r *Router) handleIntegrationTest(w http.ResponseWriter, req *http.Request, tenantID, integrationID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	integration, err := r.integrations.GetIntegrationByID(req.Context(), tenantID, integrationID)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	attempt := r.tester.Test(req.Context(), *integration)
	status := http.StatusOK
	if attempt.Status != domain.AttemptDelivered {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, attempt)
}

func (r *Router) handleIncidents(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := req.URL.Query().Get("status")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	incidents, err := r.incidents.ListIncidents(req.Context(), info.TenantID, status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (r *Router) handleIncidentSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/incidents/")
	parts := strings.Split(trimmed, "/")
	incidentID := parts[0]
	if incidentID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		incident, err := r.incidents.GetIncidentByID(req.Context(), info.TenantID, incidentID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, incident)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "ack":
		r.handleIncidentAck(w, req, info.TenantID, incidentID)
	case "explain":
		r.handleIncidentExplain(w, req, info.TenantID, incidentID)
	case "notifications":
		r.handleIncidentNotifications(w, req, info.TenantID, incidentID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleIncidentAck(w http.ResponseWriter, req *http.Request, tenantID, incidentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	incident, err := r.manager.Acknowledge(req.Context(), tenantID, incidentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

// handleIncidentExplain is advisory and synchronous; a triage failure is
// reported to the caller but never affects incident state.
func (r *Router) handleIncidentExplain(w http.ResponseWriter, req *http.Request, tenantID, incidentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.triage == nil || !r.triage.Enabled() {
		writeError(w, http.StatusNotImplemented, "triage is not configured")
		return
	}
	incident, err := r.incidents.GetIncidentByID(req.Context(), tenantID, incidentID)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	window := r.windows.Snapshot(tenantID, r.explainWindow(req.Context(), incident))
	report, err := r.triage.Explain(req.Context(), *incident, window)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// explainWindow picks the window of the incident's first contributing rule
// so the analysis sees the same data the rule fired on.
func (r *Router) explainWindow(ctx context.Context, incident *domain.Incident) time.Duration {
	for _, ruleID := range incident.ContributingRuleIDs {
		rule, err := r.rules.GetRuleByID(ctx, incident.TenantID, ruleID)
		if err != nil {
			continue
		}
		return aggregate.NormalizeWindow(rule.WindowMinutes)
	}
	return 15 * time.Minute
}

func (r *Router) handleIncidentNotifications(w http.ResponseWriter, req *http.Request, tenantID, incidentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	attempts, err := r.attempts.ListAttemptsByIncident(req.Context(), tenantID, incidentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (r *Router) handleMetricWindows(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if minutes, _ := strconv.Atoi(req.URL.Query().Get("window")); minutes > 0 {
		window := r.windows.Snapshot(info.TenantID, aggregate.NormalizeWindow(minutes))
		writeJSON(w, http.StatusOK, window)
		return
	}
	windows := make([]domain.MetricWindow, 0, len(aggregate.WindowSizes()))
	for _, size := range aggregate.WindowSizes() {
		windows = append(windows, r.windows.Snapshot(info.TenantID, size))
	}
	writeJSON(w, http.StatusOK, windows)
}

func (r *Router) handleMetricRollups(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	spanSeconds, _ := strconv.Atoi(req.URL.Query().Get("span_seconds"))
	if spanSeconds <= 0 {
		spanSeconds = int(aggregate.BucketSpan / time.Second)
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1440 {
		limit = 60
	}
	rollups, err := r.rollups.ListRollups(req.Context(), info.TenantID, time.Duration(spanSeconds)*time.Second, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func (r *Router) handleIncidentsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(info.TenantID, client)
	go func() {
		defer func() {
			r.hub.Unregister(info.TenantID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleIncidentsSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(info.TenantID, client)
	defer func() {
		r.hub.Unregister(info.TenantID, client)
		client.Close()
	}()
	<-req.Context().Done()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.redisHealth != nil {
		if err := r.redisHealth(ctx); err != nil {
			status = "degraded"
			components["redis"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["redis"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) validateIntegrationRefs(ctx context.Context, tenantID string, ids []string) error {
	for _, id := range ids {
		if _, err := r.integrations.GetIntegrationByID(ctx, tenantID, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errors.New("unknown integration " + id)
			}
			return err
		}
	}
	return nil
}

func (r *Router) mustAuthInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func (r *Router) writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		r.notFound(w)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "tenant_id", info.TenantID)
			if info.KeyLabel != "" {
				fields = append(fields, "key_label", info.KeyLabel)
			}
		} else if req.URL.Path == "/ingest" {
			actor = "gateway"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyGatewayToken ensures ingest requests carry the shared gateway secret.
func (r *Router) verifyGatewayToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.gatewayToken
	if expected == "" {
		r.logger.Error("gateway token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ingest authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Gateway-Token"))
	if token == "" {
		if bearer, err := bearerToken(req.Header.Get("Authorization")); err == nil {
			token = bearer
		}
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("gateway token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid gateway token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
