package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type testIntegrationRepo struct {
	mu           sync.Mutex
	integrations map[string]domain.Integration
}

func (r *testIntegrationRepo) CreateIntegration(context.Context, *domain.Integration) error {
	return nil
}
func (r *testIntegrationRepo) DeleteIntegration(context.Context, string, string) error { return nil }
func (r *testIntegrationRepo) GetIntegrationByID(ctx context.Context, tenantID, integrationID string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	integration, ok := r.integrations[integrationID]
	if !ok || integration.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	copied := integration
	return &copied, nil
}
func (r *testIntegrationRepo) ListIntegrationsByTenant(context.Context, string) ([]domain.Integration, error) {
	return nil, nil
}

type testAttemptRepo struct {
	mu       sync.Mutex
	attempts map[string]domain.NotificationAttempt
	writes   int
}

func newTestAttemptRepo() *testAttemptRepo {
	return &testAttemptRepo{attempts: make(map[string]domain.NotificationAttempt)}
}

func (r *testAttemptRepo) CreateAttempt(ctx context.Context, attempt *domain.NotificationAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *testAttemptRepo) UpdateAttempt(ctx context.Context, attempt *domain.NotificationAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *testAttemptRepo) ListAttemptsByIncident(context.Context, string, string) ([]domain.NotificationAttempt, error) {
	return nil, nil
}

func (r *testAttemptRepo) single(t *testing.T) domain.NotificationAttempt {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(r.attempts))
	}
	for _, attempt := range r.attempts {
		return attempt
	}
	return domain.NotificationAttempt{}
}

func (r *testAttemptRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func webhookIntegration(id, url string, enabled bool) domain.Integration {
	return domain.Integration{
		ID:       id,
		TenantID: "tenant-a",
		Name:     "hook " + id,
		Channel:  domain.ChannelWebhook,
		Config:   domain.IntegrationConfig{URL: url},
		Enabled:  enabled,
	}
}

func testIncident() domain.Incident {
	return domain.Incident{
		ID:          "inc-1",
		TenantID:    "tenant-a",
		DedupKey:    domain.ConditionErrorRate,
		Title:       "Elevated error rate",
		Signal:      "error_rate is 0.2",
		Severity:    domain.SeverityHigh,
		Status:      domain.IncidentOpen,
		MetricValue: 0.2,
		DetectedAt:  time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	}
}

func newTestNotifier(integrations *testIntegrationRepo, attempts *testAttemptRepo, maxRetries int) *Notifier {
	return New(integrations, attempts, testLogger(), Options{
		Timeout:     time.Second,
		BaseBackoff: time.Millisecond,
		MaxRetries:  maxRetries,
	})
}

func TestDispatchDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(req.Body).Decode(&payload)
		mu.Lock()
		received = payload
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	integrations := &testIntegrationRepo{integrations: map[string]domain.Integration{
		"i1": webhookIntegration("i1", srv.URL, true),
	}}
	attempts := newTestAttemptRepo()
	n := newTestNotifier(integrations, attempts, 3)

	n.DispatchTransition(context.Background(), testIncident(), domain.TransitionOpened, []string{"i1", "i1"})
	n.Wait()

	attempt := attempts.single(t)
	if attempt.Status != domain.AttemptDelivered {
		t.Fatalf("status = %s (%s), want delivered", attempt.Status, attempt.Error)
	}
	if attempt.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", attempt.AttemptCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if received["event"] != "incident.opened" {
		t.Fatalf("event = %v, want incident.opened", received["event"])
	}
	incident, _ := received["incident"].(map[string]any)
	if incident["tenant_id"] != "tenant-a" || incident["severity"] != domain.SeverityHigh {
		t.Fatalf("unexpected incident payload %v", incident)
	}
}

func TestDispatchRetriesUntilCeiling(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	integrations := &testIntegrationRepo{integrations: map[string]domain.Integration{
		"i1": webhookIntegration("i1", srv.URL, true),
	}}
	attempts := newTestAttemptRepo()
	n := newTestNotifier(integrations, attempts, 2)

	n.DispatchTransition(context.Background(), testIncident(), domain.TransitionOpened, []string{"i1"})
	n.Wait()

	attempt := attempts.single(t)
	if attempt.Status != domain.AttemptFailed {
		t.Fatalf("status = %s, want failed", attempt.Status)
	}
	if attempt.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want initial try plus 2 retries", attempt.AttemptCount)
	}
	if !strings.Contains(attempt.Error, "503") {
		t.Fatalf("error %q does not carry the upstream status", attempt.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("server saw %d requests, want 3", calls)
	}
}

func TestRejectedPayloadIsNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	integrations := &testIntegrationRepo{integrations: map[string]domain.Integration{
		"i1": webhookIntegration("i1", srv.URL, true),
	}}
	attempts := newTestAttemptRepo()
	n := newTestNotifier(integrations, attempts, 5)

	n.DispatchTransition(context.Background(), testIncident(), domain.TransitionOpened, []string{"i1"})
	n.Wait()

	attempt := attempts.single(t)
	if attempt.Status != domain.AttemptFailed || attempt.AttemptCount != 1 {
		t.Fatalf("rejected payload retried: status %s, count %d", attempt.Status, attempt.AttemptCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("server saw %d requests, want 1", calls)
	}
}

func TestDisabledIntegrationIsSkipped(t *testing.T) {
	integrations := &testIntegrationRepo{integrations: map[string]domain.Integration{
		"i1": webhookIntegration("i1", "http://example.invalid", false),
	}}
	attempts := newTestAttemptRepo()
	n := newTestNotifier(integrations, attempts, 3)

	n.DispatchTransition(context.Background(), testIncident(), domain.TransitionOpened, []string{"i1", "i-gone"})
	n.Wait()

	attempts.mu.Lock()
	defer attempts.mu.Unlock()
	if len(attempts.attempts) != 2 {
		t.Fatalf("expected 2 skip records, got %d", len(attempts.attempts))
	}
	for _, attempt := range attempts.attempts {
		if attempt.Status != domain.AttemptSkipped {
			t.Fatalf("status = %s, want skipped", attempt.Status)
		}
		if attempt.AttemptCount != 0 {
			t.Fatalf("skipped attempt has count %d", attempt.AttemptCount)
		}
	}
}

func TestCancelIncidentAbortsBackoff(t *testing.T) {
	firstHit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case firstHit <- struct{}{}:
		default:
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	integrations := &testIntegrationRepo{integrations: map[string]domain.Integration{
		"i1": webhookIntegration("i1", srv.URL, true),
	}}
	attempts := newTestAttemptRepo()
	n := New(integrations, attempts, testLogger(), Options{
		Timeout:     time.Second,
		BaseBackoff: 30 * time.Second,
		MaxRetries:  5,
	})

	n.DispatchTransition(context.Background(), testIncident(), domain.TransitionOpened, []string{"i1"})
	select {
	case <-firstHit:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery attempt never reached the server")
	}
	n.CancelIncident("inc-1")
	n.Wait()

	attempt := attempts.single(t)
	if attempt.Status != domain.AttemptFailed {
		t.Fatalf("status = %s, want failed after cancellation", attempt.Status)
	}
	if !strings.Contains(attempt.Error, "cancelled") {
		t.Fatalf("error %q does not mention cancellation", attempt.Error)
	}
	if attempt.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1 before cancellation", attempt.AttemptCount)
	}
}

func TestChannelTestDoesNotPersist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	attempts := newTestAttemptRepo()
	n := newTestNotifier(&testIntegrationRepo{}, attempts, 3)

	attempt := n.Test(context.Background(), webhookIntegration("i1", srv.URL, true))
	if attempt.Status != domain.AttemptDelivered {
		t.Fatalf("status = %s (%s), want delivered", attempt.Status, attempt.Error)
	}
	if attempt.IncidentID != "" {
		t.Fatalf("test attempt bound to incident %q", attempt.IncidentID)
	}
	if attempts.count() != 0 {
		t.Fatalf("test attempt persisted, %d records", attempts.count())
	}

	disabled := n.Test(context.Background(), webhookIntegration("i2", srv.URL, false))
	if disabled.Status != domain.AttemptSkipped {
		t.Fatalf("disabled test status = %s, want skipped", disabled.Status)
	}
}

func TestFinishedDispatchReleasesCancelState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	integrations := &testIntegrationRepo{integrations: map[string]domain.Integration{
		"i1": webhookIntegration("i1", srv.URL, true),
		"i2": webhookIntegration("i2", srv.URL, true),
	}}
	n := newTestNotifier(integrations, newTestAttemptRepo(), 3)

	// Full open/resolve cycles in the order the incident manager drives
	// them: open dispatch, cancel on resolve, resolved dispatch.
	for i := 0; i < 5; i++ {
		incident := testIncident()
		incident.ID = "inc-" + string(rune('a'+i))
		n.DispatchTransition(context.Background(), incident, domain.TransitionOpened, []string{"i1", "i2"})
		n.CancelIncident(incident.ID)
		n.DispatchTransition(context.Background(), incident, domain.TransitionResolved, []string{"i1", "i2"})
	}
	n.Wait()

	n.mu.Lock()
	leaked := len(n.inflight)
	n.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("inflight holds %d entries after all dispatches finished, want 0", leaked)
	}
}
