package evaluate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaywatch/relaywatch/internal/domain"
	"github.com/relaywatch/relaywatch/internal/incident"
	"github.com/relaywatch/relaywatch/internal/repository"
)

type recordingIncidentStore struct {
	mu      sync.Mutex
	created int
	updated int
}

func (s *recordingIncidentStore) CreateIncident(context.Context, *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return nil
}

func (s *recordingIncidentStore) UpdateIncident(context.Context, *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated++
	return nil
}

func (s *recordingIncidentStore) GetIncidentByID(context.Context, string, string) (*domain.Incident, error) {
	return nil, repository.ErrNotFound
}

func (s *recordingIncidentStore) ListIncidents(context.Context, string, string, int, int) ([]domain.Incident, error) {
	return nil, nil
}

func (s *recordingIncidentStore) ListOpenIncidents(context.Context) ([]domain.Incident, error) {
	return nil, nil
}

type recordingDispatcher struct {
	mu          sync.Mutex
	transitions []string
	cancelled   []string
}

func (d *recordingDispatcher) DispatchTransition(ctx context.Context, inc domain.Incident, transition string, integrationIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions = append(d.transitions, transition)
}

func (d *recordingDispatcher) CancelIncident(incidentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, incidentID)
}

func (d *recordingDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.transitions))
	copy(out, d.transitions)
	return out
}

// A single rule breaching continuously must keep re-notifying through the
// whole pipeline, not just on its initial fire edge.
func TestSustainedBreachRenotifiesThroughManager(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	store := &recordingIncidentStore{}
	dispatcher := &recordingDispatcher{}
	manager := incident.NewManager(store, rules, dispatcher, nil, testLogger(), time.Millisecond)

	ev := New(rules, windows, manager, testLogger(), 20*time.Second, 0, 2, 10)
	ctx := context.Background()

	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if got := dispatcher.seen(); len(got) != 1 || got[0] != domain.TransitionOpened {
		t.Fatalf("transitions after fire = %v, want [opened]", got)
	}

	// Past the re-notify interval, the next refresh tick must notify again.
	time.Sleep(5 * time.Millisecond)
	ev.runIteration(ctx)

	got := dispatcher.seen()
	if len(got) != 2 || got[1] != domain.TransitionRenotify {
		t.Fatalf("transitions = %v, want [opened renotify]", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.created != 1 {
		t.Fatalf("incidents created = %d, want 1", store.created)
	}
}

// Deleting a rule mid-incident must release the incident rather than wedge
// it open on a contributor that no longer exists.
func TestRuleDeletedMidIncidentResolves(t *testing.T) {
	rules := &testRuleRepo{rules: []domain.AlertRule{errorRateRule("r1", 0.05)}}
	windows := &testWindows{windows: map[string]domain.MetricWindow{
		"tenant-a": {Count: 100, ErrorCount: 20},
	}}
	store := &recordingIncidentStore{}
	dispatcher := &recordingDispatcher{}
	manager := incident.NewManager(store, rules, dispatcher, nil, testLogger(), 0)

	ev := New(rules, windows, manager, testLogger(), 20*time.Second, 0, 2, 10)
	ctx := context.Background()

	ev.runIteration(ctx)
	ev.runIteration(ctx)
	if got := dispatcher.seen(); len(got) != 1 || got[0] != domain.TransitionOpened {
		t.Fatalf("transitions after fire = %v, want [opened]", got)
	}

	rules.mu.Lock()
	rules.rules = nil
	rules.mu.Unlock()
	ev.runIteration(ctx)

	got := dispatcher.seen()
	if len(got) != 2 || got[1] != domain.TransitionResolved {
		t.Fatalf("transitions = %v, want [opened resolved]", got)
	}
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.cancelled) != 1 {
		t.Fatalf("cancelled = %v, want one incident", dispatcher.cancelled)
	}
}
