package domain

import "time"

// Incident lifecycle states.
const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"
)

// Incident transition kinds handed to the notifier.
const (
	TransitionOpened    = "opened"
	TransitionEscalated = "escalated"
	TransitionRenotify  = "renotify"
	TransitionResolved  = "resolved"
)

// Incident is a deduplicated alert signal. Concurrent firings of rules
// watching the same condition merge into one incident; incidents are never
// deleted, only resolved.
type Incident struct {
	ID                  string
	TenantID            string
	DedupKey            string
	Title               string
	Signal              string
	Severity            string
	Status              string
	Description         string
	SuggestedAction     string
	MetricValue         float64
	ContributingRuleIDs []string
	DetectedAt          time.Time
	AcknowledgedAt      *time.Time
	ResolvedAt          *time.Time
	UpdatedAt           time.Time
}

// Open reports whether the incident still requires attention.
func (i Incident) Open() bool {
	return i.Status != IncidentResolved
}

// Contributes reports whether ruleID is already attached to the incident.
func (i Incident) Contributes(ruleID string) bool {
	for _, id := range i.ContributingRuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// TriageReport is the advisory output of the AI triage collaborator.
type TriageReport struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"root_cause"`
	SuggestedChecks []string `json:"suggested_checks"`
}
