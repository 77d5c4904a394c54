package domain

import "time"

// Notification attempt delivery states.
const (
	AttemptPending   = "pending"
	AttemptDelivered = "delivered"
	AttemptFailed    = "failed"
	AttemptSkipped   = "skipped"
)

// NotificationAttempt tracks delivery of one incident transition to one
// integration. Retries update the same row until delivered or the attempt
// ceiling is reached.
type NotificationAttempt struct {
	ID              string
	TenantID        string
	IncidentID      string
	IntegrationID   string
	Transition      string
	Status          string
	AttemptCount    int
	LastAttemptedAt *time.Time
	Error           string
	CreatedAt       time.Time
}
