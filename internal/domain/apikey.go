package domain

import "time"

// APIKey maps an operator bearer token to a tenant. Keys are provisioned
// out of band; the engine only resolves them.
type APIKey struct {
	TokenHash string
	TenantID  string
	Label     string
	CreatedAt time.Time
}
