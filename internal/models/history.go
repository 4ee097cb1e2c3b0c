package models

import (
	"time"
)

// SyncStatus enumerates history record states.
type SyncStatus string

const (
	StatusPending    SyncStatus = "PENDING"
	StatusInProgress SyncStatus = "IN_PROGRESS"
	StatusSuccess    SyncStatus = "SUCCESS"
	StatusFailed     SyncStatus = "FAILED"
	StatusPartial    SyncStatus = "PARTIAL"
	StatusCancelled  SyncStatus = "CANCELLED"
)

// IsTerminal reports whether no transition may leave the status.
func (s SyncStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status holds the per tenant/provider exclusivity slot.
func (s SyncStatus) IsActive() bool {
	return s == StatusPending || s == StatusInProgress
}

var transitions = map[SyncStatus][]SyncStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusSuccess, StatusFailed, StatusPartial, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal history transition.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorCategory classifies why a provider sync failed.
type ErrorCategory string

const (
	CategoryAPI       ErrorCategory = "API_ERROR"
	CategoryAuth      ErrorCategory = "AUTH_ERROR"
	CategoryRateLimit ErrorCategory = "RATE_LIMIT"
	CategoryTimeout   ErrorCategory = "TIMEOUT"
	CategoryUnknown   ErrorCategory = "UNKNOWN"
)

// HealthStatus is the access-health classification of a tenant/provider pair.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthPartial   HealthStatus = "PARTIAL"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// Counters are entity totals reported by a provider sync.
type Counters struct {
	Campaigns int `json:"campaigns_synced"`
	AdGroups  int `json:"ad_groups_synced"`
	Ads       int `json:"ads_synced"`
	Insights  int `json:"insights_synced"`
}

// Total sums all counters.
func (c Counters) Total() int {
	return c.Campaigns + c.AdGroups + c.Ads + c.Insights
}

// SyncHistoryRecord is the durable audit entry of a sync attempt.
type SyncHistoryRecord struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Provider      Provider       `json:"provider"`
	SyncType      SyncType       `json:"sync_type"`
	Status        SyncStatus     `json:"status"`
	JobID         string         `json:"job_id,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	Counters      Counters       `json:"counters"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ErrorCategory *ErrorCategory `json:"error_category,omitempty"`
	RetryCount    int            `json:"retry_count"`
	HealthStatus  *HealthStatus  `json:"health_status,omitempty"`
	HealthIssues  []string       `json:"health_issues,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Connection is an active provider authorization for a tenant.
type Connection struct {
	TenantID       string     `json:"tenant_id"`
	Provider       Provider   `json:"provider"`
	ConnectionID   string     `json:"connection_id"`
	AccessToken    string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Active         bool       `json:"active"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DayWindow returns the UTC calendar day containing t.
func DayWindow(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
