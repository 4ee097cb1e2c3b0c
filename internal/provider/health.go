package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adsync-scheduler/internal/models"
)

// HealthReport is the access-health classification of a tenant/provider pair.
type HealthReport struct {
	Status            models.HealthStatus `json:"status"`
	AccessIssues      []string            `json:"access_issues,omitempty"`
	DataDiscrepancies []string            `json:"data_discrepancies,omitempty"`
}

// Issues returns access issues followed by data discrepancies.
func (r HealthReport) Issues() []string {
	if len(r.AccessIssues)+len(r.DataDiscrepancies) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.AccessIssues)+len(r.DataDiscrepancies))
	out = append(out, r.AccessIssues...)
	return append(out, r.DataDiscrepancies...)
}

// HealthChecker classifies whether a tenant's provider access looks usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context, tenantID string, provider models.Provider) (HealthReport, error)
}

// ConnectionSource looks up a tenant's active provider connection.
type ConnectionSource interface {
	ActiveConnection(ctx context.Context, tenantID string, provider models.Provider) (models.Connection, error)
}

// TokenHealthChecker judges health from the stored connection's access token: a missing or
// expired token is UNHEALTHY and one expiring within the warning window is PARTIAL.
type TokenHealthChecker struct {
	conns      ConnectionSource
	warnWithin time.Duration
	now        func() time.Time
}

func NewTokenHealthChecker(conns ConnectionSource, warnWithin time.Duration) *TokenHealthChecker {
	if warnWithin <= 0 {
		warnWithin = 72 * time.Hour
	}
	return &TokenHealthChecker{conns: conns, warnWithin: warnWithin, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (h *TokenHealthChecker) WithClock(now func() time.Time) *TokenHealthChecker {
	h.now = now
	return h
}

func (h *TokenHealthChecker) CheckHealth(ctx context.Context, tenantID string, provider models.Provider) (HealthReport, error) {
	conn, err := h.conns.ActiveConnection(ctx, tenantID, provider)
	if errors.Is(err, models.ErrProviderNotConnected) {
		return HealthReport{
			Status:       models.HealthUnhealthy,
			AccessIssues: []string{"no active connection"},
		}, nil
	}
	if err != nil {
		return HealthReport{}, err
	}
	if conn.AccessToken == "" {
		return HealthReport{
			Status:       models.HealthUnhealthy,
			AccessIssues: []string{"access token missing"},
		}, nil
	}
	if conn.TokenExpiresAt == nil {
		return HealthReport{Status: models.HealthHealthy}, nil
	}

	now := h.now()
	expires := conn.TokenExpiresAt.UTC()
	switch {
	case !expires.After(now):
		return HealthReport{
			Status:       models.HealthUnhealthy,
			AccessIssues: []string{fmt.Sprintf("access token expired at %s", expires.Format(time.RFC3339))},
		}, nil
	case expires.Sub(now) <= h.warnWithin:
		return HealthReport{
			Status:       models.HealthPartial,
			AccessIssues: []string{fmt.Sprintf("access token expires at %s", expires.Format(time.RFC3339))},
		}, nil
	}
	return HealthReport{Status: models.HealthHealthy}, nil
}
