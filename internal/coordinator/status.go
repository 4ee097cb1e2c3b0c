package coordinator

import (
	"context"
	"time"

	"adsync-scheduler/internal/models"
)

// QuotaUsage is today's manual-sync consumption of a tenant.
type QuotaUsage struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Status is the dashboard view of a tenant/provider pair.
type Status struct {
	TenantID      string                     `json:"tenant_id"`
	Provider      models.Provider            `json:"provider"`
	IsActive      bool                       `json:"is_active"`
	Active        *models.SyncHistoryRecord  `json:"active,omitempty"`
	LastSync      *models.SyncHistoryRecord  `json:"last_sync,omitempty"`
	NextScheduled time.Time                  `json:"next_scheduled"`
	RecentHistory []models.SyncHistoryRecord `json:"recent_history"`
	QueueStats    models.QueueStats          `json:"queue_stats"`
	Quota         QuotaUsage                 `json:"quota"`
}

const recentLimit = 10

// GetStatus assembles the status of a pair. Queue counters are best effort.
func (c *Coordinator) GetStatus(ctx context.Context, tenantID string, p models.Provider) (Status, error) {
	now := c.now().UTC()
	st := Status{
		TenantID:      tenantID,
		Provider:      p,
		NextScheduled: now.Truncate(c.opts.FullSyncInterval).Add(c.opts.FullSyncInterval),
	}

	active, ok, err := c.history.Active(ctx, tenantID, p)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.IsActive = true
		st.Active = &active
	}

	last, ok, err := c.history.LastCompleted(ctx, tenantID, p)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.LastSync = &last
	}

	st.RecentHistory, err = c.history.Recent(ctx, tenantID, p, recentLimit)
	if err != nil {
		return Status{}, err
	}
	if st.RecentHistory == nil {
		st.RecentHistory = []models.SyncHistoryRecord{}
	}

	from, to := models.DayWindow(now)
	used, err := c.history.CountManual(ctx, tenantID, from, to)
	if err != nil {
		return Status{}, err
	}
	st.Quota = QuotaUsage{Used: used, Limit: c.opts.DailyQuota, ResetAt: to}

	qs, err := c.queue.Stats(ctx, c.queue.Name())
	if err != nil {
		c.log.Warn("queue stats unavailable", "tenant_id", tenantID, "provider", p, "err", err)
	} else {
		st.QueueStats = qs
	}
	return st, nil
}
