package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/provider"
	"adsync-scheduler/internal/queue"
	"adsync-scheduler/internal/store"
	"adsync-scheduler/internal/telemetry"
)

// ErrInvalidRequest is returned for requests naming an unknown provider or sync type.
var ErrInvalidRequest = errors.New("invalid sync request")

// Request asks for one sync of a tenant's provider data.
type Request struct {
	TenantID string
	Provider models.Provider
	SyncType models.SyncType
	Source   models.TriggerSource
	Payload  map[string]any
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if _, err := models.ParseProvider(string(r.Provider)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := models.ParseSyncType(string(r.SyncType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// userTriggered folds a user request into a MANUAL run so it counts against the daily quota
// and the manual dedup key. The requested type is kept in the payload for the connector.
func (r Request) userTriggered() Request {
	if r.Source != models.SourceUser || r.SyncType == models.SyncManual {
		return r
	}
	p := make(map[string]any, len(r.Payload)+1)
	for k, v := range r.Payload {
		p[k] = v
	}
	p["requested_sync_type"] = string(r.SyncType)
	r.Payload = p
	r.SyncType = models.SyncManual
	return r
}

func (r Request) priority() models.Priority {
	if r.SyncType == models.SyncManual || r.Source == models.SourceUser {
		return models.PriorityManual
	}
	return models.PriorityScheduled
}

// Admission describes an accepted request. Skipped is set when the run was failed at admission
// because the provider access was unhealthy; no job was queued in that case.
type Admission struct {
	RecordID string                 `json:"record_id"`
	JobID    string                 `json:"job_id,omitempty"`
	Status   models.SyncStatus      `json:"status"`
	Health   *provider.HealthReport `json:"health,omitempty"`
	Skipped  bool                   `json:"skipped,omitempty"`
}

// Options configure admission policy.
type Options struct {
	DailyQuota           int
	MaxAttempts          int
	SkipUnhealthy        bool
	HealthTimeout        time.Duration
	OpTimeout            time.Duration
	FullSyncInterval     time.Duration
	InsightsSyncInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = models.DefaultMaxAttempts
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.FullSyncInterval <= 0 {
		o.FullSyncInterval = 12 * time.Hour
	}
	if o.InsightsSyncInterval <= 0 {
		o.InsightsSyncInterval = time.Hour
	}
	return o
}

// Coordinator is the only component that creates sync attempts. It runs the admission gates
// against the history store, annotates the record with a health check and queues the job.
type Coordinator struct {
	history store.History
	queue   queue.Client
	health  provider.HealthChecker
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// New builds a coordinator. health may be nil.
func New(history store.History, q queue.Client, health provider.HealthChecker, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		history: history,
		queue:   q,
		health:  health,
		opts:    opts.withDefaults(),
		log:     logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// RequestSync admits a sync request. Gate rejections are returned as models.ErrAlreadySyncing,
// *models.RateLimitError or models.ErrProviderNotConnected and leave no record behind.
// User-triggered requests are always admitted as MANUAL runs, whatever type they ask for.
func (c *Coordinator) RequestSync(ctx context.Context, req Request) (Admission, error) {
	if err := req.validate(); err != nil {
		return Admission{}, err
	}
	req = req.userTriggered()
	now := c.now().UTC()
	recordID := uuid.NewString()
	jobID := uuid.NewString()
	log := c.log.With("tenant_id", req.TenantID, "provider", req.Provider, "sync_type", req.SyncType, "source", req.Source)

	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	_, err := c.history.Admit(opCtx, store.AdmitParams{
		ID:         recordID,
		JobID:      jobID,
		TenantID:   req.TenantID,
		Provider:   req.Provider,
		SyncType:   req.SyncType,
		StartedAt:  now,
		DailyQuota: c.opts.DailyQuota,
		Metadata:   metadata(req),
	})
	cancel()
	if err != nil {
		c.countAdmission(req, err)
		if isRejection(err) {
			log.Info("sync request rejected", "reason", err)
		} else {
			log.Error("admit sync", "err", err)
		}
		return Admission{}, err
	}

	adm := Admission{RecordID: recordID, Status: models.StatusInProgress}
	if report, ok := c.checkHealth(ctx, log, req, recordID); ok {
		adm.Health = &report
		if c.opts.SkipUnhealthy && report.Status == models.HealthUnhealthy {
			return c.skipUnhealthy(ctx, log, req, adm, report, now)
		}
	}

	job := models.SyncJob{
		ID:          jobID,
		DedupKey:    c.dedupKey(req, recordID, now),
		TenantID:    req.TenantID,
		Provider:    req.Provider,
		SyncType:    req.SyncType,
		Priority:    req.priority(),
		RecordID:    recordID,
		MaxAttempts: c.opts.MaxAttempts,
		Payload:     payload(req),
	}
	h, err := c.queue.Enqueue(ctx, job)
	if err != nil {
		c.abort(ctx, log, recordID)
		err = models.Unavailable("enqueue", err)
		c.countAdmission(req, err)
		log.Error("enqueue sync job", "record_id", recordID, "err", err)
		return Admission{}, err
	}
	if h.Existing {
		c.abort(ctx, log, recordID)
		err = fmt.Errorf("job %s already queued for %s: %w", h.ID, h.DedupKey, models.ErrAlreadySyncing)
		c.countAdmission(req, err)
		log.Info("sync request rejected", "reason", err)
		return Admission{}, err
	}

	adm.JobID = h.ID
	c.countAdmission(req, nil)
	log.Info("sync admitted", "record_id", recordID, "job_id", h.ID, "priority", job.Priority)
	return adm, nil
}

// checkHealth consults the health checker. Failures are logged and never block admission.
func (c *Coordinator) checkHealth(ctx context.Context, log *slog.Logger, req Request, recordID string) (provider.HealthReport, bool) {
	if c.health == nil {
		return provider.HealthReport{}, false
	}
	hctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()
	report, err := c.health.CheckHealth(hctx, req.TenantID, req.Provider)
	if err != nil {
		log.Warn("health check failed", "record_id", recordID, "err", err)
		return provider.HealthReport{}, false
	}
	if err := c.history.SetHealth(hctx, recordID, report.Status, report.Issues()); err != nil {
		log.Warn("store health status", "record_id", recordID, "err", err)
	}
	return report, true
}

func (c *Coordinator) skipUnhealthy(ctx context.Context, log *slog.Logger, req Request, adm Admission, report provider.HealthReport, now time.Time) (Admission, error) {
	status := report.Status
	_, err := c.history.Finish(ctx, adm.RecordID, store.FinishParams{
		Status:        models.StatusFailed,
		CompletedAt:   now,
		ErrorMessage:  "provider access unhealthy: " + strings.Join(report.Issues(), "; "),
		ErrorCategory: models.CategoryAuth,
		HealthStatus:  &status,
		HealthIssues:  report.Issues(),
	})
	if err != nil {
		log.Error("finish unhealthy sync", "record_id", adm.RecordID, "err", err)
		return Admission{}, err
	}
	telemetry.Admissions.WithLabelValues(string(req.Provider), string(req.SyncType), "skipped_unhealthy").Inc()
	log.Warn("sync skipped, provider access unhealthy", "record_id", adm.RecordID, "issues", report.Issues())
	adm.Status = models.StatusFailed
	adm.Skipped = true
	return adm, nil
}

// abort removes an admitted record whose job never made it into the queue. It runs even when
// the caller's context is already done.
func (c *Coordinator) abort(ctx context.Context, log *slog.Logger, recordID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
	defer cancel()
	if err := c.history.Abort(actx, recordID); err != nil {
		log.Error("roll back admission", "record_id", recordID, "err", err)
	}
}

func (c *Coordinator) dedupKey(req Request, recordID string, now time.Time) string {
	if req.SyncType == models.SyncManual {
		return models.ManualDedupKey(req.TenantID, req.Provider, recordID)
	}
	return models.ScheduledDedupKey(req.TenantID, req.Provider, req.SyncType, now.Truncate(c.interval(req.SyncType)))
}

func (c *Coordinator) interval(t models.SyncType) time.Duration {
	if t == models.SyncInsights {
		return c.opts.InsightsSyncInterval
	}
	return c.opts.FullSyncInterval
}

func (c *Coordinator) countAdmission(req Request, err error) {
	telemetry.Admissions.WithLabelValues(string(req.Provider), string(req.SyncType), admissionResult(err)).Inc()
}

func admissionResult(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, models.ErrAlreadySyncing):
		return "already_syncing"
	case errors.Is(err, models.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, models.ErrProviderNotConnected):
		return "not_connected"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "error"
}

func isRejection(err error) bool {
	return errors.Is(err, models.ErrAlreadySyncing) ||
		errors.Is(err, models.ErrRateLimitExceeded) ||
		errors.Is(err, models.ErrProviderNotConnected)
}

func metadata(req Request) map[string]any {
	m := map[string]any{
		"source": string(req.Source),
		"cron":   req.Source == models.SourceCron,
	}
	if len(req.Payload) > 0 {
		m["options"] = req.Payload
	}
	return m
}

func payload(req Request) map[string]any {
	p := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		p[k] = v
	}
	p["source"] = string(req.Source)
	return p
}

// Cancel cancels every active record of the pair and drops their jobs from the queue if they
// have not started. Jobs already running finish cooperatively; their completion is discarded.
func (c *Coordinator) Cancel(ctx context.Context, tenantID string, p models.Provider) (int, error) {
	recs, err := c.history.CancelActive(ctx, tenantID, p, c.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if rec.JobID == "" {
			continue
		}
		removed, err := c.queue.Cancel(ctx, rec.JobID)
		if err != nil {
			c.log.Warn("drop cancelled job from queue", "record_id", rec.ID, "job_id", rec.JobID, "err", err)
			continue
		}
		c.log.Info("sync cancelled", "tenant_id", tenantID, "provider", p, "record_id", rec.ID, "dequeued", removed)
	}
	telemetry.Cancellations.Add(float64(len(recs)))
	return len(recs), nil
}
