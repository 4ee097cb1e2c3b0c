package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/provider"
	"adsync-scheduler/internal/queue"
	"adsync-scheduler/internal/store"
	"adsync-scheduler/internal/telemetry"
)

// Options tune a processor.
type Options struct {
	WorkerID     string
	SyncTimeout  time.Duration
	OpTimeout    time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker"
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 5 * time.Minute
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// Processor drives the claim -> sync -> history -> queue loop for one worker slot.
type Processor struct {
	queue   queue.Client
	history store.History
	client  provider.SyncClient
	health  provider.HealthChecker
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// NewProcessor wires a processor. health may be nil.
func NewProcessor(q queue.Client, history store.History, client provider.SyncClient, health provider.HealthChecker, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Processor{
		queue:   q,
		history: history,
		client:  client,
		health:  health,
		opts:    opts,
		log:     logger.With("worker_id", opts.WorkerID),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Run processes jobs until ctx is cancelled. An empty queue parks the loop on the queue's wake
// signal; store outages back off for one poll interval.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.ProcessNext(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("process job", "err", err)
			sleep(ctx, p.opts.PollInterval)
		case !worked:
			if err := p.queue.Wait(ctx, p.opts.PollInterval); err != nil && ctx.Err() == nil {
				p.log.Warn("wait for jobs", "err", err)
				sleep(ctx, p.opts.PollInterval)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessNext claims and executes one job. It reports false when the queue was empty.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, p.opts.WorkerID)
	if errors.Is(err, models.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, p.execute(ctx, job)
}

// execute runs a claimed job. When a history write fails for infrastructure reasons the job is
// left in flight; its lease expires and reconciliation fails the record.
func (p *Processor) execute(ctx context.Context, job models.SyncJob) error {
	log := p.log.With("job_id", job.ID, "record_id", job.RecordID, "tenant_id", job.TenantID,
		"provider", job.Provider, "attempt", job.Attempt)

	rec, err := p.withOp(ctx, func(ctx context.Context) (models.SyncHistoryRecord, error) {
		return p.history.Get(ctx, job.RecordID)
	})
	if errors.Is(err, models.ErrRecordNotFound) || (err == nil && rec.Status.IsTerminal()) {
		log.Info("record no longer active, dropping job", "status", rec.Status)
		return p.complete(ctx, log, job, models.OutcomeCancelled, "record not active")
	}
	if err != nil {
		return fmt.Errorf("load record %s: %w", job.RecordID, err)
	}

	err = p.exec(ctx, func(ctx context.Context) error {
		return p.history.MarkClaimed(ctx, rec.ID, p.opts.WorkerID, p.now().UTC())
	})
	if errors.Is(err, models.ErrRecordFinalized) {
		return p.complete(ctx, log, job, models.OutcomeCancelled, "record not active")
	}
	if err != nil {
		return fmt.Errorf("mark claimed %s: %w", rec.ID, err)
	}

	res, syncErr := p.sync(ctx, job)
	if ctx.Err() != nil {
		// shutting down; the janitor fails the job and its record once the lease runs out
		return ctx.Err()
	}
	if errors.Is(syncErr, models.ErrStoreUnavailable) {
		return fmt.Errorf("load connection: %w", syncErr)
	}

	switch {
	case syncErr == nil && len(res.Errors) == 0:
		return p.finish(ctx, log, job, store.FinishParams{
			Status:   models.StatusSuccess,
			Counters: res.Counters,
		})
	case syncErr == nil && res.Counters.Total() > 0:
		return p.finish(ctx, log, job, store.FinishParams{
			Status:        models.StatusPartial,
			Counters:      res.Counters,
			ErrorMessage:  summarize(res.Errors),
			ErrorCategory: models.CategoryAPI,
		})
	case syncErr == nil:
		return p.fail(ctx, log, job, summarize(res.Errors), models.CategoryAPI)
	default:
		return p.fail(ctx, log, job, syncErr.Error(), provider.Classify(syncErr))
	}
}

// sync looks up the connection token and calls the provider client under the sync timeout.
func (p *Processor) sync(ctx context.Context, job models.SyncJob) (provider.Result, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	conn, err := p.history.ActiveConnection(opCtx, job.TenantID, job.Provider)
	cancel()
	if err != nil {
		return provider.Result{}, err
	}

	syncCtx, cancel := context.WithTimeout(ctx, p.opts.SyncTimeout)
	defer cancel()
	start := time.Now()
	res, err := p.client.Sync(syncCtx, provider.SyncRequest{
		TenantID:     job.TenantID,
		Provider:     job.Provider,
		ConnectionID: conn.ConnectionID,
		AccessToken:  conn.AccessToken,
		SyncType:     job.SyncType,
		Options:      job.Payload,
	})
	telemetry.SyncDuration.WithLabelValues(string(job.Provider)).Observe(time.Since(start).Seconds())
	return res, err
}

// finish writes a successful outcome, then acknowledges the job.
func (p *Processor) finish(ctx context.Context, log *slog.Logger, job models.SyncJob, params store.FinishParams) error {
	params.CompletedAt = p.now().UTC()
	params.RetryCount = job.Attempt
	if report, ok := p.recheckHealth(ctx, log, job); ok {
		params.HealthStatus = &report.Status
		params.HealthIssues = report.Issues()
	}

	rec, err := p.withOp(ctx, func(ctx context.Context) (models.SyncHistoryRecord, error) {
		return p.history.Finish(ctx, job.RecordID, params)
	})
	if errors.Is(err, models.ErrRecordFinalized) {
		log.Info("record finalized while running, completion discarded", "outcome", params.Status)
		return p.complete(ctx, log, job, models.OutcomeCancelled, "record finalized")
	}
	if err != nil {
		return fmt.Errorf("finish record %s: %w", job.RecordID, err)
	}
	telemetry.Executions.WithLabelValues(string(job.Provider), strings.ToLower(string(rec.Status))).Inc()
	log.Info("sync finished", "status", rec.Status, "counters", rec.Counters, "retry_count", rec.RetryCount)
	return p.complete(ctx, log, job, models.OutcomeSucceeded, "")
}

// fail records a failed attempt. With attempts left the record stays IN_PROGRESS and the queue
// reschedules the job; otherwise the record is finished as FAILED.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, job models.SyncJob, message string, category models.ErrorCategory) error {
	now := p.now().UTC()
	var err error
	if job.CanRetry() {
		err = p.exec(ctx, func(ctx context.Context) error {
			return p.history.NoteRetry(ctx, job.RecordID, job.Attempt+1, message, category, now)
		})
	} else {
		_, err = p.withOp(ctx, func(ctx context.Context) (models.SyncHistoryRecord, error) {
			return p.history.Finish(ctx, job.RecordID, store.FinishParams{
				Status:        models.StatusFailed,
				CompletedAt:   now,
				ErrorMessage:  message,
				ErrorCategory: category,
				RetryCount:    job.Attempt,
			})
		})
	}
	if errors.Is(err, models.ErrRecordFinalized) {
		log.Info("record finalized while running, failure discarded", "category", category)
		return p.complete(ctx, log, job, models.OutcomeCancelled, "record finalized")
	}
	if err != nil {
		return fmt.Errorf("record failure of %s: %w", job.RecordID, err)
	}

	if job.CanRetry() {
		telemetry.Retries.WithLabelValues(string(job.Provider), string(category)).Inc()
		log.Warn("sync attempt failed, retrying", "category", category, "err", message)
	} else {
		telemetry.Executions.WithLabelValues(string(job.Provider), "failed").Inc()
		log.Error("sync failed", "category", category, "err", message)
	}
	return p.complete(ctx, log, job, models.OutcomeFailed, message)
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, job models.SyncJob, status models.OutcomeStatus, msg string) error {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	c, err := p.queue.Complete(opCtx, job, models.Outcome{Status: status, Error: msg})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if c.Retried {
		log.Info("retry scheduled", "next_attempt", c.Attempt, "run_at", c.RunAt)
	}
	if status == models.OutcomeCancelled {
		telemetry.Executions.WithLabelValues(string(job.Provider), "cancelled").Inc()
	}
	return nil
}

// recheckHealth re-validates provider access after a run. Failures are logged only.
func (p *Processor) recheckHealth(ctx context.Context, log *slog.Logger, job models.SyncJob) (provider.HealthReport, bool) {
	if p.health == nil {
		return provider.HealthReport{}, false
	}
	hctx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	report, err := p.health.CheckHealth(hctx, job.TenantID, job.Provider)
	if err != nil {
		log.Warn("post-sync health check failed", "err", err)
		return provider.HealthReport{}, false
	}
	return report, true
}

func (p *Processor) withOp(ctx context.Context, fn func(context.Context) (models.SyncHistoryRecord, error)) (models.SyncHistoryRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	return fn(opCtx)
}

func (p *Processor) exec(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	return fn(opCtx)
}

const maxSummarized = 5

// summarize joins entity errors into one message.
func summarize(errs []provider.EntityError) string {
	parts := make([]string, 0, maxSummarized)
	for i, e := range errs {
		if i == maxSummarized {
			break
		}
		parts = append(parts, e.String())
	}
	msg := fmt.Sprintf("%d entities failed: %s", len(errs), strings.Join(parts, "; "))
	if len(errs) > maxSummarized {
		msg += fmt.Sprintf("; and %d more", len(errs)-maxSummarized)
	}
	return msg
}
