package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/queue"
	"adsync-scheduler/internal/store"
	"adsync-scheduler/internal/telemetry"
)

// Options set retention and reconciliation policy.
type Options struct {
	CompletedMaxAge time.Duration
	CompletedKeep   int
	FailedMaxAge    time.Duration
	FailedKeep      int
	// JobTimeout is the wall-clock ceiling of an IN_PROGRESS record, measured from the claim
	// of its job. Time spent waiting in the queue does not count.
	JobTimeout        time.Duration
	CleanupInterval   time.Duration
	ReconcileInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.CompletedMaxAge <= 0 {
		o.CompletedMaxAge = 24 * time.Hour
	}
	if o.FailedMaxAge <= 0 {
		o.FailedMaxAge = 7 * 24 * time.Hour
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = time.Minute
	}
	return o
}

// Janitor bounds queue storage and frees exclusivity slots held by crashed workers.
type Janitor struct {
	queue   queue.Client
	history store.History
	archive Archiver
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// New builds a janitor. archive may be nil to purge without a copy.
func New(q queue.Client, history store.History, archive Archiver, opts Options, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		queue:   q,
		history: history,
		archive: archive,
		opts:    opts.withDefaults(),
		log:     logger.With("component", "janitor"),
		now:     time.Now,
	}
}

func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	j.now = now
	return j
}

// CleanupReport counts purged job records per set.
type CleanupReport struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CleanUp purges old terminal job records. Archive failures are logged; the records are gone
// either way.
func (j *Janitor) CleanUp(ctx context.Context) (CleanupReport, error) {
	var r CleanupReport
	var err error
	if r.Completed, err = j.purge(ctx, models.JobCompleted, j.opts.CompletedMaxAge, j.opts.CompletedKeep); err != nil {
		return r, err
	}
	if r.Failed, err = j.purge(ctx, models.JobFailed, j.opts.FailedMaxAge, j.opts.FailedKeep); err != nil {
		return r, err
	}
	return r, nil
}

func (j *Janitor) purge(ctx context.Context, state models.JobState, maxAge time.Duration, keep int) (int, error) {
	jobs, err := j.queue.CleanUp(ctx, maxAge, keep, state)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	telemetry.JobsPurged.WithLabelValues(string(state)).Add(float64(len(jobs)))
	log := j.log.With("state", state, "count", len(jobs))
	if j.archive == nil {
		log.Info("purged job records")
		return len(jobs), nil
	}
	where, err := j.archive.Archive(ctx, state, jobs)
	if err != nil {
		log.Warn("archive purged job records", "err", err)
		return len(jobs), nil
	}
	log.Info("purged job records", "archive", where)
	return len(jobs), nil
}

// ReconcileReport counts what one reconciliation pass fixed.
type ReconcileReport struct {
	Reaped  int `json:"reaped"`
	Expired int `json:"expired"`
	Stale   int `json:"stale"`
}

// Reconcile fails claims whose lease ran out along with their records, then IN_PROGRESS records
// claimed longer ago than the job timeout, and publishes queue gauges.
func (j *Janitor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	now := j.now().UTC()
	var r ReconcileReport

	reaped, err := j.queue.ReapExpired(ctx, now)
	if err != nil {
		return r, err
	}
	r.Reaped = len(reaped)
	for _, job := range reaped {
		j.log.Warn("job lease expired", "job_id", job.ID, "record_id", job.RecordID, "worker_id", job.WorkerID)
		expired, err := j.expireRecord(ctx, job, now)
		if err != nil {
			return r, err
		}
		if expired {
			r.Expired++
		}
	}
	telemetry.LeasesReaped.Add(float64(r.Reaped))
	telemetry.StaleFailed.Add(float64(r.Expired))

	stale, err := j.history.FailStale(ctx, now.Add(-j.opts.JobTimeout), now)
	if err != nil {
		return r, err
	}
	r.Stale = len(stale)
	for _, rec := range stale {
		j.log.Warn("stale sync failed", "record_id", rec.ID, "tenant_id", rec.TenantID,
			"provider", rec.Provider, "claimed_at", rec.ClaimedAt)
	}
	telemetry.StaleFailed.Add(float64(r.Stale))

	if st, err := j.queue.Stats(ctx, j.queue.Name()); err != nil {
		j.log.Warn("queue stats unavailable", "err", err)
	} else {
		telemetry.ObserveQueue(j.queue.Name(), st)
	}
	return r, nil
}

// expireRecord fails the record of a job whose lease ran out. The worker may have died before
// marking the claim, so this does not wait for FailStale.
func (j *Janitor) expireRecord(ctx context.Context, job models.SyncJob, now time.Time) (bool, error) {
	if job.RecordID == "" {
		return false, nil
	}
	rec, err := j.history.Get(ctx, job.RecordID)
	if errors.Is(err, models.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	_, err = j.history.Finish(ctx, rec.ID, store.FinishParams{
		Status:        models.StatusFailed,
		CompletedAt:   now,
		Counters:      rec.Counters,
		ErrorMessage:  fmt.Sprintf("lease of worker %s expired", job.WorkerID),
		ErrorCategory: models.CategoryTimeout,
		RetryCount:    rec.RetryCount,
	})
	if errors.Is(err, models.ErrRecordFinalized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run reconciles and cleans up on their own intervals until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	cleanup := time.NewTicker(j.opts.CleanupInterval)
	defer cleanup.Stop()
	reconcile := time.NewTicker(j.opts.ReconcileInterval)
	defer reconcile.Stop()

	j.reconcileOnce(ctx)
	j.cleanupOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcile.C:
			j.reconcileOnce(ctx)
		case <-cleanup.C:
			j.cleanupOnce(ctx)
		}
	}
}

func (j *Janitor) reconcileOnce(ctx context.Context) {
	if _, err := j.Reconcile(ctx); err != nil && ctx.Err() == nil {
		j.log.Error("reconcile", "err", err)
	}
}

func (j *Janitor) cleanupOnce(ctx context.Context) {
	if _, err := j.CleanUp(ctx); err != nil && ctx.Err() == nil {
		j.log.Error("cleanup", "err", err)
	}
}
