package queue

import (
	"context"
	"time"

	"adsync-scheduler/internal/models"
)

// Client is the job queue capability shared by the coordinator, workers and janitor.
// One value is constructed at process start and passed to every component that needs it.
type Client interface {
	// Name is the queue namespace this client serves.
	Name() string
	// Enqueue persists a job and makes it claimable. If a pending or active job already holds the
	// same dedup key, the existing handle is returned with Existing set and nothing is written.
	Enqueue(ctx context.Context, job models.SyncJob) (models.JobHandle, error)
	// Claim atomically hands the best waiting job to workerID, or fails with models.ErrQueueEmpty.
	Claim(ctx context.Context, workerID string) (models.SyncJob, error)
	// Wait blocks until new work may be available or the timeout elapses.
	Wait(ctx context.Context, timeout time.Duration) error
	// Complete removes a claimed job from active tracking. Failed jobs with attempts left are
	// rescheduled at RETRY priority after an exponential backoff.
	Complete(ctx context.Context, job models.SyncJob, outcome models.Outcome) (models.Completion, error)
	// Cancel drops a waiting or delayed job. Active jobs are left to finish; it reports whether
	// anything was removed.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// ReapExpired moves active jobs whose lease ran out to the failed set.
	ReapExpired(ctx context.Context, now time.Time) ([]models.SyncJob, error)
	// Stats returns counters for the named queue.
	Stats(ctx context.Context, queueName string) (models.QueueStats, error)
	// CleanUp deletes terminal job records of state (completed or failed) older than olderThan,
	// always keeping the keepLast most recent ones. It returns the deleted jobs.
	CleanUp(ctx context.Context, olderThan time.Duration, keepLast int, state models.JobState) ([]models.SyncJob, error)
}

// Options tune retry and lease behaviour.
type Options struct {
	Name          string
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	LeaseDuration time.Duration
	OpTimeout     time.Duration
	MaxAttempts   int
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "ad-sync"
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Minute
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = models.DefaultMaxAttempts
	}
	return o
}
