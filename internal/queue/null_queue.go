package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"adsync-scheduler/internal/models"
)

// NullQueue accepts jobs and never hands them out. It is selected with QUEUE_DRIVER=null for
// tests and degraded deployments where history must still be written but nothing executes;
// admitted records are eventually failed by stale reconciliation.
type NullQueue struct {
	name string
}

// NewNullQueue returns a no-op queue client.
func NewNullQueue(name string) *NullQueue {
	if name == "" {
		name = "ad-sync"
	}
	return &NullQueue{name: name}
}

func (n *NullQueue) Name() string { return n.name }

func (n *NullQueue) Enqueue(_ context.Context, job models.SyncJob) (models.JobHandle, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return models.JobHandle{ID: job.ID, DedupKey: job.DedupKey}, nil
}

func (n *NullQueue) Claim(context.Context, string) (models.SyncJob, error) {
	return models.SyncJob{}, models.ErrQueueEmpty
}

func (n *NullQueue) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return nil
	}
}

func (n *NullQueue) Complete(_ context.Context, job models.SyncJob, _ models.Outcome) (models.Completion, error) {
	return models.Completion{Attempt: job.Attempt}, nil
}

func (n *NullQueue) Cancel(context.Context, string) (bool, error) { return false, nil }

func (n *NullQueue) ReapExpired(context.Context, time.Time) ([]models.SyncJob, error) {
	return nil, nil
}

func (n *NullQueue) Stats(context.Context, string) (models.QueueStats, error) {
	return models.QueueStats{}, nil
}

func (n *NullQueue) CleanUp(context.Context, time.Duration, int, models.JobState) ([]models.SyncJob, error) {
	return nil, nil
}

var (
	_ Client = (*RedisQueue)(nil)
	_ Client = (*NullQueue)(nil)
)
