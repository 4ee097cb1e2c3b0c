package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"adsync-scheduler/internal/coordinator"
	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/telemetry"
)

// Requester admits sync requests; *coordinator.Coordinator satisfies it.
type Requester interface {
	RequestSync(ctx context.Context, req coordinator.Request) (coordinator.Admission, error)
}

// History lists the pairs that should be synced periodically and their recent records.
type History interface {
	ListActiveConnections(ctx context.Context) ([]models.Connection, error)
	Recent(ctx context.Context, tenantID string, provider models.Provider, limit int) ([]models.SyncHistoryRecord, error)
}

// recentWindow bounds the records read when checking whether a bucket already ran.
const recentWindow = 20

// Schedule triggers SyncType once per Interval bucket for every active connection.
type Schedule struct {
	SyncType models.SyncType
	Interval time.Duration
}

// DefaultSchedules is a full sync twice a day and hourly insights.
func DefaultSchedules(full, insights time.Duration) []Schedule {
	return []Schedule{
		{SyncType: models.SyncFull, Interval: full},
		{SyncType: models.SyncInsights, Interval: insights},
	}
}

type slot struct {
	tenantID string
	provider models.Provider
	syncType models.SyncType
}

// Scheduler is the cron trigger source. Buckets align to UTC multiples of each interval, the same
// buckets the coordinator uses for dedup keys, so concurrent scheduler replicas collapse into one job.
type Scheduler struct {
	requests  Requester
	history   History
	schedules []Schedule
	tick      time.Duration
	log       *slog.Logger
	now       func() time.Time
	done      map[slot]time.Time
	busy      map[slot]time.Time
}

func New(requests Requester, history History, schedules []Schedule, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		requests:  requests,
		history:   history,
		schedules: schedules,
		tick:      tick,
		log:       logger.With("component", "scheduler"),
		now:       time.Now,
		done:      make(map[slot]time.Time),
		busy:      make(map[slot]time.Time),
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// TickReport counts the requests of one tick.
type TickReport struct {
	Triggered int
	Skipped   int
	Failed    int
}

// Tick requests every schedule whose current bucket has not been handled yet. Rejections close
// the bucket; infrastructure failures leave it open for the next tick. A request turned away
// because another sync of the pair is running keeps the bucket open until a run of its own type
// shows up in the bucket, so an insights run is not lost behind a full sync.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	var r TickReport
	conns, err := s.history.ListActiveConnections(ctx)
	if err != nil {
		return r, err
	}
	now := s.now().UTC()
	for _, sch := range s.schedules {
		bucket := now.Truncate(sch.Interval)
		for _, c := range conns {
			key := slot{tenantID: c.TenantID, provider: c.Provider, syncType: sch.SyncType}
			if last, ok := s.done[key]; ok && !last.Before(bucket) {
				continue
			}
			if b, ok := s.busy[key]; ok && b.Equal(bucket) {
				ran, err := s.ranInBucket(ctx, key, bucket)
				if err != nil {
					s.log.Error("read recent syncs", "tenant_id", c.TenantID, "provider", c.Provider, "err", err)
					r.Failed++
					continue
				}
				if ran {
					s.closeBucket(key, bucket)
					continue
				}
			}
			result := s.trigger(ctx, c, sch.SyncType)
			telemetry.ScheduledTriggers.WithLabelValues(string(sch.SyncType), result).Inc()
			switch result {
			case "admitted":
				r.Triggered++
				s.closeBucket(key, bucket)
			case "error":
				r.Failed++
			case "already_syncing":
				r.Skipped++
				if ran, err := s.ranInBucket(ctx, key, bucket); err == nil && ran {
					s.closeBucket(key, bucket)
				} else {
					s.busy[key] = bucket
				}
			default:
				r.Skipped++
				s.closeBucket(key, bucket)
			}
		}
	}
	return r, nil
}

func (s *Scheduler) closeBucket(key slot, bucket time.Time) {
	s.done[key] = bucket
	delete(s.busy, key)
}

// ranInBucket reports whether a sync of the slot's type started inside bucket, on this replica
// or another one.
func (s *Scheduler) ranInBucket(ctx context.Context, key slot, bucket time.Time) (bool, error) {
	recs, err := s.history.Recent(ctx, key.tenantID, key.provider, recentWindow)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.StartedAt.Before(bucket) {
			break
		}
		if rec.SyncType == key.syncType {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) trigger(ctx context.Context, c models.Connection, syncType models.SyncType) string {
	log := s.log.With("tenant_id", c.TenantID, "provider", c.Provider, "sync_type", syncType)
	adm, err := s.requests.RequestSync(ctx, coordinator.Request{
		TenantID: c.TenantID,
		Provider: c.Provider,
		SyncType: syncType,
		Source:   models.SourceCron,
	})
	switch {
	case err == nil:
		if adm.Skipped {
			log.Info("scheduled sync skipped", "record_id", adm.RecordID)
			return "skipped_unhealthy"
		}
		return "admitted"
	case errors.Is(err, models.ErrAlreadySyncing):
		log.Debug("scheduled sync already running")
		return "already_syncing"
	case errors.Is(err, models.ErrProviderNotConnected):
		return "not_connected"
	default:
		log.Error("scheduled sync request", "err", err)
		return "error"
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		if r, err := s.Tick(ctx); err != nil {
			if ctx.Err() == nil {
				s.log.Error("scheduler tick", "err", err)
			}
		} else if r.Triggered+r.Failed > 0 {
			s.log.Info("scheduler tick", "triggered", r.Triggered, "skipped", r.Skipped, "failed", r.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
