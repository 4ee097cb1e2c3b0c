package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adsync-scheduler/internal/models"
)

var (
	once sync.Once

	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adsync_admissions_total",
		Help: "Sync requests by admission result",
	}, []string{"provider", "sync_type", "result"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adsync_http_rate_limit_rejects_total",
		Help: "Manual trigger requests rejected by the burst limiter",
	})
	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adsync_executions_total",
		Help: "Sync job executions by outcome",
	}, []string{"provider", "outcome"})
	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adsync_retries_total",
		Help: "Failed attempts that were rescheduled",
	}, []string{"provider", "category"})
	SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adsync_sync_duration_seconds",
		Help:    "Wall time of provider sync calls",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"provider"})
	Cancellations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adsync_cancellations_total",
		Help: "Records cancelled by request",
	})
	StaleFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adsync_stale_failed_total",
		Help: "IN_PROGRESS records failed by reconciliation",
	})
	LeasesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adsync_leases_reaped_total",
		Help: "Claimed jobs whose lease expired",
	})
	JobsPurged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adsync_jobs_purged_total",
		Help: "Terminal job records deleted by the janitor",
	}, []string{"state"})
	ScheduledTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adsync_scheduled_triggers_total",
		Help: "Periodic sync requests by result",
	}, []string{"sync_type", "result"})
	QueueJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adsync_queue_jobs",
		Help: "Jobs per queue state",
	}, []string{"queue", "state"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Admissions,
			RateLimitRejects,
			Executions,
			Retries,
			SyncDuration,
			Cancellations,
			StaleFailed,
			LeasesReaped,
			JobsPurged,
			ScheduledTriggers,
			QueueJobs,
		)
	})
	return promhttp.Handler()
}

// ObserveQueue publishes queue counters as gauges.
func ObserveQueue(queue string, st models.QueueStats) {
	QueueJobs.WithLabelValues(queue, "waiting").Set(float64(st.Waiting))
	QueueJobs.WithLabelValues(queue, "active").Set(float64(st.Active))
	QueueJobs.WithLabelValues(queue, "delayed").Set(float64(st.Delayed))
	QueueJobs.WithLabelValues(queue, "completed").Set(float64(st.Completed))
	QueueJobs.WithLabelValues(queue, "failed").Set(float64(st.Failed))
}
