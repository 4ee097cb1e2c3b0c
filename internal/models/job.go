package models

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Provider identifies an advertising platform.
type Provider string

const (
	ProviderMeta   Provider = "META"
	ProviderGoogle Provider = "GOOGLE"
)

// ParseProvider accepts any casing of a known provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProviderMeta, ProviderGoogle:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// SyncType describes what a sync run fetches.
type SyncType string

const (
	SyncFull        SyncType = "FULL"
	SyncIncremental SyncType = "INCREMENTAL"
	SyncManual      SyncType = "MANUAL"
	SyncInsights    SyncType = "INSIGHTS"
)

// ParseSyncType accepts any casing of a known sync type.
func ParseSyncType(s string) (SyncType, error) {
	switch t := SyncType(strings.ToUpper(strings.TrimSpace(s))); t {
	case SyncFull, SyncIncremental, SyncManual, SyncInsights:
		return t, nil
	}
	return "", fmt.Errorf("unknown sync type %q", s)
}

// Priority orders waiting jobs. Lower values are served first.
type Priority int

const (
	PriorityManual    Priority = 1
	PriorityScheduled Priority = 5
	PriorityRetry     Priority = 10
)

// Priorities lists every priority in claim order.
var Priorities = []Priority{PriorityManual, PriorityScheduled, PriorityRetry}

// TriggerSource records who asked for a sync.
type TriggerSource string

const (
	SourceCron TriggerSource = "cron"
	SourceUser TriggerSource = "user"
	SourceCLI  TriggerSource = "cli"
)

// JobState is the queue-side lifecycle of a SyncJob.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobExpired   JobState = "expired"
)

// DefaultMaxAttempts applies when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// SyncJob is a unit of scheduled work held by the queue.
type SyncJob struct {
	ID          string         `json:"id"`
	DedupKey    string         `json:"dedup_key"`
	TenantID    string         `json:"tenant_id"`
	Provider    Provider       `json:"provider"`
	SyncType    SyncType       `json:"sync_type"`
	Priority    Priority       `json:"priority"`
	RecordID    string         `json:"record_id"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Payload     map[string]any `json:"payload,omitempty"`
	State       JobState       `json:"state"`
	WorkerID    string         `json:"worker_id,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	RunAt       time.Time      `json:"run_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// CanRetry reports whether a failure of the current attempt may be retried.
// Attempt counts attempts already made before the current one.
func (j SyncJob) CanRetry() bool {
	limit := j.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	return j.Attempt+1 < limit
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	ID       string `json:"id"`
	DedupKey string `json:"dedup_key"`
	// Existing is set when Enqueue found a pending or active job with the same dedup key.
	Existing bool `json:"existing"`
}

// OutcomeStatus is reported by a worker when it completes a job.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the result handed to the queue on completion.
type Outcome struct {
	Status OutcomeStatus
	Error  string
}

// Completion tells the caller what the queue did with a completed job.
type Completion struct {
	Retried bool
	Attempt int
	RunAt   time.Time
}

// QueueStats are read-only queue counters.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// ScheduledDedupKey identifies a periodic job by its time bucket.
func ScheduledDedupKey(tenantID string, provider Provider, syncType SyncType, bucket time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", tenantID, provider, syncType, bucket.UTC().Unix())
}

// ManualDedupKey includes a nonce so separate manual runs never collide.
func ManualDedupKey(tenantID string, provider Provider, nonce string) string {
	return fmt.Sprintf("%s:%s:%s:%s", tenantID, provider, SyncManual, nonce)
}

// RetryDelay returns base*2^attempt capped at ceiling, plus up to jitter*delay of random extra wait.
// The jitter never shortens the delay.
func RetryDelay(base, ceiling time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if ceiling > 0 && (wait > ceiling || wait <= 0) {
		wait = ceiling
	}
	if jitter > 0 && wait > 0 {
		extra := int64(float64(wait) * jitter)
		if extra > 0 {
			wait += time.Duration(rand.Int63n(extra))
		}
	}
	return wait
}
