package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"adsync-scheduler/internal/models"
)

// ErrNotActive is returned by Complete when the job no longer holds an active lease,
// e.g. because the janitor reaped it.
var ErrNotActive = errors.New("job is not active")

// RedisQueue keeps ready lists per priority, a delayed set for retries, an in-flight set
// scored by lease deadline and terminal sets scored by completion time, all in Redis.
type RedisQueue struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

// NewRedisQueue builds a queue client on an existing Redis connection.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	return &RedisQueue{
		client: client,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

// Name returns the queue namespace.
func (q *RedisQueue) Name() string { return q.opts.Name }

type keyspace string

func (k keyspace) ready(p models.Priority) string { return fmt.Sprintf("%s:ready:%d", k, p) }
func (k keyspace) scheduled() string              { return string(k) + ":scheduled" }
func (k keyspace) inflight() string               { return string(k) + ":inflight" }
func (k keyspace) completed() string              { return string(k) + ":completed" }
func (k keyspace) failed() string                 { return string(k) + ":failed" }
func (k keyspace) wake() string                   { return string(k) + ":wake" }
func (k keyspace) jobPrefix() string              { return string(k) + ":job:" }
func (k keyspace) job(id string) string           { return k.jobPrefix() + id }
func (k keyspace) dedupPrefix() string            { return string(k) + ":dedup:" }
func (k keyspace) dedup(key string) string        { return k.dedupPrefix() + key }

func (q *RedisQueue) keys() keyspace { return keyspaceFor(q.opts.Name) }

// keyspaceFor hash-tags the queue name so every key of one queue, including the job and dedup
// keys the scripts derive from prefixes, lands in the same cluster slot.
func keyspaceFor(name string) keyspace { return keyspace("syncq:{" + name + "}") }

func (q *RedisQueue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.opts.OpTimeout)
}

// Enqueue inserts a job into its priority's ready list unless its dedup key is already held.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.SyncJob) (models.JobHandle, error) {
	now := q.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.DedupKey == "" {
		job.DedupKey = job.ID
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityScheduled
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	job.State = models.JobWaiting
	job.EnqueuedAt = now
	job.RunAt = now

	fields, err := hashFields(job)
	if err != nil {
		return models.JobHandle{}, err
	}
	k := q.keys()
	args := append([]any{job.ID}, fields...)

	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{k.dedup(job.DedupKey), k.job(job.ID), k.ready(job.Priority), k.wake()},
		args...).Slice()
	if err != nil {
		return models.JobHandle{}, models.Unavailable("enqueue", err)
	}
	if len(res) != 2 {
		return models.JobHandle{}, fmt.Errorf("unexpected enqueue reply: %v", res)
	}
	id, _ := res[0].(string)
	existing, _ := res[1].(int64)
	return models.JobHandle{ID: id, DedupKey: job.DedupKey, Existing: existing == 1}, nil
}

// Claim promotes due retries, then pops the first job from the ready lists in priority order
// and records it as in-flight under workerID with a lease deadline. The ready lists follow
// models.Priorities, so the last key is the retry list.
func (q *RedisQueue) Claim(ctx context.Context, workerID string) (models.SyncJob, error) {
	now := q.now()
	k := q.keys()
	keys := []string{k.scheduled(), k.inflight()}
	for _, p := range models.Priorities {
		keys = append(keys, k.ready(p))
	}

	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	id, err := claimScript.Run(ctx, q.client, keys,
		now.UnixMilli(),
		now.Add(q.opts.LeaseDuration).UnixMilli(),
		workerID,
		k.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return models.SyncJob{}, models.ErrQueueEmpty
	}
	if err != nil {
		return models.SyncJob{}, models.Unavailable("claim", err)
	}
	return q.load(ctx, id)
}

// Wait blocks on the wake signal pushed by Enqueue.
func (q *RedisQueue) Wait(ctx context.Context, timeout time.Duration) error {
	err := q.client.BLPop(ctx, timeout, q.keys().wake()).Err()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return models.Unavailable("wait", err)
}

// Complete acknowledges a claimed job, rescheduling it when it failed with attempts left.
func (q *RedisQueue) Complete(ctx context.Context, job models.SyncJob, outcome models.Outcome) (models.Completion, error) {
	now := q.now()
	k := q.keys()

	mode := "completed"
	state := models.JobCompleted
	completion := models.Completion{Attempt: job.Attempt}
	switch outcome.Status {
	case models.OutcomeSucceeded:
	case models.OutcomeCancelled:
		mode, state = "failed", models.JobCancelled
	default:
		mode, state = "failed", models.JobFailed
		if job.CanRetry() {
			delay := models.RetryDelay(q.opts.BaseDelay, q.opts.MaxDelay, job.Attempt, q.opts.Jitter)
			mode, state = "retry", models.JobDelayed
			completion = models.Completion{Retried: true, Attempt: job.Attempt + 1, RunAt: now.Add(delay)}
		}
	}

	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	res, err := completeScript.Run(ctx, q.client,
		[]string{k.inflight(), k.scheduled(), k.completed(), k.failed(), k.job(job.ID), k.dedup(job.DedupKey)},
		job.ID,
		mode,
		now.UnixMilli(),
		completion.RunAt.UnixMilli(),
		completion.Attempt,
		int(models.PriorityRetry),
		string(state),
		outcome.Error,
	).Int()
	if err != nil {
		return models.Completion{}, models.Unavailable("complete", err)
	}
	if res < 0 {
		return models.Completion{}, fmt.Errorf("complete job %s: %w", job.ID, ErrNotActive)
	}
	return completion, nil
}

// Cancel removes a waiting or delayed job and releases its dedup key.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	k := q.keys()
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	dedupKey, err := q.client.HGet(ctx, k.job(jobID), "dedup_key").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, models.Unavailable("cancel", err)
	}
	keys := make([]string, 0, len(models.Priorities)+4)
	for _, p := range models.Priorities {
		keys = append(keys, k.ready(p))
	}
	keys = append(keys, k.scheduled(), k.failed(), k.job(jobID), k.dedup(dedupKey))
	n, err := cancelScript.Run(ctx, q.client, keys, jobID, q.now().UnixMilli()).Int()
	if err != nil {
		return false, models.Unavailable("cancel", err)
	}
	return n == 1, nil
}

// ReapExpired fails in-flight jobs whose lease deadline has passed.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time) ([]models.SyncJob, error) {
	k := q.keys()
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	ids, err := reapScript.Run(ctx, q.client, []string{k.inflight(), k.failed()},
		now.UnixMilli(), k.jobPrefix(), k.dedupPrefix()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, models.Unavailable("reap expired", err)
	}
	return q.loadMany(ctx, keyspaceFor(q.opts.Name), ids)
}

// Stats returns counters for queueName.
func (q *RedisQueue) Stats(ctx context.Context, queueName string) (models.QueueStats, error) {
	if queueName == "" {
		queueName = q.opts.Name
	}
	k := keyspaceFor(queueName)
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, 0, len(models.Priorities))
	for _, p := range models.Priorities {
		ready = append(ready, pipe.LLen(ctx, k.ready(p)))
	}
	active := pipe.ZCard(ctx, k.inflight())
	delayed := pipe.ZCard(ctx, k.scheduled())
	completed := pipe.ZCard(ctx, k.completed())
	failed := pipe.ZCard(ctx, k.failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, models.Unavailable("stats", err)
	}
	var st models.QueueStats
	for _, c := range ready {
		st.Waiting += c.Val()
	}
	st.Active = active.Val()
	st.Delayed = delayed.Val()
	st.Completed = completed.Val()
	st.Failed = failed.Val()
	return st, nil
}

// CleanUp trims a terminal set. Only JobCompleted and JobFailed are valid states; cancelled and
// expired jobs live in the failed set.
func (q *RedisQueue) CleanUp(ctx context.Context, olderThan time.Duration, keepLast int, state models.JobState) ([]models.SyncJob, error) {
	k := q.keys()
	var set string
	switch state {
	case models.JobCompleted:
		set = k.completed()
	case models.JobFailed:
		set = k.failed()
	default:
		return nil, fmt.Errorf("cleanup: unsupported state %q", state)
	}
	if keepLast < 0 {
		keepLast = 0
	}
	cutoff := q.now().Add(-olderThan).UnixMilli()

	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	total, err := q.client.ZCard(ctx, set).Result()
	if err != nil {
		return nil, models.Unavailable("cleanup", err)
	}
	stop := total - int64(keepLast) - 1
	if stop < 0 {
		return nil, nil
	}
	candidates, err := q.client.ZRangeWithScores(ctx, set, 0, stop).Result()
	if err != nil {
		return nil, models.Unavailable("cleanup", err)
	}
	ids := make([]string, 0, len(candidates))
	for _, z := range candidates {
		if int64(z.Score) >= cutoff {
			// ascending by score, the rest are newer
			break
		}
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	jobs, err := q.loadMany(ctx, k, ids)
	if err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
		pipe.Del(ctx, k.job(id))
	}
	pipe.ZRem(ctx, set, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, models.Unavailable("cleanup", err)
	}
	return jobs, nil
}

// Job fetches a job record by id.
func (q *RedisQueue) Job(ctx context.Context, id string) (models.SyncJob, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	return q.load(ctx, id)
}

func (q *RedisQueue) load(ctx context.Context, id string) (models.SyncJob, error) {
	fields, err := q.client.HGetAll(ctx, q.keys().job(id)).Result()
	if err != nil {
		return models.SyncJob{}, models.Unavailable("load job", err)
	}
	if len(fields) == 0 {
		return models.SyncJob{}, fmt.Errorf("job %s: record missing", id)
	}
	return jobFromHash(fields)
}

func (q *RedisQueue) loadMany(ctx context.Context, k keyspace, ids []string) ([]models.SyncJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, k.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, models.Unavailable("load jobs", err)
	}
	jobs := make([]models.SyncJob, 0, len(ids))
	for _, c := range cmds {
		if len(c.Val()) == 0 {
			continue
		}
		job, err := jobFromHash(c.Val())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func hashFields(job models.SyncJob) ([]any, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return []any{
		"id", job.ID,
		"dedup_key", job.DedupKey,
		"tenant_id", job.TenantID,
		"provider", string(job.Provider),
		"sync_type", string(job.SyncType),
		"priority", int(job.Priority),
		"record_id", job.RecordID,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"payload", string(payload),
		"state", string(job.State),
		"enqueued_at", job.EnqueuedAt.UnixMilli(),
		"run_at", job.RunAt.UnixMilli(),
	}, nil
}

func jobFromHash(h map[string]string) (models.SyncJob, error) {
	job := models.SyncJob{
		ID:        h["id"],
		DedupKey:  h["dedup_key"],
		TenantID:  h["tenant_id"],
		Provider:  models.Provider(h["provider"]),
		SyncType:  models.SyncType(h["sync_type"]),
		RecordID:  h["record_id"],
		State:     models.JobState(h["state"]),
		WorkerID:  h["worker_id"],
		LastError: h["last_error"],
	}
	job.Priority = models.Priority(atoi(h["priority"]))
	job.Attempt = atoi(h["attempt"])
	job.MaxAttempts = atoi(h["max_attempts"])
	job.EnqueuedAt = msTime(h["enqueued_at"])
	job.RunAt = msTime(h["run_at"])
	if v := h["claimed_at"]; v != "" {
		t := msTime(v)
		job.ClaimedAt = &t
	}
	if v := h["finished_at"]; v != "" {
		t := msTime(v)
		job.FinishedAt = &t
	}
	if p := h["payload"]; p != "" && p != "null" {
		if err := json.Unmarshal([]byte(p), &job.Payload); err != nil {
			return models.SyncJob{}, fmt.Errorf("unmarshal payload of job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {existing, 1}
end
redis.call('SET', KEYS[1], ARGV[1])
local fields = {}
for i=2,#ARGV do
  fields[#fields+1] = ARGV[i]
end
redis.call('HSET', KEYS[2], unpack(fields))
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[4], '1')
redis.call('LTRIM', KEYS[4], 0, 0)
return {ARGV[1], 0}
`)

var claimScript = redis.NewScript(`
local now = ARGV[1]
local retry = KEYS[#KEYS]
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', retry, id)
  redis.call('HSET', ARGV[4] .. id, 'state', 'waiting')
end
for i=3,#KEYS do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', ARGV[4] .. id, 'state', 'active', 'worker_id', ARGV[3], 'claimed_at', now)
    return id
  end
end
return false
`)

var completeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return -1
end
if ARGV[2] == 'retry' then
  redis.call('HSET', KEYS[5], 'state', 'delayed', 'attempt', ARGV[5], 'priority', ARGV[6],
    'run_at', ARGV[4], 'last_error', ARGV[8], 'worker_id', '')
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[5], 'state', ARGV[7], 'finished_at', ARGV[3], 'last_error', ARGV[8])
local set = KEYS[3]
if ARGV[2] == 'failed' then
  set = KEYS[4]
end
redis.call('ZADD', set, ARGV[3], ARGV[1])
if redis.call('GET', KEYS[6]) == ARGV[1] then
  redis.call('DEL', KEYS[6])
end
return 0
`)

var cancelScript = redis.NewScript(`
local removed = 0
for i=1,#KEYS-4 do
  removed = removed + redis.call('LREM', KEYS[i], 0, ARGV[1])
end
removed = removed + redis.call('ZREM', KEYS[#KEYS-3], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HSET', KEYS[#KEYS-1], 'state', 'cancelled', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[#KEYS-2], ARGV[2], ARGV[1])
if redis.call('GET', KEYS[#KEYS]) == ARGV[1] then
  redis.call('DEL', KEYS[#KEYS])
end
return 1
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[2] .. id
  redis.call('HSET', jobKey, 'state', 'expired', 'finished_at', ARGV[1], 'last_error', 'lease expired')
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  local dedup = redis.call('HGET', jobKey, 'dedup_key')
  if dedup and redis.call('GET', ARGV[3] .. dedup) == id then
    redis.call('DEL', ARGV[3] .. dedup)
  end
end
return ids
`)
