package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync-scheduler/internal/coordinator"
	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/provider"
	"adsync-scheduler/internal/queue"
	"adsync-scheduler/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type step struct {
	res provider.Result
	err error
}

// scripted answers calls with its steps in order, repeating the last one.
type scripted struct {
	mu     sync.Mutex
	steps  []step
	calls  []provider.SyncRequest
	before func()
}

func (s *scripted) Sync(_ context.Context, req provider.SyncRequest) (provider.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	i := len(s.calls) - 1
	before := s.before
	s.mu.Unlock()
	if before != nil {
		before()
	}
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].res, s.steps[i].err
}

func (s *scripted) Calls() []provider.SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.SyncRequest(nil), s.calls...)
}

type fakeHealth struct {
	report provider.HealthReport
}

func (f fakeHealth) CheckHealth(context.Context, string, models.Provider) (provider.HealthReport, error) {
	return f.report, nil
}

var start = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

var fullResult = provider.Result{Counters: models.Counters{Campaigns: 5, Ads: 20, Insights: 100}}

type env struct {
	hist  *store.SQLite
	q     *queue.RedisQueue
	coord *coordinator.Coordinator
	clk   *clock
}

func newEnv(t *testing.T, maxAttempts int) *env {
	t.Helper()
	hist, err := store.NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	clk := &clock{now: start}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, queue.Options{Name: "test", BaseDelay: 2 * time.Second}).WithClock(clk.Now)

	coord := coordinator.New(hist, q, nil, coordinator.Options{DailyQuota: 3, MaxAttempts: maxAttempts}, nil).WithClock(clk.Now)
	require.NoError(t, hist.UpsertConnection(context.Background(), models.Connection{
		TenantID: "T", Provider: models.ProviderMeta, ConnectionID: "c-1", AccessToken: "tok", Active: true,
	}))
	return &env{hist: hist, q: q, coord: coord, clk: clk}
}

func (e *env) processor(client provider.SyncClient, health provider.HealthChecker) *Processor {
	return NewProcessor(e.q, e.hist, client, health, Options{WorkerID: "w-1"}, nil).WithClock(e.clk.Now)
}

func (e *env) requestManual(t *testing.T) coordinator.Admission {
	t.Helper()
	adm, err := e.coord.RequestSync(context.Background(), coordinator.Request{
		TenantID: "T", Provider: models.ProviderMeta, SyncType: models.SyncManual, Source: models.SourceUser,
	})
	require.NoError(t, err)
	return adm
}

func (e *env) record(t *testing.T, id string) models.SyncHistoryRecord {
	t.Helper()
	rec, err := e.hist.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *env) stats(t *testing.T) models.QueueStats {
	t.Helper()
	st, err := e.q.Stats(context.Background(), "")
	require.NoError(t, err)
	return st
}

func TestProcessNextEmptyQueue(t *testing.T) {
	e := newEnv(t, 3)
	worked, err := e.processor(&scripted{steps: []step{{}}}, nil).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestSuccessRecordsCounters(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	adm := e.requestManual(t)

	client := &scripted{steps: []step{{res: fullResult}}}
	e.clk.Advance(90 * time.Second)
	worked, err := e.processor(client, nil).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	rec := e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, fullResult.Counters, rec.Counters)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, "w-1", rec.WorkerID)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, start.Add(90*time.Second), *rec.CompletedAt)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, int64(90000), *rec.DurationMs)
	assert.Nil(t, rec.ErrorMessage)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tok", calls[0].AccessToken)
	assert.Equal(t, "c-1", calls[0].ConnectionID)
	assert.Equal(t, models.SyncManual, calls[0].SyncType)
	assert.Equal(t, "user", calls[0].Options["source"])

	assert.Equal(t, models.QueueStats{Completed: 1}, e.stats(t))
}

func TestPartialResult(t *testing.T) {
	e := newEnv(t, 3)
	adm := e.requestManual(t)

	client := &scripted{steps: []step{{res: provider.Result{
		Counters: models.Counters{Campaigns: 2, Ads: 7},
		Errors:   []provider.EntityError{{Entity: "ad", ID: "9", Message: "creative rejected"}},
	}}}}
	_, err := e.processor(client, nil).ProcessNext(context.Background())
	require.NoError(t, err)

	rec := e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusPartial, rec.Status)
	assert.Equal(t, models.Counters{Campaigns: 2, Ads: 7}, rec.Counters)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "1 entities failed: ad 9: creative rejected", *rec.ErrorMessage)
	assert.Equal(t, int64(1), e.stats(t).Completed)
}

func TestEntityErrorsWithoutSuccessesFail(t *testing.T) {
	e := newEnv(t, 1)
	adm := e.requestManual(t)

	client := &scripted{steps: []step{{res: provider.Result{
		Errors: []provider.EntityError{{Entity: "campaign", Message: "not found"}},
	}}}}
	_, err := e.processor(client, nil).ProcessNext(context.Background())
	require.NoError(t, err)

	rec := e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorCategory)
	assert.Equal(t, models.CategoryAPI, *rec.ErrorCategory)
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	adm := e.requestManual(t)

	serverErr := &provider.APIError{StatusCode: 500, Body: "upstream"}
	client := &scripted{steps: []step{{err: serverErr}, {err: serverErr}, {res: fullResult}}}
	proc := e.processor(client, nil)

	worked, err := proc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	rec := e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusInProgress, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.ErrorCategory)
	assert.Equal(t, models.CategoryAPI, *rec.ErrorCategory)
	assert.Equal(t, int64(1), e.stats(t).Delayed)

	// first retry is due after the base delay
	e.clk.Advance(time.Second)
	worked, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	e.clk.Advance(time.Second)
	worked, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	assert.Equal(t, 2, e.record(t, adm.RecordID).RetryCount)

	// second retry waits twice as long
	e.clk.Advance(3 * time.Second)
	worked, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	e.clk.Advance(time.Second)
	worked, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	rec = e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, fullResult.Counters, rec.Counters)
	assert.Len(t, client.Calls(), 3)
	assert.Equal(t, models.QueueStats{Completed: 1}, e.stats(t))
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	adm := e.requestManual(t)

	client := &scripted{steps: []step{{err: &provider.APIError{StatusCode: 401, Body: "token revoked"}}}}
	proc := e.processor(client, nil)
	for i := 0; i < 3; i++ {
		worked, err := proc.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, worked, "attempt %d", i+1)
		e.clk.Advance(time.Minute)
	}

	rec := e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	require.NotNil(t, rec.ErrorCategory)
	assert.Equal(t, models.CategoryAuth, *rec.ErrorCategory)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, models.QueueStats{Failed: 1}, e.stats(t))

	worked, err := proc.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestDisconnectedProviderFailsAsAuth(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1)
	adm := e.requestManual(t)
	require.NoError(t, e.hist.UpsertConnection(ctx, models.Connection{
		TenantID: "T", Provider: models.ProviderMeta, ConnectionID: "c-1", Active: false,
	}))

	client := &scripted{steps: []step{{res: fullResult}}}
	_, err := e.processor(client, nil).ProcessNext(ctx)
	require.NoError(t, err)

	rec := e.record(t, adm.RecordID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorCategory)
	assert.Equal(t, models.CategoryAuth, *rec.ErrorCategory)
	assert.Empty(t, client.Calls())
}

func TestCancellationWinsOverLateCompletion(t *testing.T) {
	for name, outcome := range map[string]step{
		"success": {res: fullResult},
		"failure": {err: &provider.APIError{StatusCode: 500}},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, 3)
			adm := e.requestManual(t)

			client := &scripted{steps: []step{outcome}}
			client.before = func() {
				n, err := e.coord.Cancel(ctx, "T", models.ProviderMeta)
				assert.NoError(t, err)
				assert.Equal(t, 1, n)
			}
			worked, err := e.processor(client, nil).ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, worked)

			rec := e.record(t, adm.RecordID)
			assert.Equal(t, models.StatusCancelled, rec.Status)
			assert.Zero(t, rec.Counters)
			assert.Equal(t, models.QueueStats{Failed: 1}, e.stats(t))
		})
	}
}

func TestJobForMissingRecordIsDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	_, err := e.q.Enqueue(ctx, models.SyncJob{
		TenantID: "T", Provider: models.ProviderMeta, SyncType: models.SyncFull, RecordID: "gone",
	})
	require.NoError(t, err)

	client := &scripted{steps: []step{{res: fullResult}}}
	worked, err := e.processor(client, nil).ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Empty(t, client.Calls())
	assert.Equal(t, models.QueueStats{Failed: 1}, e.stats(t))
}

func TestHealthRevalidatedOnCompletion(t *testing.T) {
	e := newEnv(t, 3)
	adm := e.requestManual(t)

	health := fakeHealth{report: provider.HealthReport{
		Status:            models.HealthPartial,
		DataDiscrepancies: []string{"spend differs from billing export"},
	}}
	_, err := e.processor(&scripted{steps: []step{{res: fullResult}}}, health).ProcessNext(context.Background())
	require.NoError(t, err)

	rec := e.record(t, adm.RecordID)
	require.NotNil(t, rec.HealthStatus)
	assert.Equal(t, models.HealthPartial, *rec.HealthStatus)
	assert.Equal(t, []string{"spend differs from billing export"}, rec.HealthIssues)
}

// A slow first manual sync blocks a second one; once it finishes, the second is admitted, fails
// on auth, is retried and succeeds.
func TestManualSyncScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)

	first := e.requestManual(t)
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &scripted{steps: []step{{res: fullResult}}}
	slow.before = func() {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.processor(slow, nil).ProcessNext(ctx)
		done <- err
	}()
	<-started
	assert.Equal(t, models.StatusInProgress, e.record(t, first.RecordID).Status)

	_, err := e.coord.RequestSync(ctx, coordinator.Request{
		TenantID: "T", Provider: models.ProviderMeta, SyncType: models.SyncManual, Source: models.SourceUser,
	})
	require.ErrorIs(t, err, models.ErrAlreadySyncing)

	close(release)
	require.NoError(t, <-done)
	rec := e.record(t, first.RecordID)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, models.Counters{Campaigns: 5, Ads: 20, Insights: 100}, rec.Counters)

	second := e.requestManual(t)
	flaky := &scripted{steps: []step{
		{err: &provider.APIError{StatusCode: 401, Body: "expired token"}},
		{res: fullResult},
	}}
	proc := e.processor(flaky, nil)
	_, err = proc.ProcessNext(ctx)
	require.NoError(t, err)
	rec = e.record(t, second.RecordID)
	assert.Equal(t, models.StatusInProgress, rec.Status)
	require.NotNil(t, rec.ErrorCategory)
	assert.Equal(t, models.CategoryAuth, *rec.ErrorCategory)

	e.clk.Advance(2 * time.Second)
	worked, err := proc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	rec = e.record(t, second.RecordID)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Nil(t, rec.ErrorMessage)
	assert.Nil(t, rec.ErrorCategory)
}

func TestPoolDrainsQueue(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	tenants := []string{"A", "B", "C"}
	var records []string
	for _, tenant := range tenants {
		require.NoError(t, e.hist.UpsertConnection(ctx, models.Connection{
			TenantID: tenant, Provider: models.ProviderGoogle, ConnectionID: "c-" + tenant, AccessToken: "tok", Active: true,
		}))
		adm, err := e.coord.RequestSync(ctx, coordinator.Request{
			TenantID: tenant, Provider: models.ProviderGoogle, SyncType: models.SyncFull, Source: models.SourceCron,
		})
		require.NoError(t, err)
		records = append(records, adm.RecordID)
	}

	client := &scripted{steps: []step{{res: fullResult}}}
	pool := NewPool(2, "w", func(id string) *Processor {
		return NewProcessor(e.q, e.hist, client, nil, Options{WorkerID: id, PollInterval: 10 * time.Millisecond}, nil).WithClock(e.clk.Now)
	})
	assert.Equal(t, 2, pool.Size())

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		for _, id := range records {
			rec, err := e.hist.Get(ctx, id)
			if err != nil || rec.Status != models.StatusSuccess {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Len(t, client.Calls(), 3)
}

func TestSummarizeTruncates(t *testing.T) {
	errs := make([]provider.EntityError, 7)
	for i := range errs {
		errs[i] = provider.EntityError{Entity: "ad", Message: "bad"}
	}
	msg := summarize(errs)
	assert.Contains(t, msg, "7 entities failed")
	assert.Contains(t, msg, "and 2 more")
}

func TestProcessNextSurfacesQueueOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, queue.Options{Name: "test", OpTimeout: 200 * time.Millisecond})
	mr.Close()

	proc := NewProcessor(q, nil, &scripted{steps: []step{{}}}, nil, Options{}, nil)
	worked, err := proc.ProcessNext(context.Background())
	assert.False(t, worked)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
}
