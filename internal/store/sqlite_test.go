package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync-scheduler/internal/models"
)

var day = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connect(t *testing.T, s History, tenant string, provider models.Provider) {
	t.Helper()
	require.NoError(t, s.UpsertConnection(context.Background(), models.Connection{
		TenantID:     tenant,
		Provider:     provider,
		ConnectionID: "conn-" + tenant,
		AccessToken:  "token-" + tenant,
		Active:       true,
		UpdatedAt:    day,
	}))
}

func admitParams(id, tenant string, syncType models.SyncType, at time.Time) AdmitParams {
	return AdmitParams{
		ID:         id,
		JobID:      "job-" + id,
		TenantID:   tenant,
		Provider:   models.ProviderMeta,
		SyncType:   syncType,
		StartedAt:  at,
		DailyQuota: 3,
		Metadata:   map[string]any{"source": "user"},
	}
}

func finishOK(t *testing.T, s History, id string, at time.Time) models.SyncHistoryRecord {
	t.Helper()
	rec, err := s.Finish(context.Background(), id, FinishParams{
		Status:      models.StatusSuccess,
		CompletedAt: at,
		Counters:    models.Counters{Campaigns: 5, Ads: 20, Insights: 100},
	})
	require.NoError(t, err)
	return rec
}

func TestAdmitCreatesInProgressRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	rec, err := s.Admit(ctx, admitParams("r1", "t1", models.SyncManual, day))
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, rec.Status)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, "job-r1", got.JobID)
	assert.Equal(t, day, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, map[string]any{"source": "user"}, got.Metadata)

	active, ok, err := s.Active(ctx, "t1", models.ProviderMeta)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", active.ID)
}

func TestAdmitGatesInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.Admit(ctx, admitParams("r0", "t1", models.SyncFull, day))
	assert.ErrorIs(t, err, models.ErrProviderNotConnected)

	connect(t, s, "t1", models.ProviderMeta)
	_, err = s.Admit(ctx, admitParams("r1", "t1", models.SyncFull, day))
	require.NoError(t, err)

	_, err = s.Admit(ctx, admitParams("r2", "t1", models.SyncManual, day.Add(time.Minute)))
	assert.ErrorIs(t, err, models.ErrAlreadySyncing)

	// the rejected admissions left nothing behind
	n, err := s.CountManual(ctx, "t1", day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.Get(ctx, "r2")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestAdmitExclusivityUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	const n = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Admit(ctx, admitParams(fmt.Sprintf("r%d", i), "t1", models.SyncFull, day))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, models.ErrAlreadySyncing):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
	assert.Equal(t, n-1, rejected)
}

func TestManualQuotaPerUTCDay(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	for i := 0; i < 3; i++ {
		at := day.Add(time.Duration(i) * time.Hour)
		_, err := s.Admit(ctx, admitParams(fmt.Sprintf("m%d", i), "t1", models.SyncManual, at))
		require.NoError(t, err)
		finishOK(t, s, fmt.Sprintf("m%d", i), at.Add(time.Minute))
	}

	_, err := s.Admit(ctx, admitParams("m3", "t1", models.SyncManual, day.Add(5*time.Hour)))
	require.ErrorIs(t, err, models.ErrRateLimitExceeded)
	var rl *models.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, rl.Quota)
	assert.Equal(t, 3, rl.Count)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), rl.ResetAt)

	// scheduled syncs are not subject to the quota
	_, err = s.Admit(ctx, admitParams("f1", "t1", models.SyncFull, day.Add(5*time.Hour)))
	require.NoError(t, err)
	finishOK(t, s, "f1", day.Add(6*time.Hour))

	_, err = s.Admit(ctx, admitParams("m4", "t1", models.SyncManual, time.Date(2026, 3, 3, 0, 0, 1, 0, time.UTC)))
	assert.NoError(t, err)
}

func TestFinishRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	_, err := s.Admit(ctx, admitParams("r1", "t1", models.SyncManual, day))
	require.NoError(t, err)
	require.NoError(t, s.MarkClaimed(ctx, "r1", "worker-1", day.Add(time.Second)))
	require.NoError(t, s.NoteRetry(ctx, "r1", 1, "401 unauthorized", models.CategoryAuth, day.Add(2*time.Second)))

	mid, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, mid.Status)
	assert.Equal(t, 1, mid.RetryCount)
	assert.Equal(t, "worker-1", mid.WorkerID)
	assert.Nil(t, mid.ClaimedAt)

	healthy := models.HealthHealthy
	rec, err := s.Finish(ctx, "r1", FinishParams{
		Status:       models.StatusSuccess,
		CompletedAt:  day.Add(90 * time.Second),
		Counters:     models.Counters{Campaigns: 5, Ads: 20, Insights: 100},
		RetryCount:   1,
		HealthStatus: &healthy,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, day.Add(90*time.Second), *got.CompletedAt)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(90000), *got.DurationMs)
	assert.Equal(t, models.Counters{Campaigns: 5, Ads: 20, Insights: 100}, got.Counters)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ErrorCategory)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.HealthStatus)
	assert.Equal(t, models.HealthHealthy, *got.HealthStatus)

	last, ok, err := s.LastCompleted(ctx, "t1", models.ProviderMeta)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", last.ID)

	_, ok, err = s.Active(ctx, "t1", models.ProviderMeta)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelledRecordRejectsLateCompletion(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	_, err := s.Admit(ctx, admitParams("r1", "t1", models.SyncFull, day))
	require.NoError(t, err)

	cancelled, err := s.CancelActive(ctx, "t1", models.ProviderMeta, day.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, models.StatusCancelled, cancelled[0].Status)
	require.NotNil(t, cancelled[0].CompletedAt)

	_, err = s.Finish(ctx, "r1", FinishParams{Status: models.StatusSuccess, CompletedAt: day.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, models.ErrRecordFinalized)
	_, err = s.Finish(ctx, "r1", FinishParams{Status: models.StatusFailed, CompletedAt: day.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, models.ErrRecordFinalized)
	assert.ErrorIs(t, s.NoteRetry(ctx, "r1", 1, "late", models.CategoryAPI, day), models.ErrRecordFinalized)
	assert.ErrorIs(t, s.MarkClaimed(ctx, "r1", "w", day), models.ErrRecordFinalized)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	again, err := s.CancelActive(ctx, "t1", models.ProviderMeta, day.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFinishRejectsNonTerminalTarget(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)
	_, err := s.Admit(ctx, admitParams("r1", "t1", models.SyncFull, day))
	require.NoError(t, err)

	_, err = s.Finish(ctx, "r1", FinishParams{Status: models.StatusPending, CompletedAt: day})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = s.Finish(ctx, "missing", FinishParams{Status: models.StatusSuccess, CompletedAt: day})
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestFailStaleMeasuresFromClaim(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	for _, tenant := range []string{"t1", "t2", "t3", "t4"} {
		connect(t, s, tenant, models.ProviderMeta)
	}

	// claimed early and never finished
	_, err := s.Admit(ctx, admitParams("old", "t1", models.SyncFull, day))
	require.NoError(t, err)
	require.NoError(t, s.MarkClaimed(ctx, "old", "w-1", day.Add(time.Second)))
	// waited in the queue, claimed recently
	_, err = s.Admit(ctx, admitParams("late", "t2", models.SyncFull, day))
	require.NoError(t, err)
	require.NoError(t, s.MarkClaimed(ctx, "late", "w-2", day.Add(4*time.Minute)))
	// still queued, never claimed
	_, err = s.Admit(ctx, admitParams("queued", "t3", models.SyncFull, day))
	require.NoError(t, err)
	// claimed early, failed and waiting for its retry
	_, err = s.Admit(ctx, admitParams("retrying", "t4", models.SyncFull, day))
	require.NoError(t, err)
	require.NoError(t, s.MarkClaimed(ctx, "retrying", "w-3", day.Add(time.Second)))
	require.NoError(t, s.NoteRetry(ctx, "retrying", 1, "502 bad gateway", models.CategoryAPI, day.Add(2*time.Second)))

	now := day.Add(6 * time.Minute)
	failed, err := s.FailStale(ctx, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "old", failed[0].ID)

	got, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorCategory)
	assert.Equal(t, models.CategoryTimeout, *got.ErrorCategory)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ClaimedAt)
	assert.Equal(t, day.Add(time.Second), *got.ClaimedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, day.Add(time.Second).Format(time.RFC3339))

	for _, id := range []string{"late", "queued", "retrying"} {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInProgress, rec.Status, id)
	}
	retrying, err := s.Get(ctx, "retrying")
	require.NoError(t, err)
	assert.Nil(t, retrying.ClaimedAt)

	// the slot is free again
	_, err = s.Admit(ctx, admitParams("next", "t1", models.SyncFull, now))
	assert.NoError(t, err)
}

func TestAbortFreesSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	_, err := s.Admit(ctx, admitParams("r1", "t1", models.SyncManual, day))
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, "r1"))

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
	n, err := s.CountManual(ctx, "t1", day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Admit(ctx, admitParams("r2", "t1", models.SyncManual, day))
	assert.NoError(t, err)
}

func TestSetHealth(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)
	_, err := s.Admit(ctx, admitParams("r1", "t1", models.SyncFull, day))
	require.NoError(t, err)

	require.NoError(t, s.SetHealth(ctx, "r1", models.HealthPartial, []string{"token expires soon"}))
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.HealthStatus)
	assert.Equal(t, models.HealthPartial, *got.HealthStatus)
	assert.Equal(t, []string{"token expires soon"}, got.HealthIssues)

	assert.ErrorIs(t, s.SetHealth(ctx, "missing", models.HealthHealthy, nil), models.ErrRecordNotFound)
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	connect(t, s, "t1", models.ProviderMeta)

	for i := 0; i < 4; i++ {
		at := day.Add(time.Duration(i) * time.Hour)
		_, err := s.Admit(ctx, admitParams(fmt.Sprintf("r%d", i), "t1", models.SyncFull, at))
		require.NoError(t, err)
		finishOK(t, s, fmt.Sprintf("r%d", i), at.Add(time.Minute))
	}

	recent, err := s.Recent(ctx, "t1", models.ProviderMeta, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "r3", recent[0].ID)
	assert.Equal(t, "r1", recent[2].ID)

	other, err := s.Recent(ctx, "t1", models.ProviderGoogle, 3)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestConnections(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.ActiveConnection(ctx, "t1", models.ProviderMeta)
	assert.ErrorIs(t, err, models.ErrProviderNotConnected)

	expires := day.Add(48 * time.Hour)
	require.NoError(t, s.UpsertConnection(ctx, models.Connection{
		TenantID: "t1", Provider: models.ProviderMeta, ConnectionID: "c1",
		AccessToken: "a", TokenExpiresAt: &expires, Active: true, UpdatedAt: day,
	}))
	connect(t, s, "t2", models.ProviderGoogle)

	c, err := s.ActiveConnection(ctx, "t1", models.ProviderMeta)
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ConnectionID)
	assert.Equal(t, "a", c.AccessToken)
	require.NotNil(t, c.TokenExpiresAt)
	assert.Equal(t, expires, *c.TokenExpiresAt)

	all, err := s.ListActiveConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.UpsertConnection(ctx, models.Connection{
		TenantID: "t1", Provider: models.ProviderMeta, ConnectionID: "c1", AccessToken: "a", Active: false,
	}))
	_, err = s.ActiveConnection(ctx, "t1", models.ProviderMeta)
	assert.ErrorIs(t, err, models.ErrProviderNotConnected)
	all, err = s.ListActiveConnections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t2", all[0].TenantID)
}
