package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync-scheduler/internal/coordinator"
	"adsync-scheduler/internal/models"
)

type fakeRequester struct {
	mu   sync.Mutex
	reqs []coordinator.Request
	errs map[models.SyncType]error
}

func (f *fakeRequester) RequestSync(_ context.Context, req coordinator.Request) (coordinator.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if err := f.errs[req.SyncType]; err != nil {
		return coordinator.Admission{}, err
	}
	return coordinator.Admission{RecordID: "r"}, nil
}

func (f *fakeRequester) take() []coordinator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.reqs
	f.reqs = nil
	return out
}

type fakeHistory struct {
	mu    sync.Mutex
	conns []models.Connection
	recs  []models.SyncHistoryRecord
}

func newHistory() *fakeHistory {
	return &fakeHistory{conns: []models.Connection{
		{TenantID: "A", Provider: models.ProviderMeta, Active: true},
		{TenantID: "B", Provider: models.ProviderGoogle, Active: true},
	}}
}

func (f *fakeHistory) ListActiveConnections(context.Context) ([]models.Connection, error) {
	return f.conns, nil
}

func (f *fakeHistory) Recent(_ context.Context, tenantID string, p models.Provider, limit int) ([]models.SyncHistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncHistoryRecord
	for i := len(f.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if f.recs[i].TenantID == tenantID && f.recs[i].Provider == p {
			out = append(out, f.recs[i])
		}
	}
	return out, nil
}

func (f *fakeHistory) add(rec models.SyncHistoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func TestTickTriggersOncePerBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)
	req := &fakeRequester{}
	s := New(req, newHistory(), DefaultSchedules(12*time.Hour, time.Hour), time.Minute, nil).
		WithClock(func() time.Time { return now })

	r, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Triggered: 4}, r)
	got := req.take()
	require.Len(t, got, 4)
	for _, g := range got {
		assert.Equal(t, models.SourceCron, g.Source)
	}

	now = now.Add(30 * time.Minute)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, r)
	assert.Empty(t, req.take())

	// next hour: insights only
	now = time.Date(2026, 3, 2, 1, 0, 30, 0, time.UTC)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Triggered)
	for _, g := range req.take() {
		assert.Equal(t, models.SyncInsights, g.SyncType)
	}

	// noon opens a new full-sync bucket
	now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Triggered)
}

func TestRejectionsCloseBucketButOutagesRetry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)
	req := &fakeRequester{errs: map[models.SyncType]error{
		models.SyncFull:     models.ErrProviderNotConnected,
		models.SyncInsights: models.Unavailable("admit", errors.New("connection refused")),
	}}
	s := New(req, newHistory(), DefaultSchedules(12*time.Hour, time.Hour), time.Minute, nil).
		WithClock(func() time.Time { return now })

	r, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Skipped: 2, Failed: 2}, r)
	req.take()

	req.mu.Lock()
	delete(req.errs, models.SyncInsights)
	req.mu.Unlock()

	now = now.Add(time.Minute)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Triggered: 2}, r)
	for _, g := range req.take() {
		assert.Equal(t, models.SyncInsights, g.SyncType)
	}
}

func TestInsightsRunsAfterFullSyncLeavesThePair(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 10, 0, time.UTC)
	hist := newHistory()
	req := &fakeRequester{errs: map[models.SyncType]error{
		models.SyncInsights: models.ErrAlreadySyncing,
	}}
	s := New(req, hist, DefaultSchedules(12*time.Hour, time.Hour), time.Minute, nil).
		WithClock(func() time.Time { return now })

	r, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Triggered: 2, Skipped: 2}, r)
	req.take()

	// full syncs still running
	now = now.Add(time.Minute)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Skipped: 2}, r)
	for _, g := range req.take() {
		assert.Equal(t, models.SyncInsights, g.SyncType)
	}

	// full syncs done
	req.mu.Lock()
	delete(req.errs, models.SyncInsights)
	req.mu.Unlock()
	now = now.Add(10 * time.Minute)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Triggered: 2}, r)
	for _, g := range req.take() {
		assert.Equal(t, models.SyncInsights, g.SyncType)
	}

	now = now.Add(time.Minute)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, r)
}

func TestBusyBucketClosesOnceItsRunShowsUp(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 10, 0, time.UTC)
	hist := newHistory()
	hist.conns = hist.conns[:1]
	req := &fakeRequester{errs: map[models.SyncType]error{
		models.SyncFull:     models.ErrAlreadySyncing,
		models.SyncInsights: models.ErrAlreadySyncing,
	}}
	s := New(req, hist, DefaultSchedules(12*time.Hour, time.Hour), time.Minute, nil).
		WithClock(func() time.Time { return now })

	r, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Skipped: 2}, r)
	req.take()

	// another replica admitted this bucket's full sync; the insights record is from last hour
	hist.add(models.SyncHistoryRecord{TenantID: "A", Provider: models.ProviderMeta,
		SyncType: models.SyncInsights, StartedAt: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)})
	hist.add(models.SyncHistoryRecord{TenantID: "A", Provider: models.ProviderMeta,
		SyncType: models.SyncFull, StartedAt: time.Date(2026, 3, 2, 12, 0, 5, 0, time.UTC)})

	now = now.Add(time.Minute)
	r, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Skipped: 1}, r)
	got := req.take()
	require.Len(t, got, 1)
	assert.Equal(t, models.SyncInsights, got[0].SyncType)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := &fakeRequester{}
	s := New(req, newHistory(), DefaultSchedules(12*time.Hour, time.Hour), time.Hour, nil)
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}
