package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adsync-scheduler/internal/models"
)

// History is the durable sync-history and provider-connection store.
// Every failure of the backing database is wrapped with models.ErrStoreUnavailable.
type History interface {
	// Admit runs the admission gates and creates an IN_PROGRESS record as one serialized operation.
	// It fails with models.ErrAlreadySyncing, a *models.RateLimitError or
	// models.ErrProviderNotConnected without writing anything.
	Admit(ctx context.Context, p AdmitParams) (models.SyncHistoryRecord, error)
	// Abort deletes an active record whose job could not be queued.
	Abort(ctx context.Context, id string) error
	SetHealth(ctx context.Context, id string, status models.HealthStatus, issues []string) error
	Get(ctx context.Context, id string) (models.SyncHistoryRecord, error)
	// MarkClaimed records the worker that claimed the record's job and when.
	MarkClaimed(ctx context.Context, id, workerID string, now time.Time) error
	// NoteRetry stores the latest failure of a record that will be retried. The claim is
	// cleared while the job waits in the queue.
	NoteRetry(ctx context.Context, id string, retryCount int, message string, category models.ErrorCategory, now time.Time) error
	// Finish moves an active record to a terminal status. It fails with models.ErrRecordFinalized
	// when the record is already terminal, which is how a cancellation wins over a late worker.
	Finish(ctx context.Context, id string, p FinishParams) (models.SyncHistoryRecord, error)
	CancelActive(ctx context.Context, tenantID string, provider models.Provider, now time.Time) ([]models.SyncHistoryRecord, error)
	// FailStale fails IN_PROGRESS records claimed before cutoff with a TIMEOUT category.
	// Records whose job has not been claimed yet are left alone.
	FailStale(ctx context.Context, cutoff, now time.Time) ([]models.SyncHistoryRecord, error)
	Active(ctx context.Context, tenantID string, provider models.Provider) (models.SyncHistoryRecord, bool, error)
	Recent(ctx context.Context, tenantID string, provider models.Provider, limit int) ([]models.SyncHistoryRecord, error)
	// LastCompleted returns the newest SUCCESS or PARTIAL record.
	LastCompleted(ctx context.Context, tenantID string, provider models.Provider) (models.SyncHistoryRecord, bool, error)
	CountManual(ctx context.Context, tenantID string, from, to time.Time) (int, error)

	ActiveConnection(ctx context.Context, tenantID string, provider models.Provider) (models.Connection, error)
	ListActiveConnections(ctx context.Context) ([]models.Connection, error)
	UpsertConnection(ctx context.Context, c models.Connection) error

	Close() error
}

// AdmitParams describe a sync attempt asking for admission.
type AdmitParams struct {
	ID        string
	JobID     string
	TenantID  string
	Provider  models.Provider
	SyncType  models.SyncType
	StartedAt time.Time
	// DailyQuota bounds MANUAL records per tenant per UTC day. It is only checked for MANUAL syncs.
	DailyQuota int
	Metadata   map[string]any
}

func (p AdmitParams) enforceQuota() bool { return p.SyncType == models.SyncManual }

func (p AdmitParams) rateLimited(count int) error {
	if !p.enforceQuota() || count < p.DailyQuota {
		return nil
	}
	_, reset := models.DayWindow(p.StartedAt)
	return &models.RateLimitError{Quota: p.DailyQuota, Count: count, ResetAt: reset}
}

// FinishParams carry the terminal outcome of a record.
type FinishParams struct {
	Status        models.SyncStatus
	CompletedAt   time.Time
	Counters      models.Counters
	ErrorMessage  string
	ErrorCategory models.ErrorCategory
	RetryCount    int
	// HealthStatus, when set, replaces the admission-time health classification.
	HealthStatus *models.HealthStatus
	HealthIssues []string
}

func (p FinishParams) validate() error {
	if !p.Status.IsTerminal() {
		return fmt.Errorf("finish with %s: %w", p.Status, models.ErrInvalidTransition)
	}
	return nil
}

// finalize applies p to the current state of rec.
func finalize(rec models.SyncHistoryRecord, p FinishParams) (models.SyncHistoryRecord, error) {
	if err := p.validate(); err != nil {
		return rec, err
	}
	if rec.Status.IsTerminal() {
		return rec, fmt.Errorf("finish %s: %w", rec.ID, models.ErrRecordFinalized)
	}
	if !models.CanTransition(rec.Status, p.Status) {
		return rec, fmt.Errorf("finish %s: %s -> %s: %w", rec.ID, rec.Status, p.Status, models.ErrInvalidTransition)
	}
	completed := p.CompletedAt.UTC()
	d := durationMs(rec.StartedAt, completed)
	rec.Status = p.Status
	rec.CompletedAt = &completed
	rec.DurationMs = &d
	rec.Counters = p.Counters
	rec.ErrorMessage = p.message()
	rec.ErrorCategory = categoryPtr(p.category())
	rec.RetryCount = p.RetryCount
	if p.HealthStatus != nil {
		rec.HealthStatus = p.HealthStatus
		rec.HealthIssues = p.HealthIssues
	}
	rec.UpdatedAt = completed
	return rec, nil
}

func cancelParams(rec models.SyncHistoryRecord, now time.Time) FinishParams {
	return FinishParams{
		Status:       models.StatusCancelled,
		CompletedAt:  now,
		Counters:     rec.Counters,
		ErrorMessage: "cancelled by request",
		RetryCount:   rec.RetryCount,
	}
}

func staleParams(rec models.SyncHistoryRecord, now time.Time) FinishParams {
	since := rec.StartedAt
	if rec.ClaimedAt != nil {
		since = *rec.ClaimedAt
	}
	return FinishParams{
		Status:        models.StatusFailed,
		CompletedAt:   now,
		Counters:      rec.Counters,
		ErrorMessage:  fmt.Sprintf("no completion reported since claim at %s", since.UTC().Format(time.RFC3339)),
		ErrorCategory: models.CategoryTimeout,
		RetryCount:    rec.RetryCount,
	}
}

func (p FinishParams) message() *string {
	if p.ErrorMessage == "" {
		return nil
	}
	return &p.ErrorMessage
}

func (p FinishParams) category() *string {
	if p.ErrorCategory == "" {
		return nil
	}
	c := string(p.ErrorCategory)
	return &c
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

func decodeRecordJSON(rec *models.SyncHistoryRecord, issues, metadata []byte) error {
	if len(issues) > 0 && string(issues) != "null" {
		if err := json.Unmarshal(issues, &rec.HealthIssues); err != nil {
			return fmt.Errorf("unmarshal health issues of %s: %w", rec.ID, err)
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata of %s: %w", rec.ID, err)
		}
	}
	return nil
}

func categoryPtr(s *string) *models.ErrorCategory {
	if s == nil {
		return nil
	}
	c := models.ErrorCategory(*s)
	return &c
}

func healthPtr(s *string) *models.HealthStatus {
	if s == nil {
		return nil
	}
	h := models.HealthStatus(*s)
	return &h
}

func durationMs(start, end time.Time) int64 {
	d := end.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
