package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"adsync-scheduler/internal/models"
)

// Postgres wraps pgxpool for history persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, models.Unavailable("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, models.Unavailable("ping postgres", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgRecordColumns = `id, tenant_id, provider, sync_type, status, job_id, started_at, completed_at, duration_ms,
	campaigns_synced, ad_groups_synced, ads_synced, insights_synced, error_message, error_category,
	retry_count, health_status, health_issues, worker_id, claimed_at, metadata, updated_at`

// Admit serializes admissions per tenant with a transaction-scoped advisory lock, then runs the
// gates and inserts. The partial unique index on active records backs the exclusivity gate.
func (s *Postgres) Admit(ctx context.Context, p AdmitParams) (models.SyncHistoryRecord, error) {
	meta, err := marshalJSON(p.Metadata)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	started := p.StartedAt.UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.TenantID); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit lock", err)
	}

	var active bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM sync_history
		WHERE tenant_id = $1 AND provider = $2 AND status IN ('PENDING', 'IN_PROGRESS'))
	`, p.TenantID, string(p.Provider)).Scan(&active); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit exclusivity", err)
	}
	if active {
		return models.SyncHistoryRecord{}, models.ErrAlreadySyncing
	}

	if p.enforceQuota() {
		from, to := models.DayWindow(started)
		var count int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM sync_history
			WHERE tenant_id = $1 AND sync_type = $2 AND started_at >= $3 AND started_at < $4
		`, p.TenantID, string(models.SyncManual), from, to).Scan(&count); err != nil {
			return models.SyncHistoryRecord{}, models.Unavailable("admit quota", err)
		}
		if err := p.rateLimited(count); err != nil {
			return models.SyncHistoryRecord{}, err
		}
	}

	var connected bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM provider_connections WHERE tenant_id = $1 AND provider = $2 AND active)
	`, p.TenantID, string(p.Provider)).Scan(&connected); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit connection", err)
	}
	if !connected {
		return models.SyncHistoryRecord{}, models.ErrProviderNotConnected
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO sync_history (id, tenant_id, provider, sync_type, status, job_id, started_at, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)
		ON CONFLICT DO NOTHING
	`, p.ID, p.TenantID, string(p.Provider), string(p.SyncType), string(models.StatusInProgress), p.JobID, started, meta)
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit insert", err)
	}
	if tag.RowsAffected() == 0 {
		return models.SyncHistoryRecord{}, models.ErrAlreadySyncing
	}
	if err := tx.Commit(ctx); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit commit", err)
	}
	return admittedRecord(p, started), nil
}

func admittedRecord(p AdmitParams, started time.Time) models.SyncHistoryRecord {
	return models.SyncHistoryRecord{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Provider:  p.Provider,
		SyncType:  p.SyncType,
		Status:    models.StatusInProgress,
		JobID:     p.JobID,
		StartedAt: started,
		Metadata:  p.Metadata,
		UpdatedAt: started,
	}
}

func (s *Postgres) Abort(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_history WHERE id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
	`, id)
	return models.Unavailable("abort", err)
}

func (s *Postgres) SetHealth(ctx context.Context, id string, status models.HealthStatus, issues []string) error {
	raw, err := marshalJSON(issues)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_history SET health_status = $2, health_issues = $3 WHERE id = $1
	`, id, string(status), raw)
	if err != nil {
		return models.Unavailable("set health", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set health %s: %w", id, models.ErrRecordNotFound)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.SyncHistoryRecord, error) {
	return pgGet(ctx, s.pool, id, false)
}

func pgGet(ctx context.Context, q pgQuerier, id string, forUpdate bool) (models.SyncHistoryRecord, error) {
	sql := `SELECT ` + pgRecordColumns + ` FROM sync_history WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rec, err := scanPgRecord(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncHistoryRecord{}, fmt.Errorf("record %s: %w", id, models.ErrRecordNotFound)
	}
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("get record", err)
	}
	return rec, nil
}

func (s *Postgres) MarkClaimed(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_history SET status = 'IN_PROGRESS', worker_id = $2, claimed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
	`, id, workerID, now.UTC())
	if err != nil {
		return models.Unavailable("mark claimed", err)
	}
	if tag.RowsAffected() == 0 {
		return s.inactiveError(ctx, id)
	}
	return nil
}

func (s *Postgres) NoteRetry(ctx context.Context, id string, retryCount int, message string, category models.ErrorCategory, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_history SET retry_count = $2, error_message = $3, error_category = $4, claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, retryCount, message, string(category), now.UTC())
	if err != nil {
		return models.Unavailable("note retry", err)
	}
	if tag.RowsAffected() == 0 {
		return s.inactiveError(ctx, id)
	}
	return nil
}

// inactiveError explains why a conditional update matched no active record.
func (s *Postgres) inactiveError(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s is %s: %w", id, rec.Status, models.ErrRecordFinalized)
}

func (s *Postgres) Finish(ctx context.Context, id string, p FinishParams) (models.SyncHistoryRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("finish", err)
	}
	defer tx.Rollback(ctx)

	rec, err := pgGet(ctx, tx, id, true)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	rec, err = finalize(rec, p)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	if err := pgWriteOutcome(ctx, tx, rec); err != nil {
		return models.SyncHistoryRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("finish commit", err)
	}
	return rec, nil
}

func pgWriteOutcome(ctx context.Context, q pgQuerier, rec models.SyncHistoryRecord) error {
	issues, err := marshalJSON(rec.HealthIssues)
	if err != nil {
		return err
	}
	var category, health *string
	if rec.ErrorCategory != nil {
		c := string(*rec.ErrorCategory)
		category = &c
	}
	if rec.HealthStatus != nil {
		h := string(*rec.HealthStatus)
		health = &h
	}
	_, err = q.Exec(ctx, `
		UPDATE sync_history
		SET status = $2, completed_at = $3, duration_ms = $4,
			campaigns_synced = $5, ad_groups_synced = $6, ads_synced = $7, insights_synced = $8,
			error_message = $9, error_category = $10, retry_count = $11,
			health_status = $12, health_issues = $13, updated_at = $14
		WHERE id = $1
	`, rec.ID, string(rec.Status), rec.CompletedAt, rec.DurationMs,
		rec.Counters.Campaigns, rec.Counters.AdGroups, rec.Counters.Ads, rec.Counters.Insights,
		rec.ErrorMessage, category, rec.RetryCount, health, issues, rec.UpdatedAt)
	return models.Unavailable("write outcome", err)
}

func (s *Postgres) CancelActive(ctx context.Context, tenantID string, provider models.Provider, now time.Time) ([]models.SyncHistoryRecord, error) {
	return s.finishWhere(ctx, "cancel active", `
		SELECT `+pgRecordColumns+` FROM sync_history
		WHERE tenant_id = $1 AND provider = $2 AND status IN ('PENDING', 'IN_PROGRESS')
		FOR UPDATE
	`, []any{tenantID, string(provider)}, func(rec models.SyncHistoryRecord) FinishParams {
		return cancelParams(rec, now)
	})
}

func (s *Postgres) FailStale(ctx context.Context, cutoff, now time.Time) ([]models.SyncHistoryRecord, error) {
	return s.finishWhere(ctx, "fail stale", `
		SELECT `+pgRecordColumns+` FROM sync_history
		WHERE status = 'IN_PROGRESS' AND claimed_at IS NOT NULL AND claimed_at < $1
		ORDER BY claimed_at
		FOR UPDATE SKIP LOCKED
	`, []any{cutoff.UTC()}, func(rec models.SyncHistoryRecord) FinishParams {
		return staleParams(rec, now)
	})
}

// finishWhere locks the selected active records and finishes each with the params built for it.
func (s *Postgres) finishWhere(ctx context.Context, op, query string, args []any, params func(models.SyncHistoryRecord) FinishParams) ([]models.SyncHistoryRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, models.Unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, models.Unavailable(op, err)
	}
	selected, err := collectPgRecords(rows)
	if err != nil {
		return nil, models.Unavailable(op, err)
	}

	out := make([]models.SyncHistoryRecord, 0, len(selected))
	for _, rec := range selected {
		done, err := finalize(rec, params(rec))
		if err != nil {
			return nil, err
		}
		if err := pgWriteOutcome(ctx, tx, done); err != nil {
			return nil, err
		}
		out = append(out, done)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, models.Unavailable(op, err)
	}
	return out, nil
}

func (s *Postgres) Active(ctx context.Context, tenantID string, provider models.Provider) (models.SyncHistoryRecord, bool, error) {
	return s.queryOne(ctx, "active record", `
		SELECT `+pgRecordColumns+` FROM sync_history
		WHERE tenant_id = $1 AND provider = $2 AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY started_at DESC LIMIT 1
	`, tenantID, string(provider))
}

func (s *Postgres) LastCompleted(ctx context.Context, tenantID string, provider models.Provider) (models.SyncHistoryRecord, bool, error) {
	return s.queryOne(ctx, "last completed", `
		SELECT `+pgRecordColumns+` FROM sync_history
		WHERE tenant_id = $1 AND provider = $2 AND status IN ('SUCCESS', 'PARTIAL')
		ORDER BY completed_at DESC LIMIT 1
	`, tenantID, string(provider))
}

func (s *Postgres) queryOne(ctx context.Context, op, query string, args ...any) (models.SyncHistoryRecord, bool, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncHistoryRecord{}, false, nil
	}
	if err != nil {
		return models.SyncHistoryRecord{}, false, models.Unavailable(op, err)
	}
	return rec, true, nil
}

func (s *Postgres) Recent(ctx context.Context, tenantID string, provider models.Provider, limit int) ([]models.SyncHistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRecordColumns+` FROM sync_history
		WHERE tenant_id = $1 AND provider = $2
		ORDER BY started_at DESC LIMIT $3
	`, tenantID, string(provider), limit)
	if err != nil {
		return nil, models.Unavailable("recent records", err)
	}
	recs, err := collectPgRecords(rows)
	if err != nil {
		return nil, models.Unavailable("recent records", err)
	}
	return recs, nil
}

func (s *Postgres) CountManual(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_history
		WHERE tenant_id = $1 AND sync_type = $2 AND started_at >= $3 AND started_at < $4
	`, tenantID, string(models.SyncManual), from.UTC(), to.UTC()).Scan(&n)
	if err != nil {
		return 0, models.Unavailable("count manual", err)
	}
	return n, nil
}

func (s *Postgres) ActiveConnection(ctx context.Context, tenantID string, provider models.Provider) (models.Connection, error) {
	c, err := scanPgConnection(s.pool.QueryRow(ctx, `
		SELECT tenant_id, provider, connection_id, access_token, token_expires_at, active, updated_at
		FROM provider_connections WHERE tenant_id = $1 AND provider = $2 AND active
	`, tenantID, string(provider)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Connection{}, fmt.Errorf("%s/%s: %w", tenantID, provider, models.ErrProviderNotConnected)
	}
	if err != nil {
		return models.Connection{}, models.Unavailable("active connection", err)
	}
	return c, nil
}

func (s *Postgres) ListActiveConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, provider, connection_id, access_token, token_expires_at, active, updated_at
		FROM provider_connections WHERE active ORDER BY tenant_id, provider
	`)
	if err != nil {
		return nil, models.Unavailable("list connections", err)
	}
	defer rows.Close()
	var out []models.Connection
	for rows.Next() {
		c, err := scanPgConnection(rows)
		if err != nil {
			return nil, models.Unavailable("list connections", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Unavailable("list connections", err)
	}
	return out, nil
}

func (s *Postgres) UpsertConnection(ctx context.Context, c models.Connection) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_connections (tenant_id, provider, connection_id, access_token, token_expires_at, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, provider) DO UPDATE
		SET connection_id = EXCLUDED.connection_id, access_token = EXCLUDED.access_token,
			token_expires_at = EXCLUDED.token_expires_at, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`, c.TenantID, string(c.Provider), c.ConnectionID, c.AccessToken, c.TokenExpiresAt, c.Active, c.UpdatedAt.UTC())
	return models.Unavailable("upsert connection", err)
}

func scanPgRecord(row pgx.Row) (models.SyncHistoryRecord, error) {
	var (
		rec                        models.SyncHistoryRecord
		provider, syncType, status string
		message, category, health  *string
		issues, metadata           []byte
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &provider, &syncType, &status, &rec.JobID,
		&rec.StartedAt, &rec.CompletedAt, &rec.DurationMs,
		&rec.Counters.Campaigns, &rec.Counters.AdGroups, &rec.Counters.Ads, &rec.Counters.Insights,
		&message, &category, &rec.RetryCount, &health, &issues, &rec.WorkerID, &rec.ClaimedAt, &metadata, &rec.UpdatedAt)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	rec.Provider = models.Provider(provider)
	rec.SyncType = models.SyncType(syncType)
	rec.Status = models.SyncStatus(status)
	rec.ErrorMessage = message
	rec.ErrorCategory = categoryPtr(category)
	rec.HealthStatus = healthPtr(health)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.CompletedAt != nil {
		t := rec.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	if rec.ClaimedAt != nil {
		t := rec.ClaimedAt.UTC()
		rec.ClaimedAt = &t
	}
	if err := decodeRecordJSON(&rec, issues, metadata); err != nil {
		return models.SyncHistoryRecord{}, err
	}
	return rec, nil
}

func collectPgRecords(rows pgx.Rows) ([]models.SyncHistoryRecord, error) {
	defer rows.Close()
	var out []models.SyncHistoryRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPgConnection(row pgx.Row) (models.Connection, error) {
	var (
		c        models.Connection
		provider string
	)
	if err := row.Scan(&c.TenantID, &provider, &c.ConnectionID, &c.AccessToken, &c.TokenExpiresAt, &c.Active, &c.UpdatedAt); err != nil {
		return models.Connection{}, err
	}
	c.Provider = models.Provider(provider)
	if c.TokenExpiresAt != nil {
		t := c.TokenExpiresAt.UTC()
		c.TokenExpiresAt = &t
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

var _ History = (*Postgres)(nil)
