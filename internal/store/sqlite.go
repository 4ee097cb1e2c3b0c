package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"adsync-scheduler/internal/models"
)

// SQLite is a single-node History backed by one database file. Timestamps are stored as unix
// milliseconds. Write transactions start with BEGIN IMMEDIATE so admissions are serialized.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and applies migrations.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, models.Unavailable("ping sqlite", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteRecordColumns = `id, tenant_id, provider, sync_type, status, job_id, started_at, completed_at, duration_ms,
	campaigns_synced, ad_groups_synced, ads_synced, insights_synced, error_message, error_category,
	retry_count, health_status, health_issues, worker_id, claimed_at, metadata, updated_at`

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func msPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := ms(*t)
	return &v
}

func (s *SQLite) Admit(ctx context.Context, p AdmitParams) (models.SyncHistoryRecord, error) {
	meta, err := marshalJSON(p.Metadata)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	started := fromMs(ms(p.StartedAt))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit", err)
	}
	defer tx.Rollback()

	var active bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM sync_history
		WHERE tenant_id = ? AND provider = ? AND status IN ('PENDING', 'IN_PROGRESS'))
	`, p.TenantID, string(p.Provider)).Scan(&active); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit exclusivity", err)
	}
	if active {
		return models.SyncHistoryRecord{}, models.ErrAlreadySyncing
	}

	if p.enforceQuota() {
		from, to := models.DayWindow(started)
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sync_history
			WHERE tenant_id = ? AND sync_type = ? AND started_at >= ? AND started_at < ?
		`, p.TenantID, string(models.SyncManual), ms(from), ms(to)).Scan(&count); err != nil {
			return models.SyncHistoryRecord{}, models.Unavailable("admit quota", err)
		}
		if err := p.rateLimited(count); err != nil {
			return models.SyncHistoryRecord{}, err
		}
	}

	var connected bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM provider_connections WHERE tenant_id = ? AND provider = ? AND active = 1)
	`, p.TenantID, string(p.Provider)).Scan(&connected); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit connection", err)
	}
	if !connected {
		return models.SyncHistoryRecord{}, models.ErrProviderNotConnected
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_history (id, tenant_id, provider, sync_type, status, job_id, started_at, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, p.ID, p.TenantID, string(p.Provider), string(p.SyncType), string(models.StatusInProgress), p.JobID,
		ms(started), string(meta), ms(started))
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit insert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.SyncHistoryRecord{}, models.ErrAlreadySyncing
	}
	if err := tx.Commit(); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("admit commit", err)
	}
	return admittedRecord(p, started), nil
}

func (s *SQLite) Abort(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_history WHERE id = ? AND status IN ('PENDING', 'IN_PROGRESS')
	`, id)
	return models.Unavailable("abort", err)
}

func (s *SQLite) SetHealth(ctx context.Context, id string, status models.HealthStatus, issues []string) error {
	raw, err := marshalJSON(issues)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_history SET health_status = ?, health_issues = ? WHERE id = ?
	`, string(status), string(raw), id)
	if err != nil {
		return models.Unavailable("set health", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set health %s: %w", id, models.ErrRecordNotFound)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.SyncHistoryRecord, error) {
	return sqliteGet(ctx, s.db, id)
}

func sqliteGet(ctx context.Context, q sqlQuerier, id string) (models.SyncHistoryRecord, error) {
	rec, err := scanSQLiteRecord(q.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM sync_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncHistoryRecord{}, fmt.Errorf("record %s: %w", id, models.ErrRecordNotFound)
	}
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("get record", err)
	}
	return rec, nil
}

func (s *SQLite) MarkClaimed(ctx context.Context, id, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_history SET status = 'IN_PROGRESS', worker_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'IN_PROGRESS')
	`, workerID, ms(now), ms(now), id)
	if err != nil {
		return models.Unavailable("mark claimed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.inactiveError(ctx, id)
	}
	return nil
}

func (s *SQLite) NoteRetry(ctx context.Context, id string, retryCount int, message string, category models.ErrorCategory, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_history SET retry_count = ?, error_message = ?, error_category = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'IN_PROGRESS'
	`, retryCount, message, string(category), ms(now), id)
	if err != nil {
		return models.Unavailable("note retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.inactiveError(ctx, id)
	}
	return nil
}

func (s *SQLite) inactiveError(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s is %s: %w", id, rec.Status, models.ErrRecordFinalized)
}

func (s *SQLite) Finish(ctx context.Context, id string, p FinishParams) (models.SyncHistoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("finish", err)
	}
	defer tx.Rollback()

	rec, err := sqliteGet(ctx, tx, id)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	rec, err = finalize(rec, p)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	if err := sqliteWriteOutcome(ctx, tx, rec); err != nil {
		return models.SyncHistoryRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.SyncHistoryRecord{}, models.Unavailable("finish commit", err)
	}
	return rec, nil
}

func sqliteWriteOutcome(ctx context.Context, q sqlQuerier, rec models.SyncHistoryRecord) error {
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
	_, err = q.ExecContext(ctx, `
		UPDATE sync_history
		SET status = ?, completed_at = ?, duration_ms = ?,
			campaigns_synced = ?, ad_groups_synced = ?, ads_synced = ?, insights_synced = ?,
			error_message = ?, error_category = ?, retry_count = ?,
			health_status = ?, health_issues = ?, updated_at = ?
		WHERE id = ?
	`, string(rec.Status), msPtr(rec.CompletedAt), rec.DurationMs,
		rec.Counters.Campaigns, rec.Counters.AdGroups, rec.Counters.Ads, rec.Counters.Insights,
		rec.ErrorMessage, category, rec.RetryCount, health, string(issues), ms(rec.UpdatedAt), rec.ID)
	return models.Unavailable("write outcome", err)
}

func (s *SQLite) CancelActive(ctx context.Context, tenantID string, provider models.Provider, now time.Time) ([]models.SyncHistoryRecord, error) {
	return s.finishWhere(ctx, "cancel active", `
		SELECT `+sqliteRecordColumns+` FROM sync_history
		WHERE tenant_id = ? AND provider = ? AND status IN ('PENDING', 'IN_PROGRESS')
	`, []any{tenantID, string(provider)}, func(rec models.SyncHistoryRecord) FinishParams {
		return cancelParams(rec, now)
	})
}

func (s *SQLite) FailStale(ctx context.Context, cutoff, now time.Time) ([]models.SyncHistoryRecord, error) {
	return s.finishWhere(ctx, "fail stale", `
		SELECT `+sqliteRecordColumns+` FROM sync_history
		WHERE status = 'IN_PROGRESS' AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY claimed_at
	`, []any{ms(cutoff)}, func(rec models.SyncHistoryRecord) FinishParams {
		return staleParams(rec, now)
	})
}

func (s *SQLite) finishWhere(ctx context.Context, op, query string, args []any, params func(models.SyncHistoryRecord) FinishParams) ([]models.SyncHistoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Unavailable(op, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.Unavailable(op, err)
	}
	selected, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, models.Unavailable(op, err)
	}

	out := make([]models.SyncHistoryRecord, 0, len(selected))
	for _, rec := range selected {
		done, err := finalize(rec, params(rec))
		if err != nil {
			return nil, err
		}
		if err := sqliteWriteOutcome(ctx, tx, done); err != nil {
			return nil, err
		}
		out = append(out, done)
	}
	if err := tx.Commit(); err != nil {
		return nil, models.Unavailable(op, err)
	}
	return out, nil
}

func (s *SQLite) Active(ctx context.Context, tenantID string, provider models.Provider) (models.SyncHistoryRecord, bool, error) {
	return s.queryOne(ctx, "active record", `
		SELECT `+sqliteRecordColumns+` FROM sync_history
		WHERE tenant_id = ? AND provider = ? AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY started_at DESC LIMIT 1
	`, tenantID, string(provider))
}

func (s *SQLite) LastCompleted(ctx context.Context, tenantID string, provider models.Provider) (models.SyncHistoryRecord, bool, error) {
	return s.queryOne(ctx, "last completed", `
		SELECT `+sqliteRecordColumns+` FROM sync_history
		WHERE tenant_id = ? AND provider = ? AND status IN ('SUCCESS', 'PARTIAL')
		ORDER BY completed_at DESC LIMIT 1
	`, tenantID, string(provider))
}

func (s *SQLite) queryOne(ctx context.Context, op, query string, args ...any) (models.SyncHistoryRecord, bool, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncHistoryRecord{}, false, nil
	}
	if err != nil {
		return models.SyncHistoryRecord{}, false, models.Unavailable(op, err)
	}
	return rec, true, nil
}

func (s *SQLite) Recent(ctx context.Context, tenantID string, provider models.Provider, limit int) ([]models.SyncHistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRecordColumns+` FROM sync_history
		WHERE tenant_id = ? AND provider = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, tenantID, string(provider), limit)
	if err != nil {
		return nil, models.Unavailable("recent records", err)
	}
	recs, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, models.Unavailable("recent records", err)
	}
	return recs, nil
}

func (s *SQLite) CountManual(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_history
		WHERE tenant_id = ? AND sync_type = ? AND started_at >= ? AND started_at < ?
	`, tenantID, string(models.SyncManual), ms(from), ms(to)).Scan(&n)
	if err != nil {
		return 0, models.Unavailable("count manual", err)
	}
	return n, nil
}

func (s *SQLite) ActiveConnection(ctx context.Context, tenantID string, provider models.Provider) (models.Connection, error) {
	c, err := scanSQLiteConnection(s.db.QueryRowContext(ctx, `
		SELECT tenant_id, provider, connection_id, access_token, token_expires_at, active, updated_at
		FROM provider_connections WHERE tenant_id = ? AND provider = ? AND active = 1
	`, tenantID, string(provider)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Connection{}, fmt.Errorf("%s/%s: %w", tenantID, provider, models.ErrProviderNotConnected)
	}
	if err != nil {
		return models.Connection{}, models.Unavailable("active connection", err)
	}
	return c, nil
}

func (s *SQLite) ListActiveConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, provider, connection_id, access_token, token_expires_at, active, updated_at
		FROM provider_connections WHERE active = 1 ORDER BY tenant_id, provider
	`)
	if err != nil {
		return nil, models.Unavailable("list connections", err)
	}
	defer rows.Close()
	var out []models.Connection
	for rows.Next() {
		c, err := scanSQLiteConnection(rows)
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

func (s *SQLite) UpsertConnection(ctx context.Context, c models.Connection) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_connections (tenant_id, provider, connection_id, access_token, token_expires_at, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider) DO UPDATE
		SET connection_id = excluded.connection_id, access_token = excluded.access_token,
			token_expires_at = excluded.token_expires_at, active = excluded.active, updated_at = excluded.updated_at
	`, c.TenantID, string(c.Provider), c.ConnectionID, c.AccessToken, msPtr(c.TokenExpiresAt), c.Active, ms(c.UpdatedAt))
	return models.Unavailable("upsert connection", err)
}

func scanSQLiteRecord(row rowScanner) (models.SyncHistoryRecord, error) {
	var (
		rec                        models.SyncHistoryRecord
		provider, syncType, status string
		startedAt, updatedAt       int64
		completedAt, claimedAt     sql.NullInt64
		duration                   sql.NullInt64
		message, category, health  sql.NullString
		issues, metadata           sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &provider, &syncType, &status, &rec.JobID,
		&startedAt, &completedAt, &duration,
		&rec.Counters.Campaigns, &rec.Counters.AdGroups, &rec.Counters.Ads, &rec.Counters.Insights,
		&message, &category, &rec.RetryCount, &health, &issues, &rec.WorkerID, &claimedAt, &metadata, &updatedAt)
	if err != nil {
		return models.SyncHistoryRecord{}, err
	}
	rec.Provider = models.Provider(provider)
	rec.SyncType = models.SyncType(syncType)
	rec.Status = models.SyncStatus(status)
	rec.StartedAt = fromMs(startedAt)
	rec.UpdatedAt = fromMs(updatedAt)
	if completedAt.Valid {
		t := fromMs(completedAt.Int64)
		rec.CompletedAt = &t
	}
	if claimedAt.Valid {
		t := fromMs(claimedAt.Int64)
		rec.ClaimedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		rec.DurationMs = &d
	}
	rec.ErrorMessage = nullString(message)
	rec.ErrorCategory = categoryPtr(nullString(category))
	rec.HealthStatus = healthPtr(nullString(health))
	if err := decodeRecordJSON(&rec, []byte(issues.String), []byte(metadata.String)); err != nil {
		return models.SyncHistoryRecord{}, err
	}
	return rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]models.SyncHistoryRecord, error) {
	defer rows.Close()
	var out []models.SyncHistoryRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSQLiteConnection(row rowScanner) (models.Connection, error) {
	var (
		c         models.Connection
		provider  string
		expiresAt sql.NullInt64
		updatedAt int64
	)
	if err := row.Scan(&c.TenantID, &provider, &c.ConnectionID, &c.AccessToken, &expiresAt, &c.Active, &updatedAt); err != nil {
		return models.Connection{}, err
	}
	c.Provider = models.Provider(provider)
	if expiresAt.Valid {
		t := fromMs(expiresAt.Int64)
		c.TokenExpiresAt = &t
	}
	c.UpdatedAt = fromMs(updatedAt)
	return c, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

var _ History = (*SQLite)(nil)
