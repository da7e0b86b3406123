package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"odoo-ops-relay/internal/models"
)

// SQLite is the embedded single-node backend. All writes go through one
// connection, so conditional updates are serialized by SQLite itself.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJobSQLite(row scanner) (models.QueueJob, error) {
	var job models.QueueJob
	var payload string
	var nextRun, created, updated int64
	var errText, idem sql.NullString
	if err := row.Scan(&job.ID, &job.Topic, &payload, &job.Status, &job.Attempts, &nextRun, &errText, &idem, &created, &updated); err != nil {
		return models.QueueJob{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.NextRunAt = fromNanos(nextRun)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.Error = nullString(errText)
	job.IdempotencyKey = nullString(idem)
	return job, nil
}

func (s *SQLite) EnqueueJob(ctx context.Context, p EnqueueJobParams) (models.QueueJob, error) {
	now := toNanos(time.Now())
	job, err := scanJobSQLite(s.db.QueryRowContext(ctx, `
		INSERT INTO ops_webhook_queue (topic, payload, idempotency_key, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+jobColumns,
		p.Topic, string(normalizeJSON(p.Payload)), emptyToNil(p.IdempotencyKey), toNanos(runAtOrNow(p.RunAt)), now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueJob{}, ErrDuplicateKey
	}
	if err != nil {
		return models.QueueJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id int64) (models.QueueJob, error) {
	job, err := scanJobSQLite(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ops_webhook_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueJob{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.QueueJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) JobByIdempotencyKey(ctx context.Context, key string) (models.QueueJob, error) {
	job, err := scanJobSQLite(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ops_webhook_queue WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueJob{}, fmt.Errorf("job with key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.QueueJob{}, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, nil
}

func (s *SQLite) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM ops_webhook_queue
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?
	`, models.JobPending, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.QueueJob
	for rows.Next() {
		job, err := scanJobSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) ClaimJob(ctx context.Context, id int64, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ops_webhook_queue SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, next, toNanos(time.Now()), id, expected)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLite) CompleteJob(ctx context.Context, id int64, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ops_webhook_queue SET status = ?, attempts = ?, error = NULL, updated_at = ?
		WHERE id = ?
	`, models.JobDone, attempts, toNanos(time.Now()), id)
	return err
}

func (s *SQLite) RescheduleJob(ctx context.Context, id int64, attempts int, nextRun time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ops_webhook_queue
		SET status = ?, attempts = ?, next_run_at = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, models.JobPending, attempts, toNanos(nextRun), errMsg, toNanos(time.Now()), id)
	return err
}

func (s *SQLite) FailJob(ctx context.Context, id int64, attempts int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ops_webhook_queue SET status = ?, attempts = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, models.JobFailed, attempts, errMsg, toNanos(time.Now()), id)
	return err
}

func scanOutboxSQLite(row scanner) (models.OutboxItem, error) {
	var item models.OutboxItem
	var payload string
	var lockedAt sql.NullInt64
	var lockedBy, lastErr sql.NullString
	var nextRun, created int64
	if err := row.Scan(&item.ID, &item.Model, &item.Operation, &payload, &item.Status, &item.Attempts, &lockedAt, &lockedBy, &lastErr, &nextRun, &created); err != nil {
		return models.OutboxItem{}, err
	}
	item.Payload = json.RawMessage(payload)
	item.LockedAt = nullNanos(lockedAt)
	item.LockedBy = nullString(lockedBy)
	item.LastError = nullString(lastErr)
	item.NextRunAt = fromNanos(nextRun)
	item.CreatedAt = fromNanos(created)
	return item, nil
}

func (s *SQLite) EnqueueOutbox(ctx context.Context, p EnqueueOutboxParams) (models.OutboxItem, error) {
	item, err := scanOutboxSQLite(s.db.QueryRowContext(ctx, `
		INSERT INTO ops_outbox (model, operation, payload, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING `+outboxColumns,
		p.Model, p.Operation, string(normalizeJSON(p.Payload)), toNanos(runAtOrNow(p.RunAt)), toNanos(time.Now())))
	if err != nil {
		return models.OutboxItem{}, fmt.Errorf("insert outbox: %w", err)
	}
	return item, nil
}

func (s *SQLite) GetOutbox(ctx context.Context, id int64) (models.OutboxItem, error) {
	item, err := scanOutboxSQLite(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM ops_outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.OutboxItem{}, fmt.Errorf("outbox %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.OutboxItem{}, fmt.Errorf("scan outbox: %w", err)
	}
	return item, nil
}

func (s *SQLite) DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM ops_outbox
		WHERE status = ? AND next_run_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, models.OutboxQueued, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	defer rows.Close()

	var items []models.OutboxItem
	for rows.Next() {
		item, err := scanOutboxSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLite) ClaimOutbox(ctx context.Context, id int64, lockedBy string, now time.Time) (models.OutboxItem, bool, error) {
	item, err := scanOutboxSQLite(s.db.QueryRowContext(ctx, `
		UPDATE ops_outbox
		SET status = ?, locked_at = ?, locked_by = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
		RETURNING `+outboxColumns,
		models.OutboxProcessing, toNanos(now), lockedBy, id, models.OutboxQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return models.OutboxItem{}, false, nil
	}
	if err != nil {
		return models.OutboxItem{}, false, fmt.Errorf("claim outbox %d: %w", id, err)
	}
	return item, true, nil
}

func (s *SQLite) CompleteOutbox(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ops_outbox SET status = ?, last_error = NULL WHERE id = ?`, models.OutboxDone, id)
	return err
}

func (s *SQLite) RetryOutbox(ctx context.Context, id int64, nextRun time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ops_outbox SET status = ?, last_error = ?, next_run_at = ? WHERE id = ?
	`, models.OutboxQueued, errMsg, toNanos(nextRun), id)
	return err
}

func (s *SQLite) FailOutbox(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ops_outbox SET status = ?, last_error = ? WHERE id = ?`, models.OutboxFailed, errMsg, id)
	return err
}

func (s *SQLite) GetCheckpoint(ctx context.Context, key string) (models.SyncCheckpoint, bool, error) {
	cp := models.SyncCheckpoint{Key: key}
	var cursor string
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor, updated_at FROM ops_sync_checkpoints WHERE key = ?`, key).Scan(&cursor, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("query checkpoint %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(cursor), &cp.Cursor); err != nil {
		return cp, false, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	cp.UpdatedAt = fromNanos(updated)
	return cp, true, nil
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, key string, cursor models.Cursor, now time.Time) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ops_sync_checkpoints (key, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, key, string(raw), toNanos(now))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetSyncConfig(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ops_sync_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query sync config %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

func (s *SQLite) PutSyncConfig(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ops_sync_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, string(normalizeJSON(value)))
	if err != nil {
		return fmt.Errorf("save sync config %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) UpsertMirror(ctx context.Context, rows []models.MirrorRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO odoo_mirror (model, odoo_id, name, email, phone, write_date, raw, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model, odoo_id) DO UPDATE SET
			name = excluded.name, email = excluded.email, phone = excluded.phone,
			write_date = excluded.write_date, raw = excluded.raw, synced_at = excluded.synced_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var writeDate any
		if r.WriteDate != nil {
			writeDate = toNanos(*r.WriteDate)
		}
		if _, err := stmt.ExecContext(ctx, r.Model, r.OdooID, r.Name, r.Email, r.Phone, writeDate, string(normalizeJSON(r.Raw)), toNanos(r.SyncedAt)); err != nil {
			return 0, fmt.Errorf("upsert %s %d: %w", r.Model, r.OdooID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(rows), nil
}

func (s *SQLite) GetMirror(ctx context.Context, model string, odooID int64) (models.MirrorRecord, error) {
	rec := models.MirrorRecord{Model: model, OdooID: odooID}
	var name, email, phone sql.NullString
	var writeDate sql.NullInt64
	var raw string
	var synced int64
	err := s.db.QueryRowContext(ctx, `
		SELECT name, email, phone, write_date, raw, synced_at
		FROM odoo_mirror WHERE model = ? AND odoo_id = ?
	`, model, odooID).Scan(&name, &email, &phone, &writeDate, &raw, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%s %d: %w", model, odooID, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("scan mirror: %w", err)
	}
	rec.Name, rec.Email, rec.Phone = nullString(name), nullString(email), nullString(phone)
	rec.WriteDate = nullNanos(writeDate)
	rec.Raw = json.RawMessage(raw)
	rec.SyncedAt = fromNanos(synced)
	return rec, nil
}

func (s *SQLite) RecordHeartbeat(ctx context.Context, source, status string, meta json.RawMessage) (models.Heartbeat, error) {
	hb := models.Heartbeat{Source: source, Status: status, Meta: json.RawMessage(normalizeJSON(meta)), CreatedAt: time.Now().UTC()}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ops_heartbeats (source, status, meta, created_at) VALUES (?, ?, ?, ?)
		RETURNING id
	`, source, status, string(hb.Meta), toNanos(hb.CreatedAt)).Scan(&hb.ID)
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("insert heartbeat: %w", err)
	}
	return hb, nil
}

func (s *SQLite) RecentHeartbeats(ctx context.Context, source string, limit int) ([]models.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, status, meta, created_at
		FROM ops_heartbeats
		WHERE ? = '' OR source = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, source, source, limit)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.Heartbeat
	for rows.Next() {
		var hb models.Heartbeat
		var meta string
		var created int64
		if err := rows.Scan(&hb.ID, &hb.Source, &hb.Status, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Meta = json.RawMessage(meta)
		hb.CreatedAt = fromNanos(created)
		out = append(out, hb)
	}
	return out, rows.Err()
}
