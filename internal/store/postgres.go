package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"odoo-ops-relay/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, topic, payload, status, attempts, next_run_at, error, idempotency_key, created_at, updated_at`

func scanJob(row pgx.Row) (models.QueueJob, error) {
	var job models.QueueJob
	var payload []byte
	var errText, idem pgtype.Text
	if err := row.Scan(&job.ID, &job.Topic, &payload, &job.Status, &job.Attempts, &job.NextRunAt, &errText, &idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.QueueJob{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.Error = textPtr(errText)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

// EnqueueJob inserts a queue row. A repeated idempotency key inserts nothing
// and yields ErrDuplicateKey.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueJobParams) (models.QueueJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ops_webhook_queue (topic, payload, idempotency_key, next_run_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+jobColumns,
		p.Topic, normalizeJSON(p.Payload), emptyToNil(p.IdempotencyKey), runAtOrNow(p.RunAt))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueJob{}, ErrDuplicateKey
	}
	if err != nil {
		return models.QueueJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.QueueJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ops_webhook_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueJob{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.QueueJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// JobByIdempotencyKey returns the job recorded under key.
func (s *Store) JobByIdempotencyKey(ctx context.Context, key string) (models.QueueJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ops_webhook_queue WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueJob{}, fmt.Errorf("job with key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.QueueJob{}, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, nil
}

// DueJobs lists pending jobs whose next_run_at has passed, oldest due first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]models.QueueJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM ops_webhook_queue
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at ASC, id ASC
		LIMIT $3
	`, models.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.QueueJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a job from expected to next only if its status still equals expected.
func (s *Store) ClaimJob(ctx context.Context, id int64, expected, next string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ops_webhook_queue SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, expected, next)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob marks a job delivered and clears its error.
func (s *Store) CompleteJob(ctx context.Context, id int64, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ops_webhook_queue SET status = $2, attempts = $3, error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobDone, attempts)
	return err
}

// RescheduleJob returns a job to pending with a new due time after a failure.
func (s *Store) RescheduleJob(ctx context.Context, id int64, attempts int, nextRun time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ops_webhook_queue
		SET status = $2, attempts = $3, next_run_at = $4, error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobPending, attempts, nextRun, errMsg)
	return err
}

// FailJob parks a job in the terminal failed state.
func (s *Store) FailJob(ctx context.Context, id int64, attempts int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ops_webhook_queue SET status = $2, attempts = $3, error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobFailed, attempts, errMsg)
	return err
}

const outboxColumns = `id, model, operation, payload, status, attempts, locked_at, locked_by, last_error, next_run_at, created_at`

func scanOutbox(row pgx.Row) (models.OutboxItem, error) {
	var item models.OutboxItem
	var payload []byte
	var lockedAt pgtype.Timestamptz
	var lockedBy, lastErr pgtype.Text
	if err := row.Scan(&item.ID, &item.Model, &item.Operation, &payload, &item.Status, &item.Attempts, &lockedAt, &lockedBy, &lastErr, &item.NextRunAt, &item.CreatedAt); err != nil {
		return models.OutboxItem{}, err
	}
	item.Payload = json.RawMessage(payload)
	if lockedAt.Valid {
		t := lockedAt.Time
		item.LockedAt = &t
	}
	item.LockedBy = textPtr(lockedBy)
	item.LastError = textPtr(lastErr)
	return item, nil
}

// EnqueueOutbox records a local change for delivery to Odoo.
func (s *Store) EnqueueOutbox(ctx context.Context, p EnqueueOutboxParams) (models.OutboxItem, error) {
	item, err := scanOutbox(s.pool.QueryRow(ctx, `
		INSERT INTO ops_outbox (model, operation, payload, next_run_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+outboxColumns,
		p.Model, p.Operation, normalizeJSON(p.Payload), runAtOrNow(p.RunAt)))
	if err != nil {
		return models.OutboxItem{}, fmt.Errorf("insert outbox: %w", err)
	}
	return item, nil
}

// GetOutbox fetches an outbox item by id.
func (s *Store) GetOutbox(ctx context.Context, id int64) (models.OutboxItem, error) {
	item, err := scanOutbox(s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM ops_outbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxItem{}, fmt.Errorf("outbox %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.OutboxItem{}, fmt.Errorf("scan outbox: %w", err)
	}
	return item, nil
}

// DueOutbox lists queued items whose next_run_at has passed, oldest first.
func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM ops_outbox
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, models.OutboxQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	defer rows.Close()

	var items []models.OutboxItem
	for rows.Next() {
		item, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimOutbox takes exclusive ownership of a queued item, bumping attempts.
// It reports false when another invocation claimed the row first.
func (s *Store) ClaimOutbox(ctx context.Context, id int64, lockedBy string, now time.Time) (models.OutboxItem, bool, error) {
	item, err := scanOutbox(s.pool.QueryRow(ctx, `
		UPDATE ops_outbox
		SET status = $3, locked_at = $4, locked_by = $5, attempts = attempts + 1
		WHERE id = $1 AND status = $2
		RETURNING `+outboxColumns,
		id, models.OutboxQueued, models.OutboxProcessing, now, lockedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxItem{}, false, nil
	}
	if err != nil {
		return models.OutboxItem{}, false, fmt.Errorf("claim outbox %d: %w", id, err)
	}
	return item, true, nil
}

// CompleteOutbox marks an item applied.
func (s *Store) CompleteOutbox(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE ops_outbox SET status = $2, last_error = NULL WHERE id = $1`, id, models.OutboxDone)
	return err
}

// RetryOutbox requeues an item for a later attempt.
func (s *Store) RetryOutbox(ctx context.Context, id int64, nextRun time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ops_outbox SET status = $2, last_error = $3, next_run_at = $4 WHERE id = $1
	`, id, models.OutboxQueued, errMsg, nextRun)
	return err
}

// FailOutbox parks an item in the terminal failed state.
func (s *Store) FailOutbox(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE ops_outbox SET status = $2, last_error = $3 WHERE id = $1`, id, models.OutboxFailed, errMsg)
	return err
}

// GetCheckpoint loads the cursor stored under key.
func (s *Store) GetCheckpoint(ctx context.Context, key string) (models.SyncCheckpoint, bool, error) {
	cp := models.SyncCheckpoint{Key: key}
	var cursor []byte
	err := s.pool.QueryRow(ctx, `SELECT cursor, updated_at FROM ops_sync_checkpoints WHERE key = $1`, key).Scan(&cursor, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("query checkpoint %s: %w", key, err)
	}
	if err := json.Unmarshal(cursor, &cp.Cursor); err != nil {
		return cp, false, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return cp, true, nil
}

// SaveCheckpoint upserts the cursor for key.
func (s *Store) SaveCheckpoint(ctx context.Context, key string, cursor models.Cursor, now time.Time) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ops_sync_checkpoints (key, cursor, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at
	`, key, raw, now)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

// GetSyncConfig returns the raw JSON config stored under key.
func (s *Store) GetSyncConfig(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM ops_sync_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query sync config %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// PutSyncConfig upserts the JSON config for key.
func (s *Store) PutSyncConfig(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ops_sync_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, normalizeJSON(value))
	if err != nil {
		return fmt.Errorf("save sync config %s: %w", key, err)
	}
	return nil
}

// UpsertMirror writes pulled records keyed by (model, odoo_id) in one batch.
func (s *Store) UpsertMirror(ctx context.Context, rows []models.MirrorRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO odoo_mirror (model, odoo_id, name, email, phone, write_date, raw, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (model, odoo_id) DO UPDATE SET
				name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone,
				write_date = EXCLUDED.write_date, raw = EXCLUDED.raw, synced_at = EXCLUDED.synced_at
		`, r.Model, r.OdooID, r.Name, r.Email, r.Phone, r.WriteDate, normalizeJSON(r.Raw), r.SyncedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("upsert %s %d: %w", rows[i].Model, rows[i].OdooID, err)
		}
	}
	return len(rows), nil
}

// GetMirror fetches one mirrored record.
func (s *Store) GetMirror(ctx context.Context, model string, odooID int64) (models.MirrorRecord, error) {
	rec := models.MirrorRecord{Model: model, OdooID: odooID}
	var name, email, phone pgtype.Text
	var writeDate pgtype.Timestamptz
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, email, phone, write_date, raw, synced_at
		FROM odoo_mirror WHERE model = $1 AND odoo_id = $2
	`, model, odooID).Scan(&name, &email, &phone, &writeDate, &raw, &rec.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("%s %d: %w", model, odooID, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("scan mirror: %w", err)
	}
	rec.Name, rec.Email, rec.Phone = textPtr(name), textPtr(email), textPtr(phone)
	if writeDate.Valid {
		t := writeDate.Time
		rec.WriteDate = &t
	}
	rec.Raw = json.RawMessage(raw)
	return rec, nil
}

// RecordHeartbeat appends a heartbeat row.
func (s *Store) RecordHeartbeat(ctx context.Context, source, status string, meta json.RawMessage) (models.Heartbeat, error) {
	hb := models.Heartbeat{Source: source, Status: status}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ops_heartbeats (source, status, meta) VALUES ($1, $2, $3)
		RETURNING id, meta, created_at
	`, source, status, normalizeJSON(meta)).Scan(&hb.ID, &raw, &hb.CreatedAt)
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("insert heartbeat: %w", err)
	}
	hb.Meta = json.RawMessage(raw)
	return hb, nil
}

// RecentHeartbeats lists the newest heartbeats, optionally for one source.
func (s *Store) RecentHeartbeats(ctx context.Context, source string, limit int) ([]models.Heartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, status, meta, created_at
		FROM ops_heartbeats
		WHERE $1 = '' OR source = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.Heartbeat
	for rows.Next() {
		var hb models.Heartbeat
		var raw []byte
		if err := rows.Scan(&hb.ID, &hb.Source, &hb.Status, &raw, &hb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Meta = json.RawMessage(raw)
		out = append(out, hb)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
