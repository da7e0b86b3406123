package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"odoo-ops-relay/internal/models"
)

var (
	// ErrNotFound is returned when a row lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned by EnqueueJob when the idempotency key is already recorded.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Backend is the full durable-store surface. Store (Postgres) and SQLite
// both implement it; components depend on narrower interfaces of their own.
type Backend interface {
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context) error

	EnqueueJob(ctx context.Context, p EnqueueJobParams) (models.QueueJob, error)
	GetJob(ctx context.Context, id int64) (models.QueueJob, error)
	JobByIdempotencyKey(ctx context.Context, key string) (models.QueueJob, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.QueueJob, error)
	ClaimJob(ctx context.Context, id int64, expected, next string) (bool, error)
	CompleteJob(ctx context.Context, id int64, attempts int) error
	RescheduleJob(ctx context.Context, id int64, attempts int, nextRun time.Time, errMsg string) error
	FailJob(ctx context.Context, id int64, attempts int, errMsg string) error

	EnqueueOutbox(ctx context.Context, p EnqueueOutboxParams) (models.OutboxItem, error)
	GetOutbox(ctx context.Context, id int64) (models.OutboxItem, error)
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxItem, error)
	ClaimOutbox(ctx context.Context, id int64, lockedBy string, now time.Time) (models.OutboxItem, bool, error)
	CompleteOutbox(ctx context.Context, id int64) error
	RetryOutbox(ctx context.Context, id int64, nextRun time.Time, errMsg string) error
	FailOutbox(ctx context.Context, id int64, errMsg string) error

	GetCheckpoint(ctx context.Context, key string) (models.SyncCheckpoint, bool, error)
	SaveCheckpoint(ctx context.Context, key string, cursor models.Cursor, now time.Time) error
	GetSyncConfig(ctx context.Context, key string) (json.RawMessage, bool, error)
	PutSyncConfig(ctx context.Context, key string, value json.RawMessage) error
	UpsertMirror(ctx context.Context, rows []models.MirrorRecord) (int, error)
	GetMirror(ctx context.Context, model string, odooID int64) (models.MirrorRecord, error)

	RecordHeartbeat(ctx context.Context, source, status string, meta json.RawMessage) (models.Heartbeat, error)
	RecentHeartbeats(ctx context.Context, source string, limit int) ([]models.Heartbeat, error)
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*SQLite)(nil)
)

// EnqueueJobParams collects inputs required to insert a queue job.
type EnqueueJobParams struct {
	Topic          string
	Payload        json.RawMessage
	IdempotencyKey string
	RunAt          time.Time
}

// EnqueueOutboxParams collects inputs required to insert an outbox item.
type EnqueueOutboxParams struct {
	Model     string
	Operation string
	Payload   json.RawMessage
	RunAt     time.Time
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func runAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
