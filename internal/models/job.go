package models

import (
	"encoding/json"
	"time"
)

// Queue job lifecycle states persisted in ops_webhook_queue.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

// Outbox item lifecycle states persisted in ops_outbox.
const (
	OutboxQueued     = "queued"
	OutboxProcessing = "processing"
	OutboxDone       = "done"
	OutboxFailed     = "failed"
)

// Heartbeat statuses.
const (
	HeartbeatOK   = "ok"
	HeartbeatFail = "fail"
)

// QueueJob is a webhook delivery waiting in ops_webhook_queue.
type QueueJob struct {
	ID             int64           `json:"id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	Error          *string         `json:"error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OutboxItem is a local change destined for Odoo.
type OutboxItem struct {
	ID        int64           `json:"id"`
	Model     string          `json:"model"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LockedAt  *time.Time      `json:"locked_at,omitempty"`
	LockedBy  *string         `json:"locked_by,omitempty"`
	LastError *string         `json:"last_error,omitempty"`
	NextRunAt time.Time       `json:"next_run_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncCheckpoint is the persisted cursor for one (direction, model) pair.
type SyncCheckpoint struct {
	Key       string    `json:"key"`
	Cursor    Cursor    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cursor is the JSON body of a checkpoint. Since and MaxSeen are only used by
// incremental pulls and hold Odoo write_date values.
type Cursor struct {
	Offset  int    `json:"offset"`
	Since   string `json:"since,omitempty"`
	MaxSeen string `json:"max_seen,omitempty"`
}

// Heartbeat is one append-only liveness record.
type Heartbeat struct {
	ID        int64           `json:"id"`
	Source    string          `json:"source"`
	Status    string          `json:"status"`
	Meta      json.RawMessage `json:"meta"`
	CreatedAt time.Time       `json:"created_at"`
}

// MirrorRecord is the local copy of a record pulled from Odoo.
type MirrorRecord struct {
	Model     string          `json:"model"`
	OdooID    int64           `json:"odoo_id"`
	Name      *string         `json:"name,omitempty"`
	Email     *string         `json:"email,omitempty"`
	Phone     *string         `json:"phone,omitempty"`
	WriteDate *time.Time      `json:"write_date,omitempty"`
	Raw       json.RawMessage `json:"raw"`
	SyncedAt  time.Time       `json:"synced_at"`
}
