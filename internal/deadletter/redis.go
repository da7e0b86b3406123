// Package deadletter keeps outbox items that exhausted their attempts in a
// Redis list for operational inspection.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"odoo-ops-relay/internal/config"
	"odoo-ops-relay/internal/models"
)

// Entry is one dead-lettered outbox item.
type Entry struct {
	OutboxID  int64           `json:"outbox_id"`
	Model     string          `json:"model"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Reason    string          `json:"reason"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Queue is a capped Redis list, newest entries first.
type Queue struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func New(client *redis.Client, key string) *Queue {
	if key == "" {
		key = "ops:outbox:dlq"
	}
	return &Queue{client: client, key: key, max: 1000}
}

// Push records item with the error that failed it.
func (q *Queue) Push(ctx context.Context, item models.OutboxItem, reason string) error {
	raw, err := json.Marshal(Entry{
		OutboxID:  item.ID,
		Model:     item.Model,
		Operation: item.Operation,
		Payload:   item.Payload,
		Attempts:  item.Attempts,
		Reason:    reason,
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	pipe.LTrim(ctx, q.key, 0, q.max-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Peek reads the latest count entries.
func (q *Queue) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}
	vals, err := q.client.LRange(ctx, q.key, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of entries held.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
