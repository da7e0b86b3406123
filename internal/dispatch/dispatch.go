// Package dispatch records Odoo sync requests durably and attempts one
// immediate delivery.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/store"
	"odoo-ops-relay/internal/telemetry"
)

// Topic is the queue topic dispatched sync requests are recorded under.
const Topic = "odoo_sync"

// Queue is the slice of the store the dispatcher needs.
type Queue interface {
	EnqueueJob(ctx context.Context, p store.EnqueueJobParams) (models.QueueJob, error)
	JobByIdempotencyKey(ctx context.Context, key string) (models.QueueJob, error)
	ClaimJob(ctx context.Context, id int64, expected, next string) (bool, error)
}

// Outcome values reported by Result.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeDeferred  = "deferred"
)

// Result is what one dispatch did. HTTPStatus is the status the caller
// should answer with.
type Result struct {
	OK             bool   `json:"ok"`
	Status         int    `json:"status,omitempty"`
	Error          string `json:"error,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Duplicate      bool   `json:"duplicate,omitempty"`

	Outcome    string `json:"-"`
	HTTPStatus int    `json:"-"`
}

// Dispatcher enqueues a request and POSTs it straight to the Odoo sync
// endpoint. The queued row is the source of truth; the immediate call is an
// optimisation the drain backs up.
type Dispatcher struct {
	queue    Queue
	client   *http.Client
	endpoint string
	apiKey   string
	logger   *slog.Logger
	newKey   func() string
}

func New(q Queue, baseURL, apiKey string, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    q,
		client:   client,
		endpoint: baseURL + "/api/sync",
		apiKey:   apiKey,
		logger:   logger,
		newKey:   uuid.NewString,
	}
}

// Dispatch records body under its idempotency key and attempts delivery.
// A body that is not JSON is treated as {}; an idempotency_key that is not a
// non-empty string is replaced by a generated one. The returned error is
// non-nil only when the request could not be recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, body json.RawMessage) (Result, error) {
	if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		body = json.RawMessage("{}")
	}
	key := requestKey(body)
	if key == "" {
		key = d.newKey()
	}

	res := Result{IdempotencyKey: key}
	job, err := d.queue.EnqueueJob(ctx, store.EnqueueJobParams{Topic: Topic, Payload: body, IdempotencyKey: key})
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		res.Duplicate = true
		job, err = d.queue.JobByIdempotencyKey(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("load existing job: %w", err)
		}
	case err != nil:
		return Result{}, fmt.Errorf("enqueue sync job: %w", err)
	}

	log := d.logger.With("idempotency_key", key, "job_id", job.ID)
	status, err := d.post(ctx, body)
	switch {
	case err != nil:
		log.Warn("immediate sync failed, left for drain", "error", err)
		res.Error = err.Error()
		res.Outcome = OutcomeDeferred
		res.HTTPStatus = http.StatusAccepted
	case status >= 200 && status <= 299:
		res.OK = true
		res.Status = status
		res.Outcome = OutcomeDelivered
		res.HTTPStatus = http.StatusOK
		// Closing the row keeps the drain from delivering it a second time.
		if _, err := d.queue.ClaimJob(ctx, job.ID, models.JobPending, models.JobDone); err != nil {
			log.Warn("mark dispatched job done", "error", err)
		}
	default:
		log.Warn("immediate sync rejected", "status", status)
		res.Status = status
		res.Outcome = OutcomeRejected
		res.HTTPStatus = http.StatusBadGateway
	}
	telemetry.DispatchResults.WithLabelValues(res.Outcome).Inc()
	return res, nil
}

func requestKey(body json.RawMessage) string {
	var fields map[string]any
	if json.Unmarshal(body, &fields) != nil {
		return ""
	}
	key, _ := fields["idempotency_key"].(string)
	return key
}

func (d *Dispatcher) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
