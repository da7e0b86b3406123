// Package drain delivers due webhook queue jobs to their routed destinations.
package drain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/retry"
	"odoo-ops-relay/internal/router"
	"odoo-ops-relay/internal/telemetry"
)

// HeartbeatSource is recorded after every drain invocation.
const HeartbeatSource = "drain_webhooks"

// Queue is the slice of the store the drain needs.
type Queue interface {
	DueJobs(ctx context.Context, now time.Time, limit int) ([]models.QueueJob, error)
	ClaimJob(ctx context.Context, id int64, expected, next string) (bool, error)
	CompleteJob(ctx context.Context, id int64, attempts int) error
	RescheduleJob(ctx context.Context, id int64, attempts int, nextRun time.Time, errMsg string) error
	FailJob(ctx context.Context, id int64, attempts int, errMsg string) error
}

// Deliverer sends one payload for a topic.
type Deliverer interface {
	Deliver(ctx context.Context, topic string, payload json.RawMessage) (router.Outcome, error)
}

// HeartbeatRecorder appends liveness records.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, source, status string, meta json.RawMessage) (models.Heartbeat, error)
}

// Summary reports what one drain invocation did.
type Summary struct {
	Processed int       `json:"processed"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Unrouted  int       `json:"unrouted"`
	Dead      int       `json:"dead"`
	TS        time.Time `json:"ts"`
}

// Worker drains due jobs in batches.
type Worker struct {
	queue       Queue
	deliver     Deliverer
	heartbeats  HeartbeatRecorder
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

// Option customises a Worker.
type Option func(*Worker)

// WithBatchSize overrides the default batch of 25.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithMaxAttempts marks jobs failed once attempts reach n. Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) { w.maxAttempts = n }
}

// WithHeartbeats records a heartbeat after each Run.
func WithHeartbeats(h HeartbeatRecorder) Option {
	return func(w *Worker) { w.heartbeats = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewWorker(q Queue, d Deliverer, opts ...Option) *Worker {
	w := &Worker{
		queue:     q,
		deliver:   d,
		logger:    slog.Default(),
		batchSize: 25,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes one batch of due jobs. Delivery failures are recorded on the
// job and never abort the batch; only a failure to read the queue is returned.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	sum, err := w.drain(ctx)
	w.beat(ctx, sum, err)
	return sum, err
}

func (w *Worker) drain(ctx context.Context) (Summary, error) {
	now := w.now().UTC()
	sum := Summary{TS: now}

	jobs, err := w.queue.DueJobs(ctx, now, w.batchSize)
	if err != nil {
		return sum, fmt.Errorf("load due jobs: %w", err)
	}
	telemetry.DueJobsGauge.Set(float64(len(jobs)))

	for _, job := range jobs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		claimed, err := w.queue.ClaimJob(ctx, job.ID, models.JobPending, models.JobProcessing)
		if err != nil {
			w.logger.Error("claim job", "job_id", job.ID, "error", err)
			sum.Skipped++
			continue
		}
		if !claimed {
			sum.Skipped++
			telemetry.DrainSkipped.Inc()
			continue
		}
		sum.Processed++
		w.process(ctx, job, &sum)
	}
	return sum, nil
}

func (w *Worker) process(ctx context.Context, job models.QueueJob, sum *Summary) {
	attempts := job.Attempts + 1
	log := w.logger.With("job_id", job.ID, "topic", job.Topic, "attempts", attempts)

	out, derr := w.deliver.Deliver(ctx, job.Topic, job.Payload)
	// The claim has moved the job to processing; nothing selects it from
	// there, so the write-back must outlive a cancelled caller.
	wctx := context.WithoutCancel(ctx)
	if derr == nil {
		if err := w.queue.CompleteJob(wctx, job.ID, attempts); err != nil {
			log.Error("complete job", "error", err)
		}
		sum.Done++
		if out.Routed {
			telemetry.DrainDelivered.Inc()
		} else {
			sum.Unrouted++
			telemetry.DrainUnrouted.Inc()
		}
		return
	}

	sum.Failed++
	if w.maxAttempts > 0 && attempts >= w.maxAttempts {
		if err := w.queue.FailJob(wctx, job.ID, attempts, derr.Error()); err != nil {
			log.Error("fail job", "error", err)
			return
		}
		sum.Dead++
		telemetry.DrainDead.Inc()
		log.Warn("job exhausted attempts", "error", derr)
		return
	}

	next := w.now().UTC().Add(retry.DrainDelay(job.Attempts))
	telemetry.DrainFailures.Inc()
	if err := w.queue.RescheduleJob(wctx, job.ID, attempts, next, derr.Error()); err != nil {
		log.Error("reschedule job", "error", err)
		return
	}
	log.Warn("delivery failed, rescheduled", "next_run_at", next, "error", derr)
}

func (w *Worker) beat(ctx context.Context, sum Summary, runErr error) {
	if w.heartbeats == nil {
		return
	}
	status := models.HeartbeatOK
	meta := map[string]any{"processed": sum.Processed, "done": sum.Done, "failed": sum.Failed}
	if runErr != nil {
		status = models.HeartbeatFail
		meta["error"] = runErr.Error()
	}
	raw, _ := json.Marshal(meta)
	if _, err := w.heartbeats.RecordHeartbeat(context.WithoutCancel(ctx), HeartbeatSource, status, raw); err != nil {
		w.logger.Warn("record heartbeat", "error", err)
		return
	}
	telemetry.HeartbeatsWritten.WithLabelValues(HeartbeatSource, status).Inc()
}
