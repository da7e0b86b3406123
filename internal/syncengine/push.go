package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/retry"
	"odoo-ops-relay/internal/telemetry"
)

// MirrorWriter lets appliers record what they created in Odoo.
type MirrorWriter interface {
	UpsertMirror(ctx context.Context, rows []models.MirrorRecord) (int, error)
}

// ApplyEnv is what an Applier gets to work with.
type ApplyEnv struct {
	Session Session
	Mirror  MirrorWriter
	Now     time.Time
	Logger  *slog.Logger
}

// Applier writes one outbox item to Odoo.
type Applier func(ctx context.Context, env ApplyEnv, item models.OutboxItem) error

// PushResult summarises one outbox batch.
type PushResult struct {
	Scanned     int `json:"scanned"`
	Processed   int `json:"processed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Dead        int `json:"dead"`
	MaxBatch    int `json:"max_batch"`
	MaxAttempts int `json:"max_attempts"`
}

func (e *Engine) push(ctx context.Context, sess Session, cfg PushConfig) (PushResult, error) {
	res := PushResult{MaxBatch: cfg.MaxBatch, MaxAttempts: cfg.MaxAttempts}
	base := time.Duration(cfg.BaseBackoffSeconds * float64(time.Second))

	batch, err := e.store.DueOutbox(ctx, e.now().UTC(), cfg.MaxBatch)
	if err != nil {
		return res, fmt.Errorf("load outbox: %w", err)
	}
	res.Scanned = len(batch)

	for _, item := range batch {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		claimed, ok, err := e.store.ClaimOutbox(ctx, item.ID, e.lockID, e.now().UTC())
		if err != nil {
			e.logger.Error("claim outbox item", "outbox_id", item.ID, "error", err)
			res.Skipped++
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}

		log := e.logger.With("outbox_id", claimed.ID, "model", claimed.Model, "operation", claimed.Operation, "attempts", claimed.Attempts)
		applyErr := e.apply(ctx, sess, claimed)
		// A claimed item is only reselected once it leaves processing, so
		// its state change must not depend on the caller staying around.
		wctx := context.WithoutCancel(ctx)
		if applyErr == nil {
			if err := e.store.CompleteOutbox(wctx, claimed.ID); err != nil {
				log.Error("complete outbox item", "error", err)
			}
			res.Processed++
			telemetry.OutboxProcessed.WithLabelValues(claimed.Model).Inc()
			continue
		}

		res.Failed++
		telemetry.OutboxFailures.WithLabelValues(claimed.Model).Inc()
		msg := applyErr.Error()
		if claimed.Attempts >= cfg.MaxAttempts {
			if err := e.store.FailOutbox(wctx, claimed.ID, msg); err != nil {
				log.Error("fail outbox item", "error", err)
				continue
			}
			res.Dead++
			telemetry.OutboxDeadLetter.WithLabelValues(claimed.Model).Inc()
			log.Warn("outbox item exhausted attempts", "error", applyErr)
			if e.deadLetter != nil {
				if err := e.deadLetter.Push(wctx, claimed, msg); err != nil {
					log.Warn("push dead letter", "error", err)
				}
			}
			continue
		}

		next := e.now().UTC().Add(retry.OutboxDelay(base, claimed.Attempts))
		if err := e.store.RetryOutbox(wctx, claimed.ID, next, msg); err != nil {
			log.Error("retry outbox item", "error", err)
			continue
		}
		log.Warn("outbox apply failed, requeued", "next_run_at", next, "error", applyErr)
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, sess Session, item models.OutboxItem) error {
	applier, ok := e.appliers[item.Model+":"+item.Operation]
	if !ok {
		return fmt.Errorf("%w: %s:%s", ErrUnsupportedOperation, item.Model, item.Operation)
	}
	env := ApplyEnv{
		Session: sess,
		Mirror:  e.store,
		Now:     e.now().UTC(),
		Logger:  e.logger.With("outbox_id", item.ID, "model", item.Model, "operation", item.Operation),
	}
	return applier(ctx, env, item)
}
