// Package syncengine reconciles records between Odoo and the local store.
//
// A Run authenticates once, then pulls a page of Odoo records into the
// mirror table and/or pushes due outbox items to Odoo. Pull progress is kept
// in a per-model checkpoint; push progress lives on the outbox rows.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/odoo"
	"odoo-ops-relay/internal/telemetry"
)

// HeartbeatSource is recorded after every Run.
const HeartbeatSource = "odoo_sync"

// DefaultModel is synced when the caller names none.
const DefaultModel = "res.partner"

var (
	ErrUnsupportedModel     = errors.New("unsupported model")
	ErrUnsupportedOperation = errors.New("unsupported outbox operation")
	ErrInvalidMode          = errors.New("invalid sync mode")
)

// Mode selects the sync directions.
type Mode string

const (
	ModeOdooToSB Mode = "odoo_to_sb"
	ModeSBToOdoo Mode = "sb_to_odoo"
	ModeBoth     Mode = "both"
)

// ParseMode maps a query value to a Mode; empty means both.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeBoth, nil
	case ModeOdooToSB, ModeSBToOdoo, ModeBoth:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) pull() bool { return m == ModeOdooToSB || m == ModeBoth }
func (m Mode) push() bool { return m == ModeSBToOdoo || m == ModeBoth }

// Store is the persistence the engine needs.
type Store interface {
	GetSyncConfig(ctx context.Context, key string) (json.RawMessage, bool, error)
	GetCheckpoint(ctx context.Context, key string) (models.SyncCheckpoint, bool, error)
	SaveCheckpoint(ctx context.Context, key string, cursor models.Cursor, now time.Time) error
	UpsertMirror(ctx context.Context, rows []models.MirrorRecord) (int, error)

	DueOutbox(ctx context.Context, now time.Time, limit int) ([]models.OutboxItem, error)
	ClaimOutbox(ctx context.Context, id int64, lockedBy string, now time.Time) (models.OutboxItem, bool, error)
	CompleteOutbox(ctx context.Context, id int64) error
	RetryOutbox(ctx context.Context, id int64, nextRun time.Time, errMsg string) error
	FailOutbox(ctx context.Context, id int64, errMsg string) error
}

// HeartbeatRecorder appends liveness records.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, source, status string, meta json.RawMessage) (models.Heartbeat, error)
}

// DeadLetterSink receives outbox items that reached terminal failure.
type DeadLetterSink interface {
	Push(ctx context.Context, item models.OutboxItem, reason string) error
}

// Session is an authenticated Odoo connection.
type Session interface {
	SearchRead(ctx context.Context, model string, domain []any, opts odoo.SearchReadOptions) ([]json.RawMessage, error)
	Write(ctx context.Context, model string, id int64, vals map[string]any) error
	Create(ctx context.Context, model string, vals map[string]any) (int64, error)
}

// Connector opens a Session. It is called once per Run.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

type clientConnector struct{ c *odoo.Client }

func (cc clientConnector) Connect(ctx context.Context) (Session, error) {
	sess, err := cc.c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ClientConnector adapts an odoo.Client.
func ClientConnector(c *odoo.Client) Connector { return clientConnector{c} }

// Result is the body of a successful Run.
type Result struct {
	Mode     Mode        `json:"mode"`
	Model    string      `json:"model"`
	OdooToSB *PullResult `json:"odoo_to_sb,omitempty"`
	SBToOdoo *PushResult `json:"sb_to_odoo,omitempty"`
}

// Engine runs sync cycles.
type Engine struct {
	store      Store
	connector  Connector
	heartbeats HeartbeatRecorder
	deadLetter DeadLetterSink
	lockID     string
	logger     *slog.Logger
	now        func() time.Time
	mappers    map[string]Mapper
	appliers   map[string]Applier
}

// Option customises an Engine.
type Option func(*Engine)

func WithHeartbeats(h HeartbeatRecorder) Option { return func(e *Engine) { e.heartbeats = h } }
func WithDeadLetter(d DeadLetterSink) Option { return func(e *Engine) { e.deadLetter = d } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLockID sets the owner written to claimed outbox rows.
func WithLockID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.lockID = id
		}
	}
}

// New builds an engine with the res.partner mapper and applier registered.
func New(st Store, conn Connector, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		connector: conn,
		lockID:    "odoo-sync",
		logger:    slog.Default(),
		now:       time.Now,
		mappers:   make(map[string]Mapper),
		appliers:  make(map[string]Applier),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.RegisterMapper("res.partner", mapPartner)
	e.RegisterApplier("res.partner", "upsert", applyPartnerUpsert)
	return e
}

// RegisterMapper binds a pull mapper to an Odoo model.
func (e *Engine) RegisterMapper(model string, m Mapper) {
	if model == "" || m == nil {
		return
	}
	e.mappers[model] = m
}

// RegisterApplier binds a push applier to a model and operation.
func (e *Engine) RegisterApplier(model, operation string, a Applier) {
	if model == "" || operation == "" || a == nil {
		return
	}
	e.appliers[model+":"+operation] = a
}

// Run executes one sync cycle for model in the given directions.
func (e *Engine) Run(ctx context.Context, mode Mode, model string) (Result, error) {
	if model == "" {
		model = DefaultModel
	}
	res, err := e.run(ctx, mode, model)
	e.beat(ctx, res, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, mode Mode, model string) (Result, error) {
	res := Result{Mode: mode, Model: model}
	if !mode.pull() && !mode.push() {
		return res, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	pullCfg, err := e.loadPullConfig(ctx, model)
	if err != nil {
		return res, err
	}
	pushCfg, err := e.loadPushConfig(ctx, model)
	if err != nil {
		return res, err
	}

	sess, err := e.connector.Connect(ctx)
	if err != nil {
		return res, fmt.Errorf("odoo login: %w", err)
	}

	if mode.pull() {
		pr, err := e.pull(ctx, sess, model, pullCfg)
		if err != nil {
			return res, err
		}
		res.OdooToSB = &pr
	}
	if mode.push() {
		pr, err := e.push(ctx, sess, pushCfg)
		if err != nil {
			return res, err
		}
		res.SBToOdoo = &pr
	}
	return res, nil
}

func (e *Engine) beat(ctx context.Context, res Result, runErr error) {
	if e.heartbeats == nil {
		return
	}
	status := models.HeartbeatOK
	meta := map[string]any{"mode": res.Mode, "model": res.Model}
	if runErr != nil {
		status = models.HeartbeatFail
		meta["error"] = runErr.Error()
	}
	raw, _ := json.Marshal(meta)
	if _, err := e.heartbeats.RecordHeartbeat(context.WithoutCancel(ctx), HeartbeatSource, status, raw); err != nil {
		e.logger.Warn("record heartbeat", "error", err)
		return
	}
	telemetry.HeartbeatsWritten.WithLabelValues(HeartbeatSource, status).Inc()
}
