// Package app assembles the relay components from configuration. Each binary
// builds one App and drives it differently.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"odoo-ops-relay/internal/config"
	"odoo-ops-relay/internal/deadletter"
	"odoo-ops-relay/internal/dispatch"
	"odoo-ops-relay/internal/drain"
	"odoo-ops-relay/internal/odoo"
	"odoo-ops-relay/internal/ratelimit"
	"odoo-ops-relay/internal/router"
	"odoo-ops-relay/internal/store"
	"odoo-ops-relay/internal/syncengine"
)

// App holds the wired components. Redis, Limiter and DeadLetters are nil
// when REDIS_ADDR is unset.
type App struct {
	Cfg         config.Config
	Logger      *slog.Logger
	Store       store.Backend
	Router      *router.Router
	Drain       *drain.Worker
	Dispatcher  *dispatch.Dispatcher
	Sync        *syncengine.Engine
	Redis       *redis.Client
	Limiter     *ratelimit.TokenBucket
	DeadLetters *deadletter.Queue
}

// OpenStore connects to the backend selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg config.Config) (store.Backend, error) {
	if err := cfg.RequireStore(); err != nil {
		return nil, err
	}
	switch cfg.StoreDriver {
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return store.New(ctx, cfg.PostgresDSN)
	}
}

// Build opens the store, runs migrations and wires every component.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger, Store: st}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Cfg
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	routes, err := router.Load(cfg)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	var archive router.ObjectWriter
	if router.NeedsArchive(routes) {
		s3Archive, err := router.NewS3Archive(ctx, cfg)
		if err != nil {
			return err
		}
		archive = s3Archive
	}
	a.Router = router.New(routes, router.Options{
		HTTPClient: httpClient,
		Archive:    archive,
		Source:     cfg.WebhookSource,
		Logger:     a.Logger.With("component", "router"),
	})

	if cfg.RedisAddr != "" {
		a.Redis = deadletter.NewRedisClient(cfg)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Logger.Warn("redis unreachable, rate limiting and dead letters may fail", "addr", cfg.RedisAddr, "error", err)
		}
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		a.DeadLetters = deadletter.New(a.Redis, cfg.DLQName)
	}

	a.Drain = drain.NewWorker(a.Store, a.Router,
		drain.WithBatchSize(cfg.DrainBatchSize),
		drain.WithMaxAttempts(cfg.DrainMaxAttempts),
		drain.WithHeartbeats(a.Store),
		drain.WithLogger(a.Logger.With("component", "drain")),
	)
	a.Dispatcher = dispatch.New(a.Store, cfg.OdooBaseURL, cfg.OdooAPIKey, httpClient, a.Logger.With("component", "dispatch"))

	client := odoo.NewClient(odoo.Credentials{
		URL:      cfg.OdooURL,
		DB:       cfg.OdooDB,
		Username: cfg.OdooUsername,
		Password: cfg.OdooPassword,
	}, httpClient)
	opts := []syncengine.Option{
		syncengine.WithLockID(cfg.LockID),
		syncengine.WithHeartbeats(a.Store),
		syncengine.WithLogger(a.Logger.With("component", "sync")),
	}
	if a.DeadLetters != nil {
		opts = append(opts, syncengine.WithDeadLetter(a.DeadLetters))
	}
	a.Sync = syncengine.New(a.Store, syncengine.ClientConnector(client), opts...)
	return nil
}

// Close releases the store and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
