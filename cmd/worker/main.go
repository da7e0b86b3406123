package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"odoo-ops-relay/internal/app"
	"odoo-ops-relay/internal/config"
	"odoo-ops-relay/internal/syncengine"
	"odoo-ops-relay/internal/telemetry"
)

// The worker replaces the cron that used to call the drain and sync
// functions over HTTP.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	syncEnabled := true
	if err := cfg.RequireSync(); err != nil {
		logger.Warn("odoo sync disabled", "error", err)
		syncEnabled = false
	}
	mode, err := syncengine.ParseMode(cfg.SyncMode)
	if err != nil {
		logger.Error("invalid SYNC_MODE", "error", err)
		os.Exit(1)
	}

	drainTicker := time.NewTicker(cfg.DrainInterval)
	defer drainTicker.Stop()
	syncTicker := time.NewTicker(cfg.SyncInterval)
	defer syncTicker.Stop()

	logger.Info("worker started", "drain_interval", cfg.DrainInterval, "sync_interval", cfg.SyncInterval, "sync_models", cfg.SyncModels)
	runDrain := func() {
		sum, err := a.Drain.Run(ctx)
		if err != nil {
			logger.Error("drain run", "error", err)
			return
		}
		if sum.Processed > 0 || sum.Skipped > 0 {
			logger.Info("drain run", "processed", sum.Processed, "done", sum.Done, "failed", sum.Failed, "skipped", sum.Skipped, "unrouted", sum.Unrouted)
		}
	}
	runSync := func() {
		if !syncEnabled {
			return
		}
		for _, model := range cfg.SyncModels {
			if _, err := a.Sync.Run(ctx, mode, model); err != nil {
				logger.Error("sync run", "model", model, "error", err)
			}
		}
	}

	runDrain()
	runSync()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-drainTicker.C:
			runDrain()
		case <-syncTicker.C:
			runSync()
		}
	}
}
