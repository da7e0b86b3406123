package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	api "odoo-ops-relay/internal/api"
	"odoo-ops-relay/internal/app"
	"odoo-ops-relay/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	server := api.New(cfg, api.Deps{
		Store:       a.Store,
		Drain:       a.Drain,
		Dispatcher:  a.Dispatcher,
		Sync:        a.Sync,
		Limiter:     a.Limiter,
		DeadLetters: a.DeadLetters,
		Logger:      logger.With("component", "api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
