package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"odoo-ops-relay/internal/config"
	"odoo-ops-relay/internal/deadletter"
	"odoo-ops-relay/internal/dispatch"
	"odoo-ops-relay/internal/drain"
	"odoo-ops-relay/internal/ratelimit"
	"odoo-ops-relay/internal/store"
	"odoo-ops-relay/internal/syncengine"
	"odoo-ops-relay/internal/telemetry"
)

// Deps are the components the HTTP functions call into. Limiter and
// DeadLetters are nil when Redis is not configured.
type Deps struct {
	Store       store.Backend
	Drain       *drain.Worker
	Dispatcher  *dispatch.Dispatcher
	Sync        *syncengine.Engine
	Limiter     *ratelimit.TokenBucket
	DeadLetters *deadletter.Queue
	Logger      *slog.Logger
}

// Server wires HTTP handlers for the relay functions.
type Server struct {
	cfg         config.Config
	store       store.Backend
	drain       *drain.Worker
	dispatcher  *dispatch.Dispatcher
	sync        *syncengine.Engine
	limiter     *ratelimit.TokenBucket
	deadLetters *deadletter.Queue
	logger      *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		store:       deps.Store,
		drain:       deps.Drain,
		dispatcher:  deps.Dispatcher,
		sync:        deps.Sync,
		limiter:     deps.Limiter,
		deadLetters: deps.DeadLetters,
		logger:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/drain_webhooks", s.handleDrain)
	r.Post("/odoo_sync_dispatcher", s.handleDispatch)
	r.Post("/odoo-sync", s.handleSync)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/heartbeat", s.handleListHeartbeats)
	r.Post("/events", s.handleEvent)
	r.Post("/outbox", s.handleOutbox)
	r.Get("/dlq", s.handleDLQ)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Signature", "X-Webhook-Source"},
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDLQ returns the latest dead-lettered outbox items.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []deadletter.Entry{}})
		return
	}
	items, err := s.deadLetters.Peek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to read dlq"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// allow applies the per-source ingress rate limit. It writes the rejection
// itself and reports whether the request may proceed.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), sourceFromRequest(r))
	if err != nil {
		// Redis trouble must not block ingestion into the durable queue.
		s.logger.Warn("rate limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, errors.New("rate limited"))
		return false
	}
	return true
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Webhook-Source"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"ok": false, "error": err.Error()})
}
