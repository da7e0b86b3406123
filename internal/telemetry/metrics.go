package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsIngested    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_events_ingested_total", Help: "Webhook events accepted into the queue"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DrainDelivered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_drain_delivered_total", Help: "Queue jobs delivered to their destination"})
	DrainFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_drain_failures_total", Help: "Queue job deliveries that failed and were rescheduled"})
	DrainDead         = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_drain_dead_total", Help: "Queue jobs that exhausted their attempts"})
	DrainUnrouted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_drain_unrouted_total", Help: "Queue jobs with no matching route"})
	DrainSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_drain_skipped_total", Help: "Queue jobs claimed by another drain"})
	DispatchResults   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_dispatch_results_total", Help: "Immediate sync dispatch outcomes"}, []string{"outcome"})
	PullRecords       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_sync_pull_records_total", Help: "Records mirrored from Odoo"}, []string{"model"})
	OutboxProcessed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_outbox_processed_total", Help: "Outbox items applied to Odoo"}, []string{"model"})
	OutboxFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_outbox_failures_total", Help: "Outbox items that failed to apply"}, []string{"model"})
	OutboxDeadLetter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_outbox_dead_letter_total", Help: "Outbox items moved to terminal failure"}, []string{"model"})
	HeartbeatsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_heartbeats_total", Help: "Heartbeats recorded"}, []string{"source", "status"})
	DueJobsGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ops_drain_due_jobs", Help: "Due jobs seen by the last drain"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsIngested,
			RateLimitRejects,
			DrainDelivered,
			DrainFailures,
			DrainDead,
			DrainUnrouted,
			DrainSkipped,
			DispatchResults,
			PullRecords,
			OutboxProcessed,
			OutboxFailures,
			OutboxDeadLetter,
			HeartbeatsWritten,
			DueJobsGauge,
		)
	})
	return promhttp.Handler()
}
