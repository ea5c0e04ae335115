// Package telemetry provides application-level observability for Keywarden.
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<KW_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is deliberately not served by the Gin
// router, keeping the scrape path off the public ingress and outside the
// rate-limiting middleware.
//
// Label cardinality: HTTP metrics use c.FullPath() (route template such as
// /api/v1/apikeys/:id) rather than the raw URL so user-supplied path segments
// can never explode the label space. Authorization metrics are labelled by
// outcome and window kind only — never by credential id or prefix, both of
// which are unbounded.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):  sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:  histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Authorization metrics.
//
// AuthDecisionsTotal counts every authorize call by outcome: "admitted" or
// one of the denial reasons (malformed_key, invalid_credential, revoked,
// expired, quota_exceeded, backend_unavailable).
//
// QuotaDenialsTotal breaks quota denials down by the limiting window — the
// number an operator watches when tuning per-credential quotas.
//
// SecretVerifyDuration tracks scrypt verification latency. scrypt is
// deliberately expensive; this histogram is the early-warning signal if the
// work parameters ever make the auth path the serving bottleneck.
//
// Example PromQL queries:
//   - Denial rate by reason:  sum by (outcome) (rate(auth_decisions_total{outcome!="admitted"}[5m]))
//   - Burst-limited share:    rate(quota_denials_total{window="burst"}[5m]) / rate(auth_decisions_total[5m])
var (
	AuthDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Total number of authorization decisions, by outcome.",
		},
		[]string{"outcome"},
	)

	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Total number of quota denials, by limiting window (burst, weekly, monthly).",
		},
		[]string{"window"},
	)

	SecretVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "secret_verify_duration_seconds",
			Help:    "Histogram of scrypt secret verification latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
)

// Lifecycle metrics — administrative key operations, labelled by operation
// (create, rotate, revoke, restore, update, delete) and result (ok, error).
var KeyLifecycleOpsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "key_lifecycle_operations_total",
		Help: "Total number of key lifecycle operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// KeyExpiryNoticesTotal is a plain Counter incremented once per expiry
// warning successfully delivered by the expiry notifier job. A stalled
// counter combined with keys approaching expiry is a useful alert signal for
// SMTP delivery failures.
var KeyExpiryNoticesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "key_expiry_notices_total",
		Help: "Total number of key expiry warning notifications successfully sent.",
	},
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
	slog.Debug("database stats collector started")
}
