// Package metrics provides Prometheus instrumentation for the ScreenPledge platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenpledge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "screenpledge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementAttemptsTotal counts per-user settlement attempts by outcome.
	// Outcomes: succeeded, requires_action, failed, skipped.
	SettlementAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenpledge",
			Name:      "settlement_attempts_total",
			Help:      "Total per-user settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ChargesTotal counts charge intents by final provider status.
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "screenpledge",
			Name:      "charges_total",
			Help:      "Total payment charge attempts by provider intent status.",
		},
		[]string{"status"},
	)

	// BatchDuration observes the wall-clock time of a full weekly batch run.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "screenpledge",
		Name:      "settlement_batch_duration_seconds",
		Help:      "Duration of a settlement batch run in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	// EstimatedDaysTotal counts synthetic usage rows written by the backfiller.
	EstimatedDaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "screenpledge",
		Name:      "estimated_usage_days_total",
		Help:      "Total worst-case estimated daily usage rows written.",
	})

	// PoolTotalCents tracks the most recently aggregated weekly pool total.
	PoolTotalCents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge",
		Name:      "weekly_pool_total_cents",
		Help:      "Penalty pool total in cents for the most recently aggregated week.",
	})

	// ReconciliationsFlaggedTotal counts user-weeks flagged for reconciliation.
	ReconciliationsFlaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "screenpledge",
		Name:      "reconciliations_flagged_total",
		Help:      "Total user-weeks flagged with a reconciliation delta.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "screenpledge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenpledge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementAttemptsTotal,
		ChargesTotal,
		BatchDuration,
		EstimatedDaysTotal,
		PoolTotalCents,
		ReconciliationsFlaggedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
