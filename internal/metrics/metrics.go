// Package metrics provides Prometheus instrumentation for the QuizForge
// gating pipeline.
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
			Namespace: "quizforge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quizforge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OperationsTotal counts AI operations by operation name and result.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizforge",
			Name:      "ai_operations_total",
			Help:      "Total AI operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// OperationDuration observes end-to-end pipeline latency per operation.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quizforge",
			Name:      "ai_operation_duration_seconds",
			Help:      "End-to-end AI operation duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// ProviderCallsTotal counts upstream model calls by provider and outcome.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizforge",
			Name:      "provider_calls_total",
			Help:      "Total model provider calls by provider type and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// CreditsDebited counts credits consumed across all users.
	CreditsDebited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "credits_debited_total",
		Help:      "Total credits atomically debited from user balances.",
	})

	// DebitFailures counts debit attempts rejected by the account store.
	DebitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "credit_debit_failures_total",
		Help:      "Total debit attempts rejected for insufficient balance.",
	})

	// TokenCacheSize tracks the provider credential cache entry count.
	TokenCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge",
		Name:      "token_cache_entries",
		Help:      "Number of cached provider credentials.",
	})

	// TokenRotations counts cache entries evicted by the rotation sweep.
	TokenRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "token_rotations_total",
		Help:      "Total credential cache entries evicted by rotation.",
	})

	// AuditEntriesTracked counts audit entries accepted onto the queue.
	AuditEntriesTracked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "audit_entries_tracked_total",
		Help:      "Total audit entries accepted for tracking.",
	})

	// AuditEntriesDropped counts entries dropped on queue overflow.
	AuditEntriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "audit_entries_dropped_total",
		Help:      "Total audit entries dropped because the queue was full.",
	})

	// AuditSinkErrors counts failed writes to the audit sink.
	AuditSinkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "audit_sink_errors_total",
		Help:      "Total failed audit sink writes (entries or aggregates).",
	})

	// AuditFlushes counts aggregate batches flushed to the sink.
	AuditFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "audit_flushes_total",
		Help:      "Total aggregate batches flushed to long-term storage.",
	})

	// UsageAlerts counts threshold alerts by kind.
	UsageAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizforge",
			Name:      "usage_alerts_total",
			Help:      "Total usage threshold alerts raised, by kind.",
		},
		[]string{"kind"},
	)

	// RateLimitRejections counts advisory rate-limit denials.
	RateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quizforge",
		Name:      "rate_limit_rejections_total",
		Help:      "Total requests rejected by the per-user rate limiter.",
	})

	// WebhookDeliveriesTotal counts outbound webhook deliveries by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizforge",
			Name:      "webhook_deliveries_total",
			Help:      "Total outbound webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected activity-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "quizforge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizforge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OperationsTotal,
		OperationDuration,
		ProviderCallsTotal,
		CreditsDebited,
		DebitFailures,
		TokenCacheSize,
		TokenRotations,
		AuditEntriesTracked,
		AuditEntriesDropped,
		AuditSinkErrors,
		AuditFlushes,
		UsageAlerts,
		RateLimitRejections,
		WebhookDeliveriesTotal,
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
