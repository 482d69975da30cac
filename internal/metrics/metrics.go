// Package metrics provides Prometheus instrumentation for the escrow core.
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

const namespace = "chanescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OffersTotal counts offer transitions by resulting status.
	OffersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "offers_total",
		Help: "Offer transitions by resulting status.",
	}, []string{"status"})

	// EscrowTransitions counts escrow account transitions by resulting status.
	EscrowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "escrow_transitions_total",
		Help: "Escrow account transitions by resulting status.",
	}, []string{"status"})

	// EscrowReleases counts releases by how they were authorized.
	EscrowReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "escrow_releases_total",
		Help: "Escrow releases by mode (quorum, auto, dispute).",
	}, []string{"mode"})

	// ReleaseDeferrals counts try-release calls that found the account not yet releasable.
	ReleaseDeferrals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "escrow_release_deferrals_total",
		Help: "Release evaluations deferred, by reason.",
	}, []string{"reason"})

	// AutoReleaseEscalations counts auto-releases that opened a non-delivery dispute.
	AutoReleaseEscalations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "escrow_auto_release_escalations_total",
		Help: "Auto-release timers that escalated into a non-delivery dispute.",
	})

	// PaymentConfirmations counts lock attempts by outcome.
	PaymentConfirmations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "payment_confirmations_total",
		Help: "Escrow lock attempts by outcome (locked, mismatch, timeout).",
	}, []string{"outcome"})

	// EscrowDuration observes time from lock to release or refund.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "escrow_duration_seconds",
		Help:    "Time from escrow lock to resolution in seconds.",
		Buckets: []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400},
	})

	// ArmedTimers tracks auto-release timers currently scheduled in this process.
	ArmedTimers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "escrow_armed_timers",
		Help: "Auto-release timers currently armed in this process.",
	})

	// TransferSteps counts verification results by step and outcome.
	TransferSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "transfer_step_results_total",
		Help: "Channel transfer verification results by step and outcome.",
	}, []string{"step", "outcome"})

	// DisputesOpened counts disputes by type.
	DisputesOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "disputes_opened_total",
		Help: "Disputes opened by type.",
	}, []string{"type"})

	// DisputesResolved counts disputes by resolution.
	DisputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "disputes_resolved_total",
		Help: "Disputes resolved by resolution.",
	}, []string{"resolution"})

	// RatingRecomputeErrors counts failed post-commit rating recomputations.
	RatingRecomputeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rating_recompute_errors_total",
		Help: "Rating recomputations that failed after a review was committed.",
	})

	// LedgerApplyRetries counts ledger applies retried after a serialization failure.
	LedgerApplyRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "ledger_apply_retries_total",
		Help: "Ledger applies retried after serialization failures or deadlocks.",
	})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "rate_limited_total",
		Help: "Requests rejected by the rate limiter, by key kind.",
	}, []string{"kind"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_websocket_clients",
		Help: "Number of currently connected WebSocket clients.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OffersTotal,
		EscrowTransitions,
		EscrowReleases,
		ReleaseDeferrals,
		AutoReleaseEscalations,
		PaymentConfirmations,
		EscrowDuration,
		ArmedTimers,
		TransferSteps,
		DisputesOpened,
		DisputesResolved,
		RatingRecomputeErrors,
		LedgerApplyRetries,
		RateLimited,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// gauges until ctx is done. Call in a goroutine.
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
			DBInUseConnections.Set(float64(stats.InUse))
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
			c.FullPath(), // route pattern keeps cardinality bounded
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
