// Package metrics provides Prometheus instrumentation for the AutoPayer service.
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
			Namespace: "autopayer",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autopayer",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopayer",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target status.",
		},
		[]string{"status"},
	)

	// VerificationsTotal counts AI verification runs by decision band.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopayer",
			Name:      "verifications_total",
			Help:      "Total AI receipt verifications by decision (approved, rejected, manual_review, failed).",
		},
		[]string{"decision"},
	)

	// VerificationConfidence observes reported model confidence.
	VerificationConfidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autopayer",
		Name:      "verification_confidence",
		Help:      "Confidence reported by the verification model.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// GatewayCallsTotal counts contract gateway calls by method and result.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopayer",
			Name:      "gateway_calls_total",
			Help:      "Total on-chain gateway calls by contract method and result.",
		},
		[]string{"method", "result"},
	)

	// GatewayCallDuration observes on-chain call latency including confirmation wait.
	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autopayer",
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway call duration including confirmation wait.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"method"},
	)

	// OracleRateUpdatesTotal counts exchange rate updates by result.
	OracleRateUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopayer",
			Name:      "oracle_rate_updates_total",
			Help:      "Total oracle exchange rate updates by result (ok, deviation_rejected).",
		},
		[]string{"result"},
	)

	// EscrowSettlementDuration observes time from creation to terminal state.
	EscrowSettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "autopayer",
		Name:      "escrow_settlement_duration_seconds",
		Help:      "Time from escrow creation to a terminal state in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 21600, 86400, 259200},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autopayer",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autopayer", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autopayer", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autopayer", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autopayer", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		VerificationsTotal,
		VerificationConfidence,
		GatewayCallsTotal,
		GatewayCallDuration,
		OracleRateUpdatesTotal,
		EscrowSettlementDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
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
