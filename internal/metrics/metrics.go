// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ContractsCreatedTotal counts contracts created (pending).
	ContractsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "contracts_created_total",
		Help:      "Total escrow contracts created.",
	})

	// ContractsFundedTotal counts contracts locked after rail confirmation.
	ContractsFundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "contracts_funded_total",
		Help:      "Total contracts funded and locked.",
	})

	// ReleasesTotal counts releases by trigger (confirmation, auto, admin).
	ReleasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "releases_total",
		Help:      "Total contracts released by trigger.",
	}, []string{"trigger"})

	// RefundsTotal counts refunds (admin override only).
	RefundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "refunds_total",
		Help:      "Total contracts refunded.",
	})

	// DisputesTotal counts disputes raised.
	DisputesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "disputes_total",
		Help:      "Total disputes raised.",
	})

	// CASConflictsTotal counts compare-and-swap conflicts by operation.
	// These are expected under contention, not errors.
	CASConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "cas_conflicts_total",
		Help:      "Total optimistic-lock conflicts by operation.",
	}, []string{"op"})

	// SchedulerArmed tracks the number of armed auto-release timers.
	SchedulerArmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "scheduler_armed_timers",
		Help:      "Number of currently armed auto-release timers.",
	})

	// SchedulerFiringsTotal counts timer firings by outcome (released, lost_race).
	SchedulerFiringsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "scheduler_firings_total",
		Help:      "Total auto-release firings by outcome.",
	}, []string{"outcome"})

	// ActiveWebSocketClients tracks connected event-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// ContractDuration observes time from funding to resolution.
	ContractDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Name:      "contract_duration_seconds",
		Help:      "Time from contract funding to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 24 * 3600, 48 * 3600, 72 * 3600, 96 * 3600},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ContractsCreatedTotal,
		ContractsFundedTotal,
		ReleasesTotal,
		RefundsTotal,
		DisputesTotal,
		CASConflictsTotal,
		SchedulerArmed,
		SchedulerFiringsTotal,
		ActiveWebSocketClients,
		ContractDuration,
	)
}

// Handler returns a gin handler serving the Prometheus metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestsTotal.WithLabelValues(method, path, statusBucket(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// statusBucket collapses status codes into classes to bound cardinality.
func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
