package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool metrics, labelled by pool name (execution, test, build).
var (
	PoolSlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowrunner_pool_slots_in_use",
			Help: "Number of checked-out slots per pool",
		},
		[]string{"pool"},
	)

	PoolWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowrunner_pool_wait_seconds",
			Help:    "Time spent waiting to check out a pool slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"pool"},
	)

	PoolCheckoutRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_pool_checkout_rejected_total",
			Help: "Checkouts abandoned on timeout or cancellation",
		},
		[]string{"pool", "reason"},
	)
)

// Artifact cache metrics
var (
	ArtifactCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_artifact_cache_lookups_total",
			Help: "Artifact lookups by outcome (local_hit, remote_hit, built)",
		},
		[]string{"outcome"},
	)

	ArtifactBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowrunner_artifact_build_duration_seconds",
			Help:    "Time to build one artifact bundle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)
)

// Execution metrics
var (
	ExecutionVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_execution_verdicts_total",
			Help: "Sandbox run verdicts per pipeline",
		},
		[]string{"pipeline", "verdict"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowrunner_execution_duration_seconds",
			Help:    "Wall time of one sandbox run",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0, 300.0},
		},
		[]string{"pipeline"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowrunner_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		PoolSlotsInUse,
		PoolWaitDuration,
		PoolCheckoutRejected,
		ArtifactCacheLookups,
		ArtifactBuildDuration,
		ExecutionVerdicts,
		ExecutionDuration,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware counts requests by route template and status.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Since observes the elapsed time on a histogram.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
