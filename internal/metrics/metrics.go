// Package metrics exposes the coordinator's Prometheus instrumentation: HTTP
// middleware counters kept from the teacher as-is, plus counters/gauges for
// attestation, dispatch, and job-lifecycle outcomes generalized from its
// job-queue and websocket metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests.",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of latencies for HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	WebSocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "websocket_connections", Help: "Current number of active validator WebSocket connections."},
	)
	WebSocketMessagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "websocket_messages_sent_total", Help: "Total WebSocket frames sent to validators."},
	)
	WebSocketMessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "websocket_messages_dropped_total", Help: "Total WebSocket frames dropped due to backpressure."},
	)

	AttestationsVerifiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "attestations_verified_total", Help: "Attestations that completed successfully."},
	)
	AttestationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "attestations_failed_total", Help: "Attestations that failed, by reason code."},
		[]string{"code"},
	)
	AttestationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "attestation_duration_seconds", Help: "Time spent verifying an attestation.", Buckets: prometheus.DefBuckets},
	)

	DispatchSendsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_sends_dropped_total", Help: "Dispatch sends dropped due to backpressure or missing session."},
	)
	DispatchJobsDistributedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_jobs_distributed_total", Help: "Jobs successfully distributed to at least one validator."},
	)
	DispatchNoEligibleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_no_eligible_validators_total", Help: "Dispatch attempts with zero eligible validators."},
	)

	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "job_transitions_total", Help: "Job state machine transitions, by resulting status."},
		[]string{"status"},
	)
	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "job_retries_total", Help: "Jobs re-enqueued to Pending after a failure."},
	)
	JobTimeoutSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "job_timeout_sweep_duration_seconds", Help: "Duration of a timeout sweep pass.", Buckets: prometheus.DefBuckets},
	)
)

func init() { RegisterAll() }

// RegisterAll registers all metrics on the current default Prometheus
// registry. Tests that replace prometheus.DefaultRegisterer/DefaultGatherer
// should call this.
func RegisterAll() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebSocketConnections,
		WebSocketMessagesSentTotal,
		WebSocketMessagesDroppedTotal,
		AttestationsVerifiedTotal,
		AttestationsFailedTotal,
		AttestationDurationSeconds,
		DispatchSendsDroppedTotal,
		DispatchJobsDistributedTotal,
		DispatchNoEligibleTotal,
		JobTransitionsTotal,
		JobRetriesTotal,
		JobTimeoutSweepDuration,
	)
}

// GinMiddleware records basic Prometheus metrics for HTTP requests.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		c.Next()
		status := c.Writer.Status()

		HTTPRequestsTotal.WithLabelValues(path, method, intToString(status)).Inc()
		HTTPRequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the promhttp handler.
func Handler() http.Handler { return promhttp.Handler() }

func intToString(n int) string { return fmtInt(n) }

// fmtInt is a small inlined int->string to avoid extra imports in the hot path.
func fmtInt(n int) string {
	if n == 0 {
		return "0"
	}
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return sign + string(buf[i:])
}
