package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	HTTPRequests    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_http_requests_total", Help: "HTTP requests by route, method and status"}, []string{"route", "method", "status"})
	HTTPErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_http_errors_total", Help: "HTTP responses with status >= 400"}, []string{"route", "method", "status"})
	RateLimited     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_rate_limited_total", Help: "Execute calls rejected by the rate limiter"}, []string{"tenant_id", "connector_id"})
	CircuitOpen     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_circuit_open_total", Help: "Execute calls short-circuited by an open breaker"}, []string{"tenant_id", "connector_id"})
	Retries         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_retry_total", Help: "Upstream retries performed by the gateway"}, []string{"tenant_id", "connector_id"})
	JobsEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_enqueued_total", Help: "Jobs pushed to a queue"}, []string{"queue"})
	JobsCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_completed_total", Help: "Job deliveries by outcome"}, []string{"queue", "status"})
	QueueDepth      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "orchestrator_queue_depth", Help: "Queue depth by state"}, []string{"queue", "state"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_inflight", Help: "Job deliveries currently being handled"})
	Webhooks        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_webhooks_total", Help: "Webhook deliveries by provider and outcome"}, []string{"provider", "outcome"})
	SweepDeleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_sweep_deleted_total", Help: "Rows removed by retention sweeps"}, []string{"table"})
	UpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "orchestrator_upstream_latency_seconds", Help: "Latency of execute calls including retries", Buckets: prometheus.DefBuckets}, []string{"connector_type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			HTTPRequests,
			HTTPErrors,
			RateLimited,
			CircuitOpen,
			Retries,
			JobsEnqueued,
			JobsCompleted,
			QueueDepth,
			InFlightGauge,
			Webhooks,
			SweepDeleted,
			UpstreamLatency,
		)
	})
	return promhttp.Handler()
}
