package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of northbound requests by capability and outcome.",
	}, []string{"capability", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Northbound request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"capability"})

	ActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Outbound connections currently in flight per backend.",
	}, []string{"backend"})

	JobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_queued",
		Help: "Number of jobs currently in the Queued state.",
	})

	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_running",
		Help: "Number of jobs currently in the Running state.",
	})

	ModelInferenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "model_inference_total",
		Help: "Total number of backend inference calls by capability and outcome.",
	}, []string{"capability", "status"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Total number of dispatch errors by capability and kind.",
	}, []string{"capability", "kind"})

	BackendHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_health",
		Help: "1 Healthy, 0.5 Degraded, 0 Unhealthy.",
	}, []string{"backend"})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total number of response cache hits.",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of response cache misses.",
	})

	SingleFlightJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "single_flight_joins_total",
		Help: "Total number of submissions that joined an in-flight call instead of dispatching a new one.",
	})

	BatchSeals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_seals_total",
		Help: "Total number of BatchGroup seals by reason.",
	}, []string{"capability", "reason"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open.",
	}, []string{"backend"})

	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open.",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, RequestDuration, ActiveConnections, JobsQueued, JobsRunning,
		ModelInferenceTotal, ErrorsTotal, BackendHealth, CacheHits, CacheMisses,
		SingleFlightJoins, BatchSeals, CircuitBreakerState, CircuitBreakerTrips,
	)
}

// StartMetricsServer exposes /metrics alone; prefer StartHTTPServer which
// also wires /healthz and /readyz.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
