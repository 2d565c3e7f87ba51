package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Client side: dispatch ----

	DispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "dispatch_requests_total",
			Help:      "Chunk requests driven by the dispatcher, by outcome.",
		},
		[]string{"outcome"}, // finished | failed
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "dispatch_retries_total",
			Help:      "Chunk requests rerouted to another endpoint after a socket error.",
		},
	)

	EndpointsMarkedDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "endpoints_marked_dead_total",
			Help:      "Endpoints blacklisted by a dispatcher after a socket error.",
		},
	)

	EndpointRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "endpoint_refreshes_total",
			Help:      "Dispatcher endpoint views reloaded from the shared snapshot.",
		},
	)

	ComputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polyarea",
			Name:      "compute_duration_seconds",
			Help:      "Latency of top-level compute calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"status"}, // ok | error
	)

	// ---- Client side: discovery ----

	DiscoveryRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "discovery_rounds_total",
			Help:      "Discovery refresh cycles, by result.",
		},
		[]string{"result"}, // ok | error
	)

	DiscoveredEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "polyarea",
			Name:      "discovered_endpoints",
			Help:      "Endpoints in the most recently published snapshot.",
		},
	)

	// ---- Worker side ----

	WorkerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "worker_requests_total",
			Help:      "Compute connections handled by the worker, by status.",
		},
		[]string{"status"}, // ok | bad_request | io_error
	)

	WorkerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "polyarea",
			Name:      "worker_request_duration_seconds",
			Help:      "Time from accept to response for compute connections.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// ---- Admin HTTP ----

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polyarea",
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polyarea",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "polyarea",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight admin HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "polyarea",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "polyarea",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		DispatchRequests, DispatchRetries, EndpointsMarkedDead, EndpointRefreshes, ComputeDuration,
		DiscoveryRounds, DiscoveredEndpoints,
		WorkerRequests, WorkerDuration,
		HTTPRequests, HTTPDuration, InFlight,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveCompute records one top-level compute call.
func ObserveCompute(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ComputeDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		HTTPRequests.WithLabelValues(op, class).Inc()
		HTTPDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
