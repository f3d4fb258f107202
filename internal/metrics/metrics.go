// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Tor circuits are slow, so
// the upper buckets reach further than typical HTTP service defaults.
var defaultBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	TunnelDuration  *prometheus.HistogramVec
	TunnelResponses *prometheus.CounterVec

	ReadinessProbes prometheus.Counter
	TorProcessUp    prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onion_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onion_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onion_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		TunnelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onion_proxy_tunnel_request_duration_seconds",
			Help:    "Upstream round-trip latency through the SOCKS tunnel in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		TunnelResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onion_proxy_tunnel_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ReadinessProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onion_proxy_readiness_probes_total",
			Help: "Total TCP probes issued against the SOCKS endpoint during startup.",
		}),

		TorProcessUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onion_proxy_tor_process_up",
			Help: "Whether the supervised tor process is currently running (1 or 0).",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.TunnelDuration,
		m.TunnelResponses,
		m.ReadinessProbes,
		m.TorProcessUp,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the locally-served path label values. Everything else
// is the upstream's URL space, which is unbounded, so it collapses to one label.
var knownPrefixes = []string{"/health", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	return "proxied"
}
