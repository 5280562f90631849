package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "vibecheck",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// RateLimitRejectionsTotal counts requests rejected by the Rate-Limit Engine,
// labeled by route scope (auth, push, conversations, audio, default).
var RateLimitRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vibecheck",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Requests rejected by the rate-limit engine.",
	},
	[]string{"scope"},
)

// KeyRotationsTotal counts Key-Ring rotation events.
var KeyRotationsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vibecheck",
		Subsystem: "keyring",
		Name:      "rotations_total",
		Help:      "Signing key rotations performed.",
	},
)

// PushConnectionsActive tracks the number of authenticated push connections.
var PushConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "vibecheck",
		Subsystem: "push",
		Name:      "connections_active",
		Help:      "Currently authenticated push channel connections.",
	},
)

// PushBufferedEventsTotal counts events that had to be buffered rather than
// delivered live.
var PushBufferedEventsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "vibecheck",
		Subsystem: "push",
		Name:      "buffered_events_total",
		Help:      "Push events buffered because no subscribed connection was open.",
	},
)

// PipelineJobsTotal counts pipeline job outcomes, labeled by job kind
// (audio, analysis) and outcome (success, failed).
var PipelineJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vibecheck",
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Pipeline job outcomes.",
	},
	[]string{"kind", "outcome"},
)

// All returns the service-specific collectors to register alongside the
// shared HTTPRequestDuration metric.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RateLimitRejectionsTotal,
		KeyRotationsTotal,
		PushConnectionsActive,
		PushBufferedEventsTotal,
		PipelineJobsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
