package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every method is safe on a nil
// receiver so components can run without monitoring.
type Metrics struct {
	registry *prometheus.Registry

	// Invocation metrics
	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// Record metrics
	Commits *prometheus.CounterVec

	// Host call metrics
	HostCalls        *prometheus.CounterVec
	HostCallDuration *prometheus.HistogramVec

	// Sandbox metrics
	SlotWait prometheus.Histogram

	// Registry metrics
	Addons prometheus.Gauge

	// Transport metrics
	Connections  prometheus.Gauge
	HTTPRequests *prometheus.CounterVec

	// System metrics
	startTime time.Time
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// Invocation metrics
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalworker_invocations_total",
				Help: "Total number of invocations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evalworker_invocation_duration_seconds",
				Help:    "Invocation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),

		// Record metrics
		Commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalworker_commits_total",
				Help: "Total number of record commits by record and outcome",
			},
			[]string{"record", "outcome"},
		),

		// Host call metrics
		HostCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalworker_host_calls_total",
				Help: "Total number of calls made to the host",
			},
			[]string{"method", "outcome"},
		),
		HostCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evalworker_host_call_duration_seconds",
				Help:    "Host call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),

		// Sandbox metrics
		SlotWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evalworker_sandbox_slot_wait_seconds",
				Help:    "Time spent waiting for the execution slot",
				Buckets: []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		// Registry metrics
		Addons: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "evalworker_addons",
				Help: "Number of registered addons",
			},
		),

		// Transport metrics
		Connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "evalworker_connections",
				Help: "Number of connected hosts",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalworker_http_requests_total",
				Help: "Total number of diagnostics HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "evalworker_uptime_seconds",
			Help: "Worker uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordInvocation records a finished eval or addon call
func (m *Metrics) RecordInvocation(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(kind, outcome).Inc()
	m.InvocationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCommit records a record commit
func (m *Metrics) RecordCommit(record string, err error) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(record, Outcome(err)).Inc()
}

// RecordHostCall records an outgoing host call
func (m *Metrics) RecordHostCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.HostCalls.WithLabelValues(method, Outcome(err)).Inc()
	m.HostCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveSlotWait records time spent queued for the sandbox
func (m *Metrics) ObserveSlotWait(d time.Duration) {
	if m == nil {
		return
	}
	m.SlotWait.Observe(d.Seconds())
}

// SetAddons sets the number of registered addons
func (m *Metrics) SetAddons(count int) {
	if m == nil {
		return
	}
	m.Addons.Set(float64(count))
}

// IncConnections increments connected hosts
func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// DecConnections decrements connected hosts
func (m *Metrics) DecConnections() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// RecordHTTPRequest records a diagnostics HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
}

// Uptime returns time since the collector was created.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}
