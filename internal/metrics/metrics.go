// Package metrics exposes controller counters in Prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildfleet"

// Launch results.
const (
	LaunchConnected = "connected"
	LaunchFailed    = "failed"
	LaunchTimeout   = "timeout"
)

// Termination actions.
const (
	TerminateStopped    = "stopped"
	TerminateLetFinish  = "let_finish"
	TerminateNoJob      = "no_job"
	TerminateStopFailed = "stop_failed"
)

// Connection results.
const (
	ConnectAdmitted  = "admitted"
	ConnectRefused   = "refused"
	ConnectBadSecret = "bad_secret"
)

// Metrics holds the controller's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	provisioned    *prometheus.CounterVec
	launches       *prometheus.CounterVec
	launchDuration *prometheus.HistogramVec
	terminations   *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	connections    *prometheus.CounterVec
	liveWorkers    *prometheus.GaugeVec
}

// New registers every collector, plus Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_provisioned_total",
			Help:      "Workers planned by the admission controller.",
		}, []string{"cloud"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Finished launch attempts by result.",
		}, []string{"cloud", "result"}),
		launchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from job start to handshake or failure.",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
		}, []string{"cloud"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Worker terminations by action taken on the remote job.",
		}, []string{"cloud", "action"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connected workers evicted by the retention scanner.",
		}, []string{"cloud", "reason"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Inbound worker connection attempts by result.",
		}, []string{"result"}),
		liveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_workers",
			Help:      "Non-terminated workers per cloud.",
		}, []string{"cloud"}),
	}
	m.registry.MustRegister(
		m.provisioned, m.launches, m.launchDuration, m.terminations,
		m.evictions, m.connections, m.liveWorkers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Provisioned(cloud string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.provisioned.WithLabelValues(cloud).Add(float64(n))
}

func (m *Metrics) Launch(cloud, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(cloud, result).Inc()
	m.launchDuration.WithLabelValues(cloud).Observe(d.Seconds())
}

func (m *Metrics) Terminated(cloud, action string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(cloud, action).Inc()
}

func (m *Metrics) Evicted(cloud, reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(cloud, reason).Inc()
}

func (m *Metrics) Connection(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

func (m *Metrics) SetLive(cloud string, n int) {
	if m == nil {
		return
	}
	m.liveWorkers.WithLabelValues(cloud).Set(float64(n))
}
