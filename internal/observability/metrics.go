// Package observability provides Prometheus metrics for the sync engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lbsync/internal/discovery"
	"lbsync/internal/model"
)

const defaultNamespace = "lbsync"

var healthStates = []string{"healthy", "degraded", "unhealthy"}

// Metrics holds all Prometheus collectors of one process, registered on
// their own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	eventsIngested *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec

	// Discovery
	discoveryScans   *prometheus.CounterVec
	poolsAdded       *prometheus.CounterVec
	poolsSkipped     *prometheus.CounterVec
	discoveryErrors  *prometheus.CounterVec
	discoveryLatency *prometheus.HistogramVec
	activePools      *prometheus.GaugeVec

	// RPC
	rpcLatency *prometheus.HistogramVec
	rpcErrors  *prometheus.CounterVec

	// Sync pipeline
	syncRuns     *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	poolFailures *prometheus.CounterVec

	// Scheduler
	jobExecutions *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Health
	health *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with a fresh registry that also
// carries the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_stored_total",
			Help:      "Total number of pair events newly stored, by chain and event type",
		}, []string{"chain", "event_type"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_errors_total",
			Help:      "Total number of logs that could not be decoded",
		}, []string{"chain"}),

		discoveryScans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scans_total",
			Help:      "Total number of factory scans",
		}, []string{"chain"}),
		poolsAdded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "pools_added_total",
			Help:      "Total number of pools registered by discovery",
		}, []string{"chain"}),
		poolsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "pools_skipped_total",
			Help:      "Total number of pools skipped by discovery",
		}, []string{"chain"}),
		discoveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "errors_total",
			Help:      "Total number of per-pool discovery failures",
		}, []string{"chain"}),
		discoveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scan_duration_seconds",
			Help:      "Factory scan duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		activePools: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "active_pools",
			Help:      "Number of active registered pools",
		}, []string{"chain"}),

		rpcLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		rpcErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Total number of failed RPC calls",
		}, []string{"endpoint", "method"}),

		syncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync passes by kind and status",
		}, []string{"kind", "status"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Sync pass duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		poolFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pool_failures_total",
			Help:      "Total number of pools that failed after all retries, by phase",
		}, []string{"phase"}),

		jobExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_executions_total",
			Help:      "Total number of job attempts by job and status",
		}, []string{"job", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Job attempt duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"job"}),

		health: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the current overall health status, 0 otherwise",
		}, []string{"status"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventsIngested(chain string, eventType model.EventType, n int) {
	m.eventsIngested.WithLabelValues(chain, string(eventType)).Add(float64(n))
}

func (m *Metrics) DecodeErrors(chain string, n int) {
	m.decodeErrors.WithLabelValues(chain).Add(float64(n))
}

func (m *Metrics) DiscoveryScan(chain string, res discovery.ScanResult) {
	m.discoveryScans.WithLabelValues(chain).Inc()
	m.poolsAdded.WithLabelValues(chain).Add(float64(res.Added))
	m.poolsSkipped.WithLabelValues(chain).Add(float64(res.Skipped))
	m.discoveryErrors.WithLabelValues(chain).Add(float64(res.Errors))
	m.discoveryLatency.WithLabelValues(chain).Observe(res.Duration.Seconds())
}

func (m *Metrics) SetActivePools(chain string, n int) {
	m.activePools.WithLabelValues(chain).Set(float64(n))
}

// ObserveRPC matches chain.Observer.
func (m *Metrics) ObserveRPC(endpoint, method string, elapsed time.Duration, err error) {
	m.rpcLatency.WithLabelValues(endpoint, method).Observe(elapsed.Seconds())
	if err != nil {
		m.rpcErrors.WithLabelValues(endpoint, method).Inc()
	}
}

func (m *Metrics) SyncCompleted(kind, status string, elapsed time.Duration) {
	m.syncRuns.WithLabelValues(kind, status).Inc()
	m.syncDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) PoolFailed(phase string) {
	m.poolFailures.WithLabelValues(phase).Inc()
}

func (m *Metrics) JobExecuted(job, status string, elapsed time.Duration) {
	m.jobExecutions.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// SetHealth marks status as the current health state.
func (m *Metrics) SetHealth(status string) {
	for _, s := range healthStates {
		v := 0.0
		if s == status {
			v = 1
		}
		m.health.WithLabelValues(s).Set(v)
	}
}
