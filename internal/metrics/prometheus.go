// Package metrics provides Prometheus-based metrics collection for scanlink.
// All recording methods are safe on a nil *PrometheusMetrics so components can
// run without metrics wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all scanlink metrics
	namespace = "scanlink"

	// Subsystems
	subsystemConnection = "connection"
	subsystemRequest    = "request"
	subsystemEvent      = "event"
	subsystemScan       = "scan"
)

// Connection states reported by the state gauge.
var connectionStates = []string{"disconnected", "connecting", "connected", "errored"}

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Connection metrics
	connectionState *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	reconnects      prometheus.Counter
	generation      prometheus.Gauge

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pendingRequests prometheus.Gauge

	// Event and frame metrics
	eventsTotal   *prometheus.CounterVec
	droppedFrames *prometheus.CounterVec

	// Scan metrics
	devices      prometheus.Gauge
	scanProgress prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{registry: registry}

	pm.initConnectionMetrics()
	pm.initRequestMetrics()
	pm.initEventMetrics()
	pm.initScanMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initConnectionMetrics initializes connection-related metrics
func (pm *PrometheusMetrics) initConnectionMetrics() {
	pm.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemConnection,
			Name:      "state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	pm.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConnection,
			Name:      "attempts_total",
			Help:      "Total number of connect attempts by result",
		},
		[]string{"result"},
	)

	pm.reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemConnection,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect cycles started after an unexpected close",
		},
	)

	pm.generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemConnection,
			Name:      "generation",
			Help:      "Generation counter of the current physical connection",
		},
	)
}

// initRequestMetrics initializes request correlation metrics
func (pm *PrometheusMetrics) initRequestMetrics() {
	pm.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "total",
			Help:      "Total number of requests by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "duration_seconds",
			Help:      "Time from request send to settlement in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"action"},
	)

	pm.pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "pending",
			Help:      "Number of requests awaiting a response",
		},
	)
}

// initEventMetrics initializes push event metrics
func (pm *PrometheusMetrics) initEventMetrics() {
	pm.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEvent,
			Name:      "total",
			Help:      "Total number of push events received by name",
		},
		[]string{"event"},
	)

	pm.droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEvent,
			Name:      "dropped_frames_total",
			Help:      "Total number of inbound frames dropped by reason",
		},
		[]string{"reason"},
	)
}

// initScanMetrics initializes reconciled scan state metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.devices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "devices",
			Help:      "Number of devices held in the reconciled session state",
		},
	)

	pm.scanProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "progress_ratio",
			Help:      "Progress of the current scan between 0 and 1",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.connectionState)
	pm.registry.MustRegister(pm.connectAttempts)
	pm.registry.MustRegister(pm.reconnects)
	pm.registry.MustRegister(pm.generation)

	pm.registry.MustRegister(pm.requestsTotal)
	pm.registry.MustRegister(pm.requestDuration)
	pm.registry.MustRegister(pm.pendingRequests)

	pm.registry.MustRegister(pm.eventsTotal)
	pm.registry.MustRegister(pm.droppedFrames)

	pm.registry.MustRegister(pm.devices)
	pm.registry.MustRegister(pm.scanProgress)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Connection Metrics Methods

// SetConnectionState marks state as the active connection state
func (pm *PrometheusMetrics) SetConnectionState(state string) {
	if pm == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		pm.connectionState.WithLabelValues(s).Set(v)
	}
}

// IncrementConnectAttempts counts a connect attempt by result
func (pm *PrometheusMetrics) IncrementConnectAttempts(result string) {
	if pm == nil {
		return
	}
	pm.connectAttempts.WithLabelValues(result).Inc()
}

// IncrementReconnects counts a reconnect cycle
func (pm *PrometheusMetrics) IncrementReconnects() {
	if pm == nil {
		return
	}
	pm.reconnects.Inc()
}

// SetGeneration records the current connection generation
func (pm *PrometheusMetrics) SetGeneration(gen uint64) {
	if pm == nil {
		return
	}
	pm.generation.Set(float64(gen))
}

// Request Metrics Methods

// RecordRequest records the settlement of a request
func (pm *PrometheusMetrics) RecordRequest(action, outcome string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.requestsTotal.WithLabelValues(action, outcome).Inc()
	pm.requestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetPendingRequests sets the number of in-flight requests
func (pm *PrometheusMetrics) SetPendingRequests(count int) {
	if pm == nil {
		return
	}
	pm.pendingRequests.Set(float64(count))
}

// Event Metrics Methods

// IncrementEvents counts a received push event
func (pm *PrometheusMetrics) IncrementEvents(event string) {
	if pm == nil {
		return
	}
	pm.eventsTotal.WithLabelValues(event).Inc()
}

// IncrementDroppedFrames counts an inbound frame that was discarded
func (pm *PrometheusMetrics) IncrementDroppedFrames(reason string) {
	if pm == nil {
		return
	}
	pm.droppedFrames.WithLabelValues(reason).Inc()
}

// Scan Metrics Methods

// SetScanState records the reconciled device count and progress
func (pm *PrometheusMetrics) SetScanState(devices int, progress float64) {
	if pm == nil {
		return
	}
	pm.devices.Set(float64(devices))
	pm.scanProgress.Set(progress)
}
