package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// workflow execution monitoring in production environments.
//
// Metrics exposed (all namespaced with "conductor_"):
//
// 1. inflight_executions (gauge): Current number of workflow executions
// running concurrently. Use: monitor the global execution cap.
//
// 2. inflight_nodes (gauge): Current number of node tasks executing across
// all executions. Use: monitor concurrency levels and detect bottlenecks.
//
// 3. node_latency_ms (histogram): Node execution duration in milliseconds.
// Labels: workflow_id, status (success/error/skipped).
// Buckets: [10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000].
// Use: P50/P95/P99 latency analysis.
//
// 4. node_retries_total (counter): User-initiated node retries.
// Labels: workflow_id.
//
// 5. executions_total (counter): Finalized executions.
// Labels: workflow_id, status (Completed/Failed/Cancelled).
//
// 6. ui_interactions_total (counter): UI interaction transitions.
// Labels: status (Pending/Completed/Cancelled/Timeout).
//
// Thread-safe: prometheus collectors handle concurrent updates internally.
type PrometheusMetrics struct {
	inflightExecutions prometheus.Gauge
	inflightNodes      prometheus.Gauge
	nodeLatency        *prometheus.HistogramVec
	nodeRetries        *prometheus.CounterVec
	executions         *prometheus.CounterVec
	uiInteractions     *prometheus.CounterVec

	registry prometheus.Registerer
	enabled  bool
}

// NewPrometheusMetrics creates and registers all workflow execution metrics
// with the provided Prometheus registry.
//
// Parameters:
//   - registry: registry to register with; nil uses prometheus.DefaultRegisterer.
//
// Returns:
//   - *PrometheusMetrics: fully initialized metrics collector.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := engine.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightExecutions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "inflight_executions",
		Help:      "Current number of workflow executions running concurrently",
	})

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "inflight_nodes",
		Help:      "Current number of node tasks executing across all executions",
	})

	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Name:      "node_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000},
	}, []string{"workflow_id", "status"})

	pm.nodeRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "node_retries_total",
		Help:      "User-initiated node retries",
	}, []string{"workflow_id"})

	pm.executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "executions_total",
		Help:      "Finalized workflow executions by status",
	}, []string{"workflow_id", "status"})

	pm.uiInteractions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Name:      "ui_interactions_total",
		Help:      "UI interaction status transitions",
	}, []string{"status"})

	return pm
}

// ExecutionStarted increments the inflight execution gauge.
func (pm *PrometheusMetrics) ExecutionStarted() {
	if pm == nil || !pm.enabled {
		return
	}
	pm.inflightExecutions.Inc()
}

// ExecutionFinished decrements the inflight gauge and counts the outcome.
func (pm *PrometheusMetrics) ExecutionFinished(workflowID, status string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.inflightExecutions.Dec()
	pm.executions.WithLabelValues(workflowID, status).Inc()
}

// NodeStarted increments the inflight node gauge.
func (pm *PrometheusMetrics) NodeStarted() {
	if pm == nil || !pm.enabled {
		return
	}
	pm.inflightNodes.Inc()
}

// NodeFinished decrements the inflight node gauge and records latency.
func (pm *PrometheusMetrics) NodeFinished(workflowID, status string, elapsed time.Duration) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.inflightNodes.Dec()
	pm.nodeLatency.WithLabelValues(workflowID, status).
		Observe(float64(elapsed.Milliseconds()))
}

// NodeRetried counts a user-initiated retry.
func (pm *PrometheusMetrics) NodeRetried(workflowID string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.nodeRetries.WithLabelValues(workflowID).Inc()
}

// InteractionTransition counts a UI interaction status transition.
func (pm *PrometheusMetrics) InteractionTransition(status string) {
	if pm == nil || !pm.enabled {
		return
	}
	pm.uiInteractions.WithLabelValues(status).Inc()
}
