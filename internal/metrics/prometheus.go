package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the forge engine.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	plansTotal         *prometheus.CounterVec
	groupsTotal        *prometheus.CounterVec
	groupDuration      *prometheus.HistogramVec
	cacheOpsTotal      *prometheus.CounterVec
	synthesizerRetries prometheus.Counter
	backendForkRetries *prometheus.CounterVec
	activePlans        prometheus.Gauge
	remainingGroups    *prometheus.GaugeVec
}

var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		plansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "plans_total", Help: "Total execution plans by terminal status"},
			[]string{"status"}, // completed, failed
		),
		groupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "groups_total", Help: "Total operation groups by terminal status and error kind"},
			[]string{"status", "error_kind"},
		),
		groupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "group_duration_milliseconds", Help: "Duration of a GroupNode's run from spawn to terminal result", Buckets: buckets},
			[]string{"status"},
		),
		cacheOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "cache_ops_total", Help: "Contract source cache outcomes"},
			[]string{"result"}, // hit, miss, timeout
		),
		synthesizerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "synthesizer_retries_total", Help: "Total synthesizer call retries"},
		),
		backendForkRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "backend_fork_retries_total", Help: "Total EvmBackend fork retries by chain id"},
			[]string{"chain_id"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "active_plans", Help: "Number of plans currently tracked by the orchestrator"},
		),
		remainingGroups: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "remaining_groups", Help: "Groups still Todo or InProgress, by plan"},
			[]string{"execution_id"},
		),
	}

	registry.MustRegister(
		pm.plansTotal,
		pm.groupsTotal,
		pm.groupDuration,
		pm.cacheOpsTotal,
		pm.synthesizerRetries,
		pm.backendForkRetries,
		pm.activePlans,
		pm.remainingGroups,
	)

	promMetrics = pm
}

// RecordPlanTerminal records a plan reaching Done or Failed.
func RecordPlanTerminal(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.plansTotal.WithLabelValues(status).Inc()
}

// RecordGroupTerminal records a group reaching Done or Failed, with its
// duration in milliseconds and (for failures) the error kind.
func RecordGroupTerminal(status, errorKind string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.groupsTotal.WithLabelValues(status, errorKind).Inc()
	promMetrics.groupDuration.WithLabelValues(status).Observe(durationMs)
}

// RecordCacheOp records a cache hit, miss, or timeout.
func RecordCacheOp(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheOpsTotal.WithLabelValues(result).Inc()
}

// RecordSynthesizerRetry increments the synthesizer retry counter.
func RecordSynthesizerRetry() {
	if promMetrics == nil {
		return
	}
	promMetrics.synthesizerRetries.Inc()
}

// RecordBackendForkRetry increments the per-chain fork retry counter.
func RecordBackendForkRetry(chainID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.backendForkRetries.WithLabelValues(chainID).Inc()
}

// SetActivePlans sets the gauge of plans currently tracked.
func SetActivePlans(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activePlans.Set(float64(n))
}

// SetRemainingGroups sets the remaining-groups gauge for a plan.
func SetRemainingGroups(executionID string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.remainingGroups.WithLabelValues(executionID).Set(float64(n))
}

// DeleteRemainingGroups removes a plan's gauge series on cleanup.
func DeleteRemainingGroups(executionID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.remainingGroups.DeleteLabelValues(executionID)
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
