// Package metrics provides Prometheus metrics for the placement reconciliation engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Batch outcomes
	batchesProcessed *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	batchRows        prometheus.Histogram

	// Row outcomes
	rowsProcessed *prometheus.CounterVec
	rowErrors     *prometheus.CounterVec

	// Calculation
	calculationLatency prometheus.Histogram
	calculationFaults  prometheus.Counter

	// Persistence
	commitLatency  prometheus.Histogram
	commitFailures prometheus.Counter
	recomputes     prometheus.Counter

	// Scheduling
	queueDepth        prometheus.Gauge
	queueRejections   *prometheus.CounterVec
	workerActiveCount prometheus.Gauge
	laneCount         prometheus.Gauge

	// Collaborators
	auditFailures   prometheus.Counter
	directoryErrors *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "tally",
		subsystem:        "reconcile",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric definition
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.customLabels)

	m.batchesProcessed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("batches_processed_total"),
		Help:        "Total number of batches processed by terminal status",
		ConstLabels: labels,
	}, []string{"kind", "status"})

	m.batchDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("batch_duration_seconds"),
		Help:        "Wall time from RECEIVED to a terminal status",
		Buckets:     m.histogramBuckets,
		ConstLabels: labels,
	})

	m.batchRows = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("batch_rows"),
		Help:        "Number of raw rows per batch",
		Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		ConstLabels: labels,
	})

	m.rowsProcessed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("rows_processed_total"),
		Help:        "Rows processed by outcome (staged, rejected)",
		ConstLabels: labels,
	}, []string{"outcome"})

	m.rowErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("row_errors_total"),
		Help:        "Row-level errors by kind",
		ConstLabels: labels,
	}, []string{"kind"})

	m.calculationLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("calculation_latency_seconds"),
		Help:        "Incentive calculation latency per row",
		Buckets:     m.histogramBuckets,
		ConstLabels: labels,
	})

	m.calculationFaults = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("calculation_faults_total"),
		Help:        "Calculation faults (configuration gaps, not bad input)",
		ConstLabels: labels,
	})

	m.commitLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("commit_latency_seconds"),
		Help:        "Latency of the single transactional batch commit",
		Buckets:     m.histogramBuckets,
		ConstLabels: labels,
	})

	m.commitFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("commit_failures_total"),
		Help:        "Batch commits that failed and voided the batch",
		ConstLabels: labels,
	})

	m.recomputes = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("recomputes_total"),
		Help:        "Owner/year recomputation passes",
		ConstLabels: labels,
	})

	m.queueDepth = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("queue_depth"),
		Help:        "Rows waiting for parse and validation",
		ConstLabels: labels,
	})

	m.queueRejections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("queue_rejections_total"),
		Help:        "Rows the stage queue refused by reason",
		ConstLabels: labels,
	}, []string{"reason"})

	m.workerActiveCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("worker_active_count"),
		Help:        "Stage workers currently running",
		ConstLabels: labels,
	})

	m.laneCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("owner_lanes"),
		Help:        "Owner lanes in the batch being calculated",
		ConstLabels: labels,
	})

	m.auditFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("audit_emit_failures_total"),
		Help:        "Audit events the sink failed to accept",
		ConstLabels: labels,
	})

	m.directoryErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("directory_errors_total"),
		Help:        "Directory lookups that failed by operation",
		ConstLabels: labels,
	}, []string{"operation"})
}

// RecordBatch records a batch reaching a terminal status.
func (m *Manager) RecordBatch(kind, status string, rows int, d time.Duration) {
	if !m.enabled {
		return
	}
	m.batchesProcessed.WithLabelValues(kind, status).Inc()
	m.batchRows.Observe(float64(rows))
	m.batchDuration.Observe(d.Seconds())
}

// RecordRow records one row outcome.
func (m *Manager) RecordRow(outcome string) {
	if !m.enabled {
		return
	}
	m.rowsProcessed.WithLabelValues(outcome).Inc()
}

// RecordRowError records one row-level error.
func (m *Manager) RecordRowError(kind string) {
	if !m.enabled {
		return
	}
	m.rowErrors.WithLabelValues(kind).Inc()
}

// RecordCalculation records a calculation, successful or not.
func (m *Manager) RecordCalculation(d time.Duration, fault bool) {
	if !m.enabled {
		return
	}
	m.calculationLatency.Observe(d.Seconds())
	if fault {
		m.calculationFaults.Inc()
	}
}

// RecordCommit records a batch commit.
func (m *Manager) RecordCommit(d time.Duration, failed bool) {
	if !m.enabled {
		return
	}
	m.commitLatency.Observe(d.Seconds())
	if failed {
		m.commitFailures.Inc()
	}
}

// Package-level helpers operating on the global manager.

// RecordBatch records a terminal batch status.
func RecordBatch(kind, status string, rows int, d time.Duration) {
	globalManager.RecordBatch(kind, status, rows, d)
}

// RecordRow records a row outcome.
func RecordRow(outcome string) { globalManager.RecordRow(outcome) }

// RecordRowError records a row-level error by kind.
func RecordRowError(kind string) { globalManager.RecordRowError(kind) }

// RecordCalculation records calculation latency and faults.
func RecordCalculation(d time.Duration, fault bool) { globalManager.RecordCalculation(d, fault) }

// RecordCommit records commit latency and failures.
func RecordCommit(d time.Duration, failed bool) { globalManager.RecordCommit(d, failed) }

// RecordRecompute counts an owner/year recomputation pass.
func RecordRecompute() {
	if globalManager.enabled {
		globalManager.recomputes.Inc()
	}
}

// UpdateQueueDepth sets the number of queued rows.
func UpdateQueueDepth(depth int) {
	if globalManager.enabled {
		globalManager.queueDepth.Set(float64(depth))
	}
}

// RecordQueueRejection counts a row the stage queue refused.
func RecordQueueRejection(reason string) {
	if globalManager.enabled {
		globalManager.queueRejections.WithLabelValues(reason).Inc()
	}
}

// UpdateWorkerActiveCount sets the number of running stage workers.
func UpdateWorkerActiveCount(count int) {
	if globalManager.enabled {
		globalManager.workerActiveCount.Set(float64(count))
	}
}

// UpdateLaneCount sets the number of owner lanes of the current batch.
func UpdateLaneCount(count int) {
	if globalManager.enabled {
		globalManager.laneCount.Set(float64(count))
	}
}

// RecordAuditFailure counts an audit sink failure.
func RecordAuditFailure() {
	if globalManager.enabled {
		globalManager.auditFailures.Inc()
	}
}

// RecordDirectoryError counts a failed directory lookup.
func RecordDirectoryError(operation string) {
	if globalManager.enabled {
		globalManager.directoryErrors.WithLabelValues(operation).Inc()
	}
}

// GetRegistry returns the custom registry backing the global manager.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
