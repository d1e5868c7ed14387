// Package metrics provides Prometheus metrics for the proxitrace service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Proximity: peers and advertising
	peersByState        *prometheus.GaugeVec
	discoveryEvents     prometheus.Counter
	connectAttempts     prometheus.Counter
	connectFailures     *prometheus.CounterVec
	peerMerges          prometheus.Counter
	peersEvicted        prometheus.Counter
	identifierRotations prometheus.Counter

	// Exposure detection and key upload
	detectionRuns     *prometheus.CounterVec
	detectionDuration prometheus.Histogram
	exposuresDetected prometheus.Counter
	batchesDownloaded prometheus.Counter
	uploads           *prometheus.CounterVec

	// Persistence queue and workers
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec
	workerActiveCount  prometheus.Gauge
	workerErrors       prometheus.Counter
	persistLatency     prometheus.Histogram
	summariesPersisted prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors and runtime
	errorsByComponent    *prometheus.CounterVec
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "proxitrace",
		subsystem:        "core",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels,
	})
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.peersByState = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "peers",
		Help:        "Tracked peers by connection state",
		ConstLabels: m.constLabels,
	}, []string{"state"})
	m.discoveryEvents = m.counter("discovery_events_total", "Discovery callbacks routed into the registry")
	m.connectAttempts = m.counter("connect_attempts_total", "Outbound connection attempts issued by the sweep")
	m.connectFailures = m.counterVec("connect_failures_total", "Per-peer connection failures by reason", "reason")
	m.peerMerges = m.counter("peer_merges_total", "Records folded into a canonical record sharing a resolved identifier")
	m.peersEvicted = m.counter("peers_evicted_total", "Records removed after the absence timeout")
	m.identifierRotations = m.counter("identifier_rotations_total", "Advertised identifier rotations")

	m.detectionRuns = m.counterVec("detection_runs_total", "Exposure detection runs by outcome", "outcome")
	m.detectionDuration = m.histogram("detection_duration_seconds", "Wall time of a detection run",
		[]float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120})
	m.exposuresDetected = m.counter("exposures_detected_total", "Exposure events emitted by scoring")
	m.batchesDownloaded = m.counter("batches_downloaded_total", "Diagnosis key batches downloaded")
	m.uploads = m.counterVec("uploads_total", "Diagnosis key uploads by outcome", "outcome")

	m.queueSize = m.gauge("queue_size", "Current size of the persistence queue")
	m.queueCapacity = m.gauge("queue_capacity", "Capacity of the persistence queue")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Summaries accepted by the persistence queue")
	m.queueDequeued = m.counter("queue_dequeued_total", "Summaries handed to persistence workers")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Rejected enqueues by reason", "reason")
	m.workerActiveCount = m.gauge("worker_active_count", "Number of persistence workers")
	m.workerErrors = m.counter("worker_errors_total", "Persistence failures in workers")
	m.persistLatency = m.histogram("persist_latency_milliseconds", "Store append latency in milliseconds", m.histogramBuckets)
	m.summariesPersisted = m.counter("summaries_persisted_total", "Scan summaries written to the store")

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_requests_total",
		Help:        "Total number of HTTP requests by endpoint and method",
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_milliseconds",
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")
	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Allocated heap bytes")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Number of goroutines")
}

// UpdatePeersByState replaces the per-state peer gauge.
func UpdatePeersByState(counts map[string]int) {
	globalManager.peersByState.Reset()
	for state, n := range counts {
		globalManager.peersByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordDiscoveryEvent increments the discovery counter.
func RecordDiscoveryEvent() { globalManager.discoveryEvents.Inc() }

// RecordConnectAttempt increments the connect attempt counter.
func RecordConnectAttempt() { globalManager.connectAttempts.Inc() }

// RecordConnectFailure counts a per-peer failure.
func RecordConnectFailure(reason string) {
	globalManager.connectFailures.WithLabelValues(reason).Inc()
}

// RecordPeerMerge increments the merge counter.
func RecordPeerMerge() { globalManager.peerMerges.Inc() }

// RecordPeerEvicted increments the eviction counter.
func RecordPeerEvicted() { globalManager.peersEvicted.Inc() }

// RecordIdentifierRotation increments the rotation counter.
func RecordIdentifierRotation() { globalManager.identifierRotations.Inc() }

// RecordDetectionRun counts a finished detection run and its duration.
func RecordDetectionRun(outcome string, seconds float64) {
	globalManager.detectionRuns.WithLabelValues(outcome).Inc()
	globalManager.detectionDuration.Observe(seconds)
}

// RecordExposuresDetected adds n emitted exposures.
func RecordExposuresDetected(n int) { globalManager.exposuresDetected.Add(float64(n)) }

// RecordBatchDownloaded increments the downloaded batch counter.
func RecordBatchDownloaded() { globalManager.batchesDownloaded.Inc() }

// RecordUpload counts an upload by outcome.
func RecordUpload(outcome string) { globalManager.uploads.WithLabelValues(outcome).Inc() }

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the configured queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue increments accepted enqueues.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments dequeues.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError counts a rejected enqueue.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerActiveCount sets the number of persistence workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActiveCount.Set(float64(count)) }

// RecordWorkerError increments worker failures.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordPersistLatency records store append latency in milliseconds.
func RecordPersistLatency(latencyMs float64) { globalManager.persistLatency.Observe(latencyMs) }

// RecordSummaryPersisted increments persisted summaries.
func RecordSummaryPersisted() { globalManager.summariesPersisted.Inc() }

// RecordHTTPRequest records HTTP request count.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent counts an error by component and type.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets allocated heap bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
