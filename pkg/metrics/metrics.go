// Package metrics exports bot telemetry in Prometheus format. A single
// Metrics value is constructed at startup and passed into the components
// that record to it; nothing in this package is process-global.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all registered collectors for the bot.
type Metrics struct {
	registry *prometheus.Registry

	// Update pipeline
	updates          *prometheus.CounterVec
	addressed        prometheus.Counter
	handleLatency    prometheus.Histogram
	throttleDenied   prometheus.Counter
	reputationRuns   prometheus.Counter
	noticesSent      *prometheus.CounterVec
	extractionQueued prometheus.Counter
	extractionDrops  prometheus.Counter

	// Upstream model
	generateRequests *prometheus.CounterVec
	generateLatency  *prometheus.HistogramVec
	embedRequests    *prometheus.CounterVec
	embedLatency     prometheus.Histogram
	toolCalls        *prometheus.CounterVec
	circuitState     prometheus.Gauge

	// Facts
	factsExtracted *prometheus.CounterVec
	factsPersisted prometheus.Counter

	// Resource monitor
	memoryPercent prometheus.Gauge
	cpuPercent    prometheus.Gauge
	optimizeLevel prometheus.Gauge

	// Caches
	cacheEntries *prometheus.GaugeVec
}

// Config configures the metrics registry.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// New creates a Metrics value with all collectors registered.
func New(cfg Config) *Metrics {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "handler",
			Name:      "updates_total",
			Help:      "Inbound updates by outcome",
		},
		[]string{"outcome"},
	)

	m.addressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "handler",
			Name:      "addressed_total",
			Help:      "Updates that triggered a generation attempt",
		},
	)

	m.handleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "balakun",
			Subsystem: "handler",
			Name:      "latency_seconds",
			Help:      "End-to-end latency for addressed updates",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	m.throttleDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "throttle",
			Name:      "denied_total",
			Help:      "Requests denied by the adaptive throttle",
		},
	)

	m.reputationRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "throttle",
			Name:      "reputation_updates_total",
			Help:      "Background reputation recomputations",
		},
	)

	m.noticesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "handler",
			Name:      "notices_total",
			Help:      "User-visible notices by reason",
		},
		[]string{"reason"},
	)

	m.extractionQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "facts",
			Name:      "extraction_queued_total",
			Help:      "Messages enqueued for fact extraction",
		},
	)

	m.extractionDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "facts",
			Name:      "extraction_dropped_total",
			Help:      "Extraction jobs dropped because the queue was full",
		},
	)

	m.generateRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "gemini",
			Name:      "generate_requests_total",
			Help:      "Generation requests by model and status",
		},
		[]string{"model", "status"},
	)

	m.generateLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "balakun",
			Subsystem: "gemini",
			Name:      "generate_latency_seconds",
			Help:      "Generation request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model"},
	)

	m.embedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "gemini",
			Name:      "embed_requests_total",
			Help:      "Embedding requests by status",
		},
		[]string{"status"},
	)

	m.embedLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "balakun",
			Subsystem: "gemini",
			Name:      "embed_latency_seconds",
			Help:      "Embedding request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "gemini",
			Name:      "tool_calls_total",
			Help:      "Tool invocations requested by the model",
		},
		[]string{"tool", "status"},
	)

	m.circuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "balakun",
			Subsystem: "gemini",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	m.factsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "facts",
			Name:      "extracted_total",
			Help:      "Fact candidates produced by extraction method",
		},
		[]string{"method"},
	)

	m.factsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "balakun",
			Subsystem: "facts",
			Name:      "persisted_total",
			Help:      "Fact rows written or reinforced",
		},
	)

	m.memoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "balakun",
			Subsystem: "resource",
			Name:      "memory_percent",
			Help:      "Host memory usage percent",
		},
	)

	m.cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "balakun",
			Subsystem: "resource",
			Name:      "cpu_percent",
			Help:      "Host CPU usage percent",
		},
	)

	m.optimizeLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "balakun",
			Subsystem: "resource",
			Name:      "optimization_level",
			Help:      "Resource optimizer level (0 normal, 1 optimized, 2 emergency)",
		},
	)

	m.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "balakun",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live entries per in-memory cache",
		},
		[]string{"cache"},
	)

	registry.MustRegister(
		m.updates,
		m.addressed,
		m.handleLatency,
		m.throttleDenied,
		m.reputationRuns,
		m.noticesSent,
		m.extractionQueued,
		m.extractionDrops,
		m.generateRequests,
		m.generateLatency,
		m.embedRequests,
		m.embedLatency,
		m.toolCalls,
		m.circuitState,
		m.factsExtracted,
		m.factsPersisted,
		m.memoryPercent,
		m.cpuPercent,
		m.optimizeLevel,
		m.cacheEntries,
	)

	return m
}

// Update outcomes recorded by RecordUpdate.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeBanned    = "banned"
	OutcomeThrottled = "throttled"
	OutcomeFailed    = "failed"
)

// RecordUpdate records one inbound update with its final outcome.
func (m *Metrics) RecordUpdate(outcome string) {
	m.updates.WithLabelValues(outcome).Inc()
}

// RecordAddressed records an update that passed the addressing gate,
// together with its end-to-end handling latency.
func (m *Metrics) RecordAddressed(latency time.Duration) {
	m.addressed.Inc()
	m.handleLatency.Observe(latency.Seconds())
}

// RecordThrottleDenied counts a quota denial.
func (m *Metrics) RecordThrottleDenied() {
	m.throttleDenied.Inc()
}

// RecordReputationUpdate counts one reputation recomputation.
func (m *Metrics) RecordReputationUpdate() {
	m.reputationRuns.Inc()
}

// RecordNotice counts a user-visible notice by reason.
func (m *Metrics) RecordNotice(reason string) {
	m.noticesSent.WithLabelValues(reason).Inc()
}

// RecordExtractionQueued counts a message handed to the extraction pool.
func (m *Metrics) RecordExtractionQueued() {
	m.extractionQueued.Inc()
}

// RecordExtractionDropped counts a job dropped on a full queue.
func (m *Metrics) RecordExtractionDropped() {
	m.extractionDrops.Inc()
}

// RecordGenerate records one generation request.
func (m *Metrics) RecordGenerate(model string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.generateRequests.WithLabelValues(model, status).Inc()
	m.generateLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordEmbed records one embedding request.
func (m *Metrics) RecordEmbed(latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.embedRequests.WithLabelValues(status).Inc()
	m.embedLatency.Observe(latency.Seconds())
}

// RecordToolCall records one tool invocation requested by the model.
func (m *Metrics) RecordToolCall(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

// SetCircuitState publishes the breaker state as a gauge.
func (m *Metrics) SetCircuitState(state int) {
	m.circuitState.Set(float64(state))
}

// RecordFactsExtracted counts candidates by extraction method.
func (m *Metrics) RecordFactsExtracted(method string, count int) {
	if count > 0 {
		m.factsExtracted.WithLabelValues(method).Add(float64(count))
	}
}

// RecordFactPersisted counts one fact row written or reinforced.
func (m *Metrics) RecordFactPersisted() {
	m.factsPersisted.Inc()
}

// SetResourceUsage publishes the latest monitor sample.
func (m *Metrics) SetResourceUsage(memPercent, cpuPercent float64) {
	m.memoryPercent.Set(memPercent)
	m.cpuPercent.Set(cpuPercent)
}

// SetOptimizationLevel publishes the optimizer level.
func (m *Metrics) SetOptimizationLevel(level int) {
	m.optimizeLevel.Set(float64(level))
}

// SetCacheEntries publishes the live entry count for a named cache.
func (m *Metrics) SetCacheEntries(cache string, count int) {
	m.cacheEntries.WithLabelValues(cache).Set(float64(count))
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
