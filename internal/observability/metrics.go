package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SynthesizeDuration tracks end-to-end synthesize request latency as
	// observed by the gateway, from selection through the worker's response.
	SynthesizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicecluster_synthesize_duration_seconds",
			Help:    "Duration of forwarded synthesize requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"engine", "status"},
	)

	// SynthesizeRequests counts synthesize requests by outcome.
	SynthesizeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_synthesize_requests_total",
			Help: "Total number of synthesize requests by engine and outcome",
		},
		[]string{"engine", "status"},
	)

	// BatchSynthesizeItems tracks per-item outcomes within batch requests.
	BatchSynthesizeItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_batch_synthesize_items_total",
			Help: "Total number of batch synthesize items by outcome",
		},
		[]string{"outcome"},
	)

	// ExtractVoiceRequests counts voice-enrollment requests by outcome.
	ExtractVoiceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_extract_voice_requests_total",
			Help: "Total number of extract_voice requests by engine and outcome",
		},
		[]string{"engine", "status"},
	)

	// RegistryNodes tracks the current worker count by engine and state.
	RegistryNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voicecluster_registry_nodes",
			Help: "Current number of registered worker nodes by engine and state",
		},
		[]string{"engine", "state"},
	)

	// RegistryEvents counts membership/lifecycle events fanned out by the registry.
	RegistryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_registry_events_total",
			Help: "Total number of registry events emitted",
		},
		[]string{"event_type"},
	)

	// RateLimitRejections counts rejections by limiter layer.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"layer"},
	)

	// ConcurrentRequests tracks the gateway's in-flight concurrency gauge.
	ConcurrentRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecluster_concurrent_requests",
			Help: "Current number of in-flight API requests admitted by the concurrency semaphore",
		},
	)

	// BroadcastClients tracks connected WebSocket dashboard clients.
	BroadcastClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecluster_broadcast_clients",
			Help: "Number of currently connected WebSocket dashboard clients",
		},
	)

	// BroadcastEventsSent counts events fanned out over the WebSocket hub.
	BroadcastEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_broadcast_events_total",
			Help: "Total number of events sent over the WebSocket hub",
		},
		[]string{"event_type"},
	)

	// VoiceChecksumVerifications tracks voice-artifact checksum outcomes.
	VoiceChecksumVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicecluster_voice_checksum_verifications_total",
			Help: "Total number of voice artifact checksum verifications",
		},
		[]string{"result"},
	)

	// WorkerConcurrency tracks a worker's own in-flight inference count.
	WorkerConcurrency = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicecluster_worker_concurrent_requests",
			Help: "Current number of in-flight inference calls on this worker",
		},
	)
)

// Metrics provides a narrow facade over the package-level collectors so
// collaborators depend on an interface-sized type instead of importing
// prometheus directly, mirroring the teacher's Metrics wrapper.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSynthesize records a completed synthesize request.
func (m *Metrics) RecordSynthesize(engine, status string, seconds float64) {
	SynthesizeDuration.WithLabelValues(engine, status).Observe(seconds)
	SynthesizeRequests.WithLabelValues(engine, status).Inc()
}

// RecordRegistryEvent increments the event counter for eventType.
func (m *Metrics) RecordRegistryEvent(eventType string) {
	RegistryEvents.WithLabelValues(eventType).Inc()
}

// RecordRateLimitRejection increments the rejection counter for layer.
func (m *Metrics) RecordRateLimitRejection(layer string) {
	RateLimitRejections.WithLabelValues(layer).Inc()
}

// SetRegistryGauge sets the node gauge for an engine/state pair.
func (m *Metrics) SetRegistryGauge(engine, state string, count float64) {
	RegistryNodes.WithLabelValues(engine, state).Set(count)
}

// SetBroadcastClients sets the connected-client gauge.
func (m *Metrics) SetBroadcastClients(count float64) {
	BroadcastClients.Set(count)
}

// RecordBroadcastEvent increments the sent-event counter for eventType.
func (m *Metrics) RecordBroadcastEvent(eventType string) {
	BroadcastEventsSent.WithLabelValues(eventType).Inc()
}

// RecordExtractVoice records a completed extract_voice request.
func (m *Metrics) RecordExtractVoice(engine, status string) {
	ExtractVoiceRequests.WithLabelValues(engine, status).Inc()
}

// RecordBatchSynthesizeItem increments the batch-item outcome counter.
func (m *Metrics) RecordBatchSynthesizeItem(outcome string) {
	BatchSynthesizeItems.WithLabelValues(outcome).Inc()
}

// SetConcurrentRequests sets the gateway's in-flight request gauge.
func (m *Metrics) SetConcurrentRequests(count float64) {
	ConcurrentRequests.Set(count)
}
