// Package metrics provides Prometheus metrics for deskcast.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "deskcast"
)

// Drop reasons for DatagramsDropped.
const (
	DropOversized    = "oversized"
	DropMalformed    = "malformed"
	DropNotInitial   = "not_initial"
	DropInvalidToken = "invalid_token"
	DropRateLimited  = "rate_limited"
	DropRegistryFull = "registry_full"
	DropAcceptFailed = "accept_failed"
)

// Removal reasons for SessionsRemoved.
const (
	RemoveClosed   = "closed"
	RemoveIdle     = "idle"
	RemoveShutdown = "shutdown"
	RemovePanic    = "panic"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved *prometheus.CounterVec

	// Gatekeeper metrics
	RetriesSent         prometheus.Counter
	RetriesRateLimited  prometheus.Counter
	TokensRejected      prometheus.Counter
	VersionNegotiations prometheus.Counter

	// Datagram metrics
	DatagramsReceived prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	PacketsSent       prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	IngestErrors      prometheus.Counter
	EgressErrors      prometheus.Counter

	// Media metrics
	FramesCaptured  prometheus.Counter
	FramesDelivered prometheus.Counter
	FramesDropped   prometheus.Counter
	MediaRequests   *prometheus.CounterVec

	// Scheduler metrics
	TickDuration  prometheus.Histogram
	SessionPanics prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions in the connection registry",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions created after token validation",
		}),
		SessionsRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_removed_total",
			Help:      "Total sessions removed by reason",
		}, []string{"reason"}),

		// Gatekeeper metrics
		RetriesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_sent_total",
			Help:      "Total Retry packets sent to unvalidated clients",
		}),
		RetriesRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_rate_limited_total",
			Help:      "Total first-contact datagrams dropped by the retry rate limiter",
		}),
		TokensRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_rejected_total",
			Help:      "Total datagrams carrying an invalid retry token",
		}),
		VersionNegotiations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_negotiations_total",
			Help:      "Total Version Negotiation packets sent",
		}),

		// Datagram metrics
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from the socket",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total datagrams written to the socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the socket",
		}),
		IngestErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Total datagrams rejected by an existing session",
		}),
		EgressErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_errors_total",
			Help:      "Total session egress passes ended by a send or write failure",
		}),

		// Media metrics
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total frames produced by the capture source",
		}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Total frames written into media streams",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped for media streams with pending bytes",
		}),
		MediaRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_requests_total",
			Help:      "Total application requests by result",
		}, []string{"result"}),

		// Scheduler metrics
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Histogram of scheduling tick duration",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		}),
		SessionPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_panics_total",
			Help:      "Total panics recovered while driving a session",
		}),
	}

	return m
}

// RecordSessionCreated records a session inserted into the registry.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionRemoved records a session removed from the registry.
func (m *Metrics) RecordSessionRemoved(reason string) {
	m.SessionsActive.Dec()
	m.SessionsRemoved.WithLabelValues(reason).Inc()
}

// RecordDrop records a dropped datagram.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordReceived records a datagram read from the socket.
func (m *Metrics) RecordReceived(bytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordSent records datagrams written to the socket.
func (m *Metrics) RecordSent(packets int, bytes int) {
	m.PacketsSent.Add(float64(packets))
	m.BytesSent.Add(float64(bytes))
}

// RecordMediaRequest records the result of an application request.
func (m *Metrics) RecordMediaRequest(result string) {
	m.MediaRequests.WithLabelValues(result).Inc()
}

// RecordTick records the duration of one scheduling tick.
func (m *Metrics) RecordTick(seconds float64) {
	m.TickDuration.Observe(seconds)
}
