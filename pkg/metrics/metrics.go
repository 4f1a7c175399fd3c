// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BackendRequestsTotal tracks calls made to the assistant backend.
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Requests sent to the assistant backend",
		},
		[]string{"op", "status"},
	)

	// SessionsTotal tracks finished chat streaming sessions.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sessions_total",
			Help: "Chat streaming sessions by outcome",
		},
		[]string{"outcome"},
	)

	// SessionDuration tracks chat streaming session duration.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_session_duration_seconds",
			Help:    "Chat streaming session duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// StreamEventsTotal tracks events dispatched to session handlers.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_events_total",
			Help: "Stream events dispatched to handlers",
		},
		[]string{"kind"},
	)

	// StreamAnomaliesTotal tracks protocol anomalies seen in streams.
	StreamAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_anomalies_total",
			Help: "Protocol anomalies seen while decoding or dispatching streams",
		},
		[]string{"kind"},
	)

	// SSEConnectionsActive tracks active downstream SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// AuditEventsPublished tracks session events written to the audit log.
	AuditEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_published_total",
			Help: "Session events published to the audit stream",
		},
		[]string{"kind", "status"},
	)
)

// Anomaly kinds.
const (
	AnomalyDecodeError     = "decode_error"
	AnomalyUnknownEvent    = "unknown_event"
	AnomalyOrphanData      = "orphan_data"
	AnomalyOrphanResult    = "orphan_tool_result"
	AnomalyDuplicateMeta   = "duplicate_metadata"
	AnomalyTrailingPartial = "trailing_partial"
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBackendRequest records the outcome of one backend call.
func RecordBackendRequest(op, status string) {
	BackendRequestsTotal.WithLabelValues(op, status).Inc()
}

// RecordSession records metrics for a finished chat session.
func RecordSession(outcome string, duration float64) {
	SessionsTotal.WithLabelValues(outcome).Inc()
	SessionDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordStreamEvent counts an event dispatched to a handler.
func RecordStreamEvent(kind string) {
	StreamEventsTotal.WithLabelValues(kind).Inc()
}

// RecordAnomaly counts a protocol anomaly.
func RecordAnomaly(kind string) {
	StreamAnomaliesTotal.WithLabelValues(kind).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
