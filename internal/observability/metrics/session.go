package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics tracks streaming session lifecycle and per-frame processing.
type SessionMetrics struct {
	ActiveSessions   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	FramesProcessed  prometheus.Counter
	DetectionsTotal  prometheus.Counter
	FrameLatency     prometheus.Histogram
	DeliveryFailures prometheus.Counter
	PresenceChanges  prometheus.Counter
	registry         *prometheus.Registry
}

// NewSessionMetrics creates a new instance of SessionMetrics and registers it.
func NewSessionMetrics(registry *prometheus.Registry) (*SessionMetrics, error) {
	m := &SessionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register session metrics: %w", err)
	}
	return m, nil
}

func (m *SessionMetrics) initMetrics() {
	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_sessions_active",
		Help: "Number of streaming sessions currently running.",
	})

	m.SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sessions_total",
		Help: "Total number of finished streaming sessions by end reason.",
	}, []string{"reason"})

	m.FramesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_frames_processed_total",
		Help: "Total number of frames run through the detector.",
	})

	m.DetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_detections_total",
		Help: "Total number of accepted detection events.",
	})

	m.FrameLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_frame_latency_seconds",
		Help:    "Time from frame acquisition to message delivery in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	m.DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_delivery_failures_total",
		Help: "Total number of messages the client could not receive.",
	})

	m.PresenceChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_prediction_changes_total",
		Help: "Total number of times a session's predicted label changed.",
	})
}

// SessionStarted marks a session as running.
func (m *SessionMetrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded marks a session as closed for the given reason.
func (m *SessionMetrics) SessionEnded(reason string) {
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

// FrameProcessed records one loop iteration that produced a message.
func (m *SessionMetrics) FrameProcessed(latency time.Duration, detections int) {
	m.FramesProcessed.Inc()
	m.DetectionsTotal.Add(float64(detections))
	m.FrameLatency.Observe(latency.Seconds())
}

// DeliveryFailed records a message that could not be sent.
func (m *SessionMetrics) DeliveryFailed() {
	m.DeliveryFailures.Inc()
}

// PredictionChanged records a change of the predicted label.
func (m *SessionMetrics) PredictionChanged() {
	m.PresenceChanges.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *SessionMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.ActiveSessions
	m.SessionsTotal.Collect(ch)
	ch <- m.FramesProcessed
	ch <- m.DetectionsTotal
	ch <- m.FrameLatency
	ch <- m.DeliveryFailures
	ch <- m.PresenceChanges
}

// Describe implements the prometheus.Collector interface.
func (m *SessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.ActiveSessions.Desc()
	m.SessionsTotal.Describe(ch)
	ch <- m.FramesProcessed.Desc()
	ch <- m.DetectionsTotal.Desc()
	ch <- m.FrameLatency.Desc()
	ch <- m.DeliveryFailures.Desc()
	ch <- m.PresenceChanges.Desc()
}
