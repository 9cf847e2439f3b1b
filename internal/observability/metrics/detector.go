package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DetectorMetrics contains metrics for calls to the remote inference service.
type DetectorMetrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RawDetections   prometheus.Counter
	registry        *prometheus.Registry
}

// NewDetectorMetrics creates a new instance of DetectorMetrics and registers it.
func NewDetectorMetrics(registry *prometheus.Registry) (*DetectorMetrics, error) {
	m := &DetectorMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register detector metrics: %w", err)
	}
	return m, nil
}

func (m *DetectorMetrics) initMetrics() {
	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detector_requests_total",
		Help: "Total number of inference requests by result.",
	}, []string{"result"})

	m.RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detector_request_duration_seconds",
		Help:    "Round trip duration of inference requests in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	m.RawDetections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detector_raw_detections_total",
		Help: "Total number of raw detections returned by the inference service.",
	})
}

// InferenceCompleted records the outcome of a single inference call.
func (m *DetectorMetrics) InferenceCompleted(d time.Duration, detections int, err error) {
	m.RequestDuration.Observe(d.Seconds())
	if err != nil {
		m.Requests.WithLabelValues("error").Inc()
		return
	}
	m.Requests.WithLabelValues("ok").Inc()
	m.RawDetections.Add(float64(detections))
}

// Collect implements the prometheus.Collector interface.
func (m *DetectorMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	ch <- m.RequestDuration
	ch <- m.RawDetections
}

// Describe implements the prometheus.Collector interface.
func (m *DetectorMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	ch <- m.RequestDuration.Desc()
	ch <- m.RawDetections.Desc()
}
