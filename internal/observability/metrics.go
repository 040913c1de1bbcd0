package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "chat"
	streamingSubsystem = "streaming"
)

// StreamingMetrics instruments chat turns. A nil *StreamingMetrics is valid
// and records nothing.
type StreamingMetrics struct {
	TurnsTotal                *prometheus.CounterVec
	ActiveStreams             prometheus.Gauge
	TimeToFirstFragmentSeconds prometheus.Histogram
	StreamDurationSeconds     *prometheus.HistogramVec
	FragmentsTotal            prometheus.Counter
	KeepAlivesTotal           prometheus.Counter
	ClientDisconnectsTotal    prometheus.Counter
}

func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)

	return &StreamingMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "turns_total",
				Help:      "Chat turns by outcome",
			},
			[]string{"outcome"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of model streams in progress",
			},
		),
		TimeToFirstFragmentSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from stream start to first model fragment",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration by outcome",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		FragmentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Model fragments forwarded to clients",
			},
		),
		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Keep-alive comments written to event streams",
			},
		),
		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Streams abandoned by the client before the terminal event",
			},
		),
	}
}

func (m *StreamingMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *StreamingMetrics) FirstFragment(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.Observe(elapsed.Seconds())
}

func (m *StreamingMetrics) Fragment() {
	if m == nil {
		return
	}
	m.FragmentsTotal.Inc()
}

func (m *StreamingMetrics) StreamFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.StreamDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *StreamingMetrics) KeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

func (m *StreamingMetrics) ClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}
