// Package metrics exposes recorder and replay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keelson"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so packages can take one unconditionally.
type Metrics struct {
	QueueDepth      prometheus.Gauge
	MessagesWritten prometheus.Counter
	BytesWritten    prometheus.Counter
	Skipped         *prometheus.CounterVec
	Rotations       prometheus.Counter
	Published       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "queue_depth",
			Help:      "Samples waiting for the writer",
		}),
		MessagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "messages_written_total",
			Help:      "Messages written to output files",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "bytes_written_total",
			Help:      "Bytes accounted to output files",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "skipped_total",
			Help:      "Records skipped, partitioned by reason",
		}, []string{"reason"}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "rotations_total",
			Help:      "Completed file rotations",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "published_total",
			Help:      "Messages republished by replay",
		}),
	}
	reg.MustRegister(m.QueueDepth, m.MessagesWritten, m.BytesWritten, m.Skipped, m.Rotations, m.Published)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) Written(bytes int) {
	if m != nil {
		m.MessagesWritten.Inc()
		m.BytesWritten.Add(float64(bytes))
	}
}

func (m *Metrics) Skip(reason string) {
	if m != nil {
		m.Skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Rotated() {
	if m != nil {
		m.Rotations.Inc()
	}
}

func (m *Metrics) Publish() {
	if m != nil {
		m.Published.Inc()
	}
}
