package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Metrics holds the chat engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
//
//   - companion_turns_total{sender} - turns persisted
//   - companion_stream_errors_total - completion streams that failed
//   - companion_stream_chunks - fragments received per completion
//   - companion_summaries_total{result} - summarization outcomes
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	StreamErrorsTotal prometheus.Counter
	StreamChunks      prometheus.Histogram
	SummariesTotal    *prometheus.CounterVec
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_turns_total",
				Help: "Total number of chat turns persisted",
			},
			[]string{"sender"},
		),
		StreamErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "companion_stream_errors_total",
			Help: "Total number of completion streams that ended in error",
		}),
		StreamChunks: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "companion_stream_chunks",
			Help:    "Number of content fragments received per completion stream",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SummariesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_summaries_total",
				Help: "Total number of summarization attempts by result",
			},
			[]string{"result"}, // "ok", "error", "skipped"
		),
	}
}

// Default returns the process-wide collectors on the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) TurnPersisted(sender string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(sender).Inc()
}

func (m *Metrics) StreamFailed() {
	if m == nil {
		return
	}
	m.StreamErrorsTotal.Inc()
}

func (m *Metrics) StreamFinished(chunks int) {
	if m == nil {
		return
	}
	m.StreamChunks.Observe(float64(chunks))
}

func (m *Metrics) Summary(result string) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(result).Inc()
}
