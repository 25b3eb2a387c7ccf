// Package observability exports Prometheus metrics for decoded streams and
// chat replies.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codechat/internal/stream"
)

// Stream outcomes
const (
	OutcomeSentinel  = "sentinel"
	OutcomeEOF       = "eof"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
)

// Metrics records stream and reply statistics. It implements stream.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	streams   *prometheus.CounterVec
	chunks    prometheus.Counter
	bytes     prometheus.Counter
	fragments prometheus.Counter
	duration  prometheus.Histogram
	replies   *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWith(reg, reg)
}

// NewMetricsWith registers the collectors on reg and serves them from g.
func NewMetricsWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: g,
		streams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codechat",
			Name:      "streams_total",
			Help:      "Decoded upstream streams by outcome.",
		}, []string{"outcome"}),
		chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "codechat",
			Name:      "stream_chunks_total",
			Help:      "Body reads that returned data.",
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "codechat",
			Name:      "stream_bytes_total",
			Help:      "Bytes read from upstream stream bodies.",
		}),
		fragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "codechat",
			Name:      "stream_fragments_total",
			Help:      "Fragments decoded from assistant streams.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codechat",
			Name:      "stream_duration_seconds",
			Help:      "Time from decoder creation to completion.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codechat",
			Name:      "replies_total",
			Help:      "Chat replies by result.",
		}, []string{"result"}),
	}
}

// StreamCompleted implements stream.Observer.
func (m *Metrics) StreamCompleted(s stream.Summary) {
	m.streams.WithLabelValues(Outcome(s)).Inc()
	m.chunks.Add(float64(s.Chunks))
	m.bytes.Add(float64(s.Bytes))
	m.fragments.Add(float64(s.Fragments))
	m.duration.Observe(s.Duration.Seconds())
}

// ReplyFinished counts a chat reply. result is "ok", "failed" or "aborted".
func (m *Metrics) ReplyFinished(result string) {
	m.replies.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Outcome classifies a stream summary.
func Outcome(s stream.Summary) string {
	switch {
	case s.Err != nil:
		return OutcomeError
	case s.Abandoned:
		return OutcomeAbandoned
	case s.SawSentinel:
		return OutcomeSentinel
	default:
		return OutcomeEOF
	}
}
