package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sohio.net/snowgen/internal/snowflake"
)

// StatsSource is satisfied by *snowflake.Generator.
type StatsSource interface {
	Stats() snowflake.Stats
}

type Metrics struct {
	JournalFailures *prometheus.CounterVec
	MintBatchSize   prometheus.Histogram

	registry *prometheus.Registry
}

// New registers the generator counters and the service metrics on a
// dedicated registry. subscribers may be nil.
func New(gen StatsSource, subscribers func() int) *Metrics {
	m := &Metrics{
		JournalFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snowgen_journal_failures_total",
				Help: "Journal writes that failed, by reason",
			},
			[]string{"reason"},
		),
		MintBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snowgen_mint_batch_size",
				Help:    "Number of ids requested per mint call",
				Buckets: prometheus.ExponentialBuckets(1, 4, 6),
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.JournalFailures,
		m.MintBatchSize,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "snowgen_ids_issued_total",
				Help: "Ids issued by this generator",
			},
			func() float64 { return float64(gen.Stats().Issued) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "snowgen_sequence_exhausted_total",
				Help: "Times the per millisecond sequence ran out and the generator waited for the clock",
			},
			func() float64 { return float64(gen.Stats().SequenceExhausted) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "snowgen_clock_regressions_total",
				Help: "Clock readings earlier than the last issued id, each one a refused request",
			},
			func() float64 { return float64(gen.Stats().ClockRegressions) },
		),
		collectors.NewGoCollector(),
	)

	if subscribers != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "snowgen_subscribers",
				Help: "Connected websocket subscribers",
			},
			func() float64 { return float64(subscribers()) },
		))
	}

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
