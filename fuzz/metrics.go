package fuzz

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "beak"

// Metricer receives loop events. All calls happen on the loop goroutine.
type Metricer interface {
	RecordExecution(phase string, verdict Verdict, timedOut bool, elapsed time.Duration)
	RecordStep(arm string, reward float64)
	RecordNovel(corpusSize int)
	RecordBug(kind string)
	RecordSkip(reason string)
}

type noopMetrics struct{}

// NoopMetrics discards every event.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordExecution(string, Verdict, bool, time.Duration) {}
func (noopMetrics) RecordStep(string, float64)                           {}
func (noopMetrics) RecordNovel(int)                                      {}
func (noopMetrics) RecordBug(string)                                     {}
func (noopMetrics) RecordSkip(string)                                    {}

// Metrics exports loop events to prometheus.
type Metrics struct {
	registry *prometheus.Registry

	executions *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	duration   prometheus.Histogram
	steps      *prometheus.CounterVec
	rewards    *prometheus.CounterVec
	novel      prometheus.Counter
	corpusSize prometheus.Gauge
	bugs       *prometheus.CounterVec
	skips      *prometheus.CounterVec
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Backend executions by loop phase and verdict",
		}, []string{"phase", "verdict"}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "timeouts_total",
			Help:      "Executions past the soft timeout, by loop phase",
		}, []string{"phase"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_seconds",
			Help:      "Wall-clock duration of backend executions",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_total",
			Help:      "Mutational steps by bandit arm",
		}, []string{"arm"}),
		rewards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reward_total",
			Help:      "Accumulated bandit reward by arm",
		}, []string{"arm"}),
		novel: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "novel_signatures_total",
			Help:      "Bucket signatures seen for the first time",
		}),
		corpusSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "corpus_size",
			Help:      "Entries in the corpus",
		}),
		bugs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bugs_total",
			Help:      "Bug records written, by kind",
		}, []string{"kind"}),
		skips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_total",
			Help:      "Skipped executions, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordExecution(phase string, verdict Verdict, timedOut bool, elapsed time.Duration) {
	m.executions.WithLabelValues(phase, string(verdict)).Inc()
	if timedOut {
		m.timeouts.WithLabelValues(phase).Inc()
	}
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordStep(arm string, reward float64) {
	m.steps.WithLabelValues(arm).Inc()
	if reward > 0 { // counters cannot decrease
		m.rewards.WithLabelValues(arm).Add(reward)
	}
}

func (m *Metrics) RecordNovel(corpusSize int) {
	m.novel.Inc()
	m.corpusSize.Set(float64(corpusSize))
}

func (m *Metrics) RecordBug(kind string) {
	m.bugs.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSkip(reason string) {
	m.skips.WithLabelValues(reason).Inc()
}
