package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batchqueue"

type MetricsFn interface {
	IncJobsSubmitted(queue string)
	IncJobsSucceeded(queue string)
	IncJobsFailed(queue, reason string)
	IncAttempts(queue string)

	SetQueueDepth(queue string, depth int)

	IncInflight()
	DecInflight()

	ObserveDispatchPass(d time.Duration)
}

type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsSucceeded *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	attempts      *prometheus.CounterVec

	queueDepth *prometheus.GaugeVec
	inflight   prometheus.Gauge

	dispatchPass prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by submit.",
		}, []string{"queue"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Jobs that reached SUCCEEDED.",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached FAILED, by reason.",
		}, []string{"queue", "reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Execution attempts started.",
		}, []string{"queue"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for dispatch.",
		}, []string{"queue"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight",
			Help:      "Jobs handed to an execution strategy and not yet terminal.",
		}),
		dispatchPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_pass_seconds",
			Help:      "Duration of one dispatch pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.jobsSubmitted,
		m.jobsSucceeded,
		m.jobsFailed,
		m.attempts,
		m.queueDepth,
		m.inflight,
		m.dispatchPass,
	)
	return m
}

// counters
func (m *Metrics) IncJobsSubmitted(queue string) { m.jobsSubmitted.WithLabelValues(queue).Inc() }
func (m *Metrics) IncJobsSucceeded(queue string) { m.jobsSucceeded.WithLabelValues(queue).Inc() }
func (m *Metrics) IncJobsFailed(queue, reason string) {
	m.jobsFailed.WithLabelValues(queue, reason).Inc()
}
func (m *Metrics) IncAttempts(queue string) { m.attempts.WithLabelValues(queue).Inc() }

// gauges
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
func (m *Metrics) IncInflight() { m.inflight.Inc() }
func (m *Metrics) DecInflight() { m.inflight.Dec() }

func (m *Metrics) ObserveDispatchPass(d time.Duration) { m.dispatchPass.Observe(d.Seconds()) }

// Registry exposes the collectors, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Http handler

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncJobsSubmitted(string)           {}
func (Nop) IncJobsSucceeded(string)           {}
func (Nop) IncJobsFailed(string, string)      {}
func (Nop) IncAttempts(string)                {}
func (Nop) SetQueueDepth(string, int)         {}
func (Nop) IncInflight()                      {}
func (Nop) DecInflight()                      {}
func (Nop) ObserveDispatchPass(time.Duration) {}
