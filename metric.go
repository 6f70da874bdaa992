package crossfeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics observes a Processor. NewMetrics returns the Prometheus
// implementation; the default records nothing.
type Metrics interface {
	Register(r prometheus.Registerer) error
	// Handling a handler call started.
	Handling()
	// Handled a handler call returned; items is the number of changes.
	Handled(items int, err error)
	// Checkpointed a continuation token was saved.
	Checkpointed()
	// Retried a transient feed failure is being retried.
	Retried()
	// Idle every range is caught up.
	Idle()
}

var (
	_ Metrics = (*metrics)(nil)
	_ Metrics = dummyMetrics{}
)

type dummyMetrics struct{}

type metrics struct {
	changes      prometheus.Counter
	handled      prometheus.Counter
	failed       prometheus.Counter
	handling     prometheus.Gauge
	checkpointed prometheus.Counter
	retried      prometheus.Counter
	idle         prometheus.Counter
}

// NewMetrics creates Prometheus metrics for a processor. The name becomes
// the metric subsystem.
func NewMetrics(namespace, name string) Metrics {
	if namespace == "" {
		namespace = "crossfeed"
	}
	counter := func(metric, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      metric,
			Help:      help,
		})
	}
	return &metrics{
		changes: counter("changes_total", "Total changes handed to the handler"),
		handled: counter("handled_total", "Total handler calls that succeeded"),
		failed:  counter("handler_errors_total", "Total handler calls that failed"),
		handling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: name,
			Name:      "handling_count",
			Help:      "Count of handler calls in progress",
		}),
		checkpointed: counter("checkpoints_total", "Total continuation tokens saved"),
		retried:      counter("retries_total", "Total transient feed failures retried"),
		idle:         counter("idle_total", "Total times every range was caught up"),
	}
}

// Register registers every collector, joining the failures.
func (m *metrics) Register(r prometheus.Registerer) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var mErr error
	for _, c := range []prometheus.Collector{m.changes, m.handled, m.failed, m.handling, m.checkpointed, m.retried, m.idle} {
		if err := r.Register(c); err != nil {
			mErr = multierr.Append(mErr, err)
		}
	}
	return mErr
}

func (m *metrics) Handling() {
	m.handling.Inc()
}

func (m *metrics) Handled(items int, err error) {
	m.handling.Dec()
	if err != nil {
		m.failed.Inc()
		return
	}
	m.handled.Inc()
	m.changes.Add(float64(items))
}

func (m *metrics) Checkpointed() {
	m.checkpointed.Inc()
}

func (m *metrics) Retried() {
	m.retried.Inc()
}

func (m *metrics) Idle() {
	m.idle.Inc()
}

func (dummyMetrics) Register(prometheus.Registerer) error { return nil }
func (dummyMetrics) Handling()                            {}
func (dummyMetrics) Handled(int, error)                   {}
func (dummyMetrics) Checkpointed()                        {}
func (dummyMetrics) Retried()                             {}
func (dummyMetrics) Idle()                                {}
