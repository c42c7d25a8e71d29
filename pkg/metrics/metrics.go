package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatch pipeline metrics. Prometheus counters feed the
// /metrics endpoint; the atomic mirrors back the in-process snapshot that the
// health endpoint and tests read without scraping.
type Metrics struct {
	Received prometheus.Counter
	Sent     prometheus.Counter
	Failed   prometheus.Counter
	Retried  prometheus.Counter

	SendDuration prometheus.Histogram
	DLQPublished *prometheus.CounterVec

	received atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64
}

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	Received    int64   `json:"received"`
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Retried     int64   `json:"retried"`
	SuccessRate float64 `json:"success_rate"`
}

// New creates and registers all dispatch metrics under the given namespace.
func New(namespace string) *Metrics {
	return newWithRegisterer(namespace, nil)
}

// NewUnregistered creates metrics that are not registered with the default
// prometheus registry. Used by tests to avoid duplicate registration.
func NewUnregistered(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	return newWithRegisterer(namespace, reg)
}

func newWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(prometheus.DefaultRegisterer)
	if reg != nil {
		factory = promauto.With(reg)
	}

	return &Metrics{
		Received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of deliveries received from the broker",
		}),
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of emails sent successfully",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of messages dead-lettered",
		}),
		Retried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retried_total",
			Help:      "Total number of messages routed to a delay tier",
		}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent in the email sender call",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		DLQPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_published_total",
			Help:      "Messages published to the dead-letter queue by failure type",
		}, []string{"failure_type"}),
	}
}

func (m *Metrics) IncReceived() {
	m.Received.Inc()
	m.received.Add(1)
}

func (m *Metrics) IncSent() {
	m.Sent.Inc()
	m.sent.Add(1)
}

func (m *Metrics) IncFailed() {
	m.Failed.Inc()
	m.failed.Add(1)
}

func (m *Metrics) IncRetried() {
	m.Retried.Inc()
	m.retried.Add(1)
}

// GetSnapshot returns the current counter values with the derived success
// rate. The rate is zero until at least one delivery has been received.
func (m *Metrics) GetSnapshot() Snapshot {
	s := Snapshot{
		Received: m.received.Load(),
		Sent:     m.sent.Load(),
		Failed:   m.failed.Load(),
		Retried:  m.retried.Load(),
	}
	if s.Received > 0 {
		s.SuccessRate = float64(s.Sent) / float64(s.Received)
	}
	return s
}
