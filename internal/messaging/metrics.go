package messaging

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Throughput is a point-in-time copy of a topic's counters.
type Throughput struct {
	Published    int64
	Consumed     int64
	Retried      int64
	DeadLettered int64
}

type topicCounters struct {
	published, consumed, retried, deadLettered atomic.Int64
}

// Metrics exposes Prometheus collectors that report broker activity per
// topic and keeps running totals for the periodic log line.
type Metrics struct {
	published    *prometheus.CounterVec
	consumed     *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	depth        *prometheus.GaugeVec

	mu     sync.Mutex
	totals map[string]*topicCounters
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics registered with the
// global Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics using the provided registerer. Collectors
// that are already registered are reused; any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runrecorder",
			Subsystem: "messaging",
			Name:      name,
			Help:      help,
		}, []string{"topic"})
	}
	m := &Metrics{
		published:    counter("published_total", "Messages published."),
		consumed:     counter("consumed_total", "Messages acknowledged by the handler."),
		retried:      counter("retried_total", "Deliveries that failed and were left for redelivery."),
		deadLettered: counter("dead_lettered_total", "Messages given up on after exhausting retries."),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runrecorder",
			Subsystem: "messaging",
			Name:      "depth",
			Help:      "Messages waiting or in flight.",
		}, []string{"topic"}),
		totals: make(map[string]*topicCounters),
	}

	for _, vec := range []**prometheus.CounterVec{&m.published, &m.consumed, &m.retried, &m.deadLettered} {
		if err := reg.Register(*vec); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			*vec = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := reg.Register(m.depth); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.depth = already.ExistingCollector.(*prometheus.GaugeVec)
	}
	return m
}

func (m *Metrics) topic(name string) *topicCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.totals[name]
	if !ok {
		tc = &topicCounters{}
		m.totals[name] = tc
	}
	return tc
}

// IncPublished counts a published message.
func (m *Metrics) IncPublished(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
	m.topic(topic).published.Add(1)
}

// IncConsumed counts an acknowledged message.
func (m *Metrics) IncConsumed(topic string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic).Inc()
	m.topic(topic).consumed.Add(1)
}

// IncRetried counts a failed delivery left for redelivery.
func (m *Metrics) IncRetried(topic string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(topic).Inc()
	m.topic(topic).retried.Add(1)
}

// IncDeadLettered counts a message given up on.
func (m *Metrics) IncDeadLettered(topic string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(topic).Inc()
	m.topic(topic).deadLettered.Add(1)
}

// SetDepth records the number of waiting messages.
func (m *Metrics) SetDepth(topic string, depth int64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(topic).Set(float64(depth))
}

// Snapshot returns the running totals for topic.
func (m *Metrics) Snapshot(topic string) Throughput {
	if m == nil {
		return Throughput{}
	}
	tc := m.topic(topic)
	return Throughput{
		Published:    tc.published.Load(),
		Consumed:     tc.consumed.Load(),
		Retried:      tc.retried.Load(),
		DeadLettered: tc.deadLettered.Load(),
	}
}
