package recorder

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes counted by Metrics.
const (
	OutcomeRecorded     = "recorded"
	OutcomeParked       = "parked"
	OutcomeFiltered     = "filtered"
	OutcomeDecodeFailed = "decode_failed"
	OutcomeLostReleased = "lost_released"
	OutcomeEvicted      = "evicted"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRecordFailed = "record_failed"
)

// Metrics exposes Prometheus collectors for the recorder.
type Metrics struct {
	events *prometheus.CounterVec
	parked prometheus.Gauge
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
// that are already registered are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runrecorder",
		Subsystem: "recorder",
		Name:      "events_total",
		Help:      "Task run events by outcome.",
	}, []string{"outcome"})
	parked := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runrecorder",
		Subsystem: "recorder",
		Name:      "parked_events",
		Help:      "Events waiting for their predecessor.",
	})

	if err := reg.Register(events); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		events = already.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(parked); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		parked = already.ExistingCollector.(prometheus.Gauge)
	}
	return &Metrics{events: events, parked: parked}
}

// Inc counts one event with the given outcome.
func (m *Metrics) Inc(outcome string) {
	m.Add(outcome, 1)
}

// Add counts n events with the given outcome.
func (m *Metrics) Add(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(outcome).Add(float64(n))
}

// SetParked records the size of the holding area.
func (m *Metrics) SetParked(n int) {
	if m == nil {
		return
	}
	m.parked.Set(float64(n))
}
