package concurrency

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for slot accounting.
type Metrics struct {
	increments *prometheus.CounterVec
	releases   *prometheus.CounterVec
	occupancy  *prometheus.HistogramVec
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
	increments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runrecorder",
		Subsystem: "concurrency",
		Name:      "increments_total",
		Help:      "Slot increment requests by result.",
	}, []string{"result"})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runrecorder",
		Subsystem: "concurrency",
		Name:      "releases_total",
		Help:      "Slots released by decrements, per tag.",
	}, []string{"tag"})
	occupancy := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runrecorder",
		Subsystem: "concurrency",
		Name:      "slot_occupancy_seconds",
		Help:      "Caller-reported time a released slot was occupied.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"tag"})

	if err := reg.Register(increments); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		increments = already.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(releases); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		releases = already.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(occupancy); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		occupancy = already.ExistingCollector.(*prometheus.HistogramVec)
	}
	return &Metrics{increments: increments, releases: releases, occupancy: occupancy}
}

func (m *Metrics) incIncrement(result string) {
	if m == nil {
		return
	}
	m.increments.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRelease(tag string, occupancySeconds float64) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(tag).Inc()
	m.occupancy.WithLabelValues(tag).Observe(occupancySeconds)
}
