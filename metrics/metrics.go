// Package metrics defines the counter/timer sink the core reports into.
// The store and pipeline only ever see the Sink interface; the process wires
// either the Prometheus implementation or the no-op one.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Counter interface {
	Inc()
	Add(n float64)
}

type Timer interface {
	Observe(d time.Duration)
}

type Sink interface {
	Counter(name string) Counter
	Timer(name string) Timer
}

// NopSink discards everything. Used by tests.
type NopSink struct{}

func (NopSink) Counter(string) Counter { return nopCounter{} }
func (NopSink) Timer(string) Timer     { return nopTimer{} }

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

type nopTimer struct{}

func (nopTimer) Observe(time.Duration) {}

// PrometheusSink lazily registers one counter or histogram per distinct name.
type PrometheusSink struct {
	namespace string
	registry  *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	timers   map[string]prometheus.Histogram
}

func NewPrometheusSink(namespace string, registry *prometheus.Registry) *PrometheusSink {
	return &PrometheusSink{
		namespace: namespace,
		registry:  registry,
		counters:  make(map[string]prometheus.Counter),
		timers:    make(map[string]prometheus.Histogram),
	}
}

func (s *PrometheusSink) Counter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return promCounter{c}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      "admirror counter " + name,
	})
	s.registry.MustRegister(c)
	s.counters[name] = c
	return promCounter{c}
}

func (s *PrometheusSink) Timer(name string) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.timers[name]; ok {
		return promTimer{h}
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      "admirror timer " + name,
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	s.registry.MustRegister(h)
	s.timers[name] = h
	return promTimer{h}
}

type promCounter struct{ c prometheus.Counter }

func (p promCounter) Inc()          { p.c.Inc() }
func (p promCounter) Add(n float64) { p.c.Add(n) }

type promTimer struct{ h prometheus.Histogram }

func (p promTimer) Observe(d time.Duration) { p.h.Observe(d.Seconds()) }
