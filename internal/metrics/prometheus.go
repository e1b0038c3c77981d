// Package metrics provides a Prometheus-backed sink for store operation
// timings and counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus metrics for a store.
type Collector struct {
	registry *prometheus.Registry

	Operations  *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	BatchItems  *prometheus.CounterVec
	BatchTiming *prometheus.HistogramVec
	Evictions   prometheus.Counter
	Live        prometheus.Gauge
}

// NewCollector creates a collector registered on its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Structural operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Structural operation duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"op"},
		),
		BatchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Batch items by batch kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		BatchTiming: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Batch duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_evictions_total",
			Help:      "Universes evicted by the janitor",
		}),
		Live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_universes",
			Help:      "Number of live universes",
		}),
	}

	c.registry.MustRegister(
		c.Operations,
		c.OpDuration,
		c.BatchItems,
		c.BatchTiming,
		c.Evictions,
		c.Live,
	)
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveOperation(kind string, d time.Duration, err error) {
	c.Operations.WithLabelValues(kind, outcome(err)).Inc()
	c.OpDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) ObserveBatch(kind string, succeeded, failed int, d time.Duration) {
	c.BatchItems.WithLabelValues(kind, "success").Add(float64(succeeded))
	c.BatchItems.WithLabelValues(kind, "failure").Add(float64(failed))
	c.BatchTiming.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) ObserveSweep(evicted, remaining int) {
	c.Evictions.Add(float64(evicted))
	c.Live.Set(float64(remaining))
}

func (c *Collector) SetLive(n int) {
	c.Live.Set(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
