// Package metrics exposes the Prometheus metrics of the extraction pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric of the service
type Collector struct {
	workUnits        *prometheus.CounterVec
	workUnitDuration *prometheus.HistogramVec
	published        *prometheus.CounterVec
	jobsCreated      prometheus.Counter
	sweeps           prometheus.Counter
	jobsActive       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		workUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torch_work_units_total",
			Help: "Executed work units by kind and outcome",
		}, []string{"kind", "outcome"}),
		workUnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torch_work_unit_duration_seconds",
			Help:    "Work unit execution time in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torch_work_units_published_total",
			Help: "Work unit messages published to the queue",
		}, []string{"kind"}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torch_jobs_created_total",
			Help: "Accepted extraction jobs",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torch_sweeps_total",
			Help: "Completed recovery sweeps",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torch_jobs_active",
			Help: "Jobs not yet completed or failed, as seen by the last sweep",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.workUnits,
		c.workUnitDuration,
		c.published,
		c.jobsCreated,
		c.sweeps,
		c.jobsActive,
	)

	return c
}

// ObserveWorkUnit records one finished execution
func (c *Collector) ObserveWorkUnit(kind string, outcome string, duration time.Duration) {
	c.workUnits.WithLabelValues(kind, outcome).Inc()
	c.workUnitDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (c *Collector) RecordPublish(kind string) {
	c.published.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordJobCreated() {
	c.jobsCreated.Inc()
}

// RecordSweep counts a sweep and the jobs it left active
func (c *Collector) RecordSweep(active int) {
	c.sweeps.Inc()
	c.jobsActive.Set(float64(active))
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
