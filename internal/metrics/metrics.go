// Package metrics exposes delivery-pipeline counters and gauges in
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   prometheus.Counter
	jobsDedup      prometheus.Counter
	submissions    *prometheus.CounterVec
	retries        prometheus.Counter
	jobsDelivered  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRejected   prometheus.Counter
	jobsQueued     prometheus.Gauge
	jobsInFlight   prometheus.Gauge
	submitLatency  prometheus.Histogram
}

// NewCollector creates and registers the pipeline metrics on its own
// registry, so tests can build as many collectors as they like.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_deduplicated_total",
			Help: "Total number of enqueue requests answered with an existing job",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_submissions_total",
			Help: "Total number of submission attempts by result",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_retries_scheduled_total",
			Help: "Total number of retries scheduled after transient failures",
		}),
		jobsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_delivered_total",
			Help: "Total number of jobs confirmed delivered",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_failed_total",
			Help: "Total number of jobs that exhausted their attempts or failed in flight",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_rejected_total",
			Help: "Total number of jobs explicitly rejected by the backend",
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_jobs_in_flight",
			Help: "Current number of jobs being submitted or polled",
		}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_submit_latency_seconds",
			Help:    "Backend submission latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsDedup, c.submissions, c.retries,
		c.jobsDelivered, c.jobsFailed, c.jobsRejected,
		c.jobsQueued, c.jobsInFlight, c.submitLatency,
	)
	return c
}

func (c *Collector) RecordEnqueue()      { c.jobsEnqueued.Inc() }
func (c *Collector) RecordDedup()        { c.jobsDedup.Inc() }
func (c *Collector) RecordRetry()        { c.retries.Inc() }
func (c *Collector) RecordDelivered()    { c.jobsDelivered.Inc() }
func (c *Collector) RecordFailed()       { c.jobsFailed.Inc() }
func (c *Collector) RecordRejected()     { c.jobsRejected.Inc() }
func (c *Collector) SetQueued(n int)     { c.jobsQueued.Set(float64(n)) }
func (c *Collector) InFlightAdd(d int)   { c.jobsInFlight.Add(float64(d)) }

// RecordSubmission records one attempt outcome and its latency.
func (c *Collector) RecordSubmission(result string, seconds float64) {
	c.submissions.WithLabelValues(result).Inc()
	c.submitLatency.Observe(seconds)
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
