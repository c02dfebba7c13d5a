// Package metrics holds the Prometheus collectors for the dispatch
// pipeline. The collector is constructed once at startup and passed
// by handle; nothing registers against a global registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the pipeline's metrics.
type Collector struct {
	registry *prometheus.Registry

	jobsCreated    *prometheus.CounterVec
	jobsClaimed    prometheus.Counter
	claimConflicts prometheus.Counter
	jobsTerminal   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec

	bridgeRequests *prometheus.CounterVec
	bridgeLatency  *prometheus.HistogramVec
}

// NewCollector creates and registers the pipeline collectors on a
// private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		jobsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptflow_jobs_created_total",
				Help: "Total number of jobs created",
			},
			[]string{"type"},
		),
		jobsClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptflow_jobs_claimed_total",
				Help: "Total number of successful job claims",
			},
		),
		claimConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptflow_claim_conflicts_total",
				Help: "Total number of claims lost to another orchestrator",
			},
		),
		jobsTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptflow_jobs_terminal_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptflow_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"type"},
		),
		bridgeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptflow_bridge_requests_total",
				Help: "Total number of bridge requests",
			},
			[]string{"endpoint", "status"},
		),
		bridgeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptflow_bridge_latency_seconds",
				Help:    "Bridge request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
	}

	c.registry.MustRegister(
		c.jobsCreated,
		c.jobsClaimed,
		c.claimConflicts,
		c.jobsTerminal,
		c.jobDuration,
		c.bridgeRequests,
		c.bridgeLatency,
	)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// JobCreated records a created job.
func (c *Collector) JobCreated(jobType string) {
	c.jobsCreated.WithLabelValues(jobType).Inc()
}

// JobClaimed records a won claim.
func (c *Collector) JobClaimed() {
	c.jobsClaimed.Inc()
}

// ClaimConflict records a lost claim.
func (c *Collector) ClaimConflict() {
	c.claimConflicts.Inc()
}

// JobTerminal records a job reaching a terminal status, with its
// duration when known.
func (c *Collector) JobTerminal(jobType, status string, duration time.Duration) {
	c.jobsTerminal.WithLabelValues(status).Inc()
	if duration > 0 {
		c.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
	}
}

// BridgeRequest records one bridge call.
func (c *Collector) BridgeRequest(endpoint, status string, elapsed time.Duration) {
	c.bridgeRequests.WithLabelValues(endpoint, status).Inc()
	c.bridgeLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}
