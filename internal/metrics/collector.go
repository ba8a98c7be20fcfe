package metrics

import (
	"net/http"
	"time"

	"transferd/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	jobsTotal       *prometheus.CounterVec
	jobsSkipped     *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	poolInflight    *prometheus.GaugeVec
	poolRejected    *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	progressTracker *progress.Tracker
}

// New creates a new metrics collector on its own registry
func New(tracker *progress.Tracker) *Collector {
	if tracker == nil {
		tracker = progress.NewTracker()
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_jobs_total",
				Help: "Total number of job and handler invocations",
			},
			[]string{"job", "outcome"},
		),
		jobsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_job_skipped_total",
				Help: "Firings skipped because the previous run was still active",
			},
			[]string{"job"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transferd_job_duration_seconds",
				Help:    "Time taken by a job or handler invocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_task_transitions_total",
				Help: "Task state transitions applied",
			},
			[]string{"kind", "state"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_transfer_bytes_total",
				Help: "Total bytes reported by running transfers",
			},
			[]string{"protocol"},
		),
		poolInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transferd_pool_inflight",
				Help: "Transfers currently running in a protocol pool",
			},
			[]string{"protocol"},
		),
		poolRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_pool_rejected_total",
				Help: "Submissions rejected because a protocol pool was saturated",
			},
			[]string{"protocol"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_dispatch_messages_total",
				Help: "Dispatch queue messages by outcome",
			},
			[]string{"queue", "outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transferd_notifications_total",
				Help: "Operator notifications sent for integrated system errors",
			},
			[]string{"system"},
		),
		progressTracker: tracker,
	}

	active := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "transferd_active_transfers",
			Help: "Transfers submitted and not yet finished",
		},
		func() float64 { return float64(tracker.GetStatus().ActiveTransfers) },
	)

	c.registry.MustRegister(
		c.jobsTotal,
		c.jobsSkipped,
		c.jobDuration,
		c.transitions,
		c.bytesTotal,
		c.poolInflight,
		c.poolRejected,
		c.dispatchTotal,
		c.notifications,
		active,
	)

	return c
}

// ObserveJob records one job invocation
func (c *Collector) ObserveJob(job, outcome string, duration time.Duration) {
	c.jobsTotal.WithLabelValues(job, outcome).Inc()
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobSkipped counts an overlapping firing
func (c *Collector) IncJobSkipped(job string) {
	c.jobsSkipped.WithLabelValues(job).Inc()
}

// IncTransition counts a state change
func (c *Collector) IncTransition(kind, state string) {
	c.transitions.WithLabelValues(kind, state).Inc()
}

// AddBytes adds to total bytes transferred for a protocol
func (c *Collector) AddBytes(protocol string, bytes int64) {
	if bytes > 0 {
		c.bytesTotal.WithLabelValues(protocol).Add(float64(bytes))
	}
}

// SetInflight sets the number of running transfers in a pool
func (c *Collector) SetInflight(protocol string, count int) {
	c.poolInflight.WithLabelValues(protocol).Set(float64(count))
}

// IncRejected counts a saturated pool submission
func (c *Collector) IncRejected(protocol string) {
	c.poolRejected.WithLabelValues(protocol).Inc()
}

// IncDispatch counts a dispatch queue event
func (c *Collector) IncDispatch(queue, outcome string) {
	c.dispatchTotal.WithLabelValues(queue, outcome).Inc()
}

// IncNotification counts an operator notification
func (c *Collector) IncNotification(system string) {
	c.notifications.WithLabelValues(system).Inc()
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
