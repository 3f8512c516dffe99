// Package prometheus exports job events as Prometheus metrics.
package prometheus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Options for Prometheus statistics
type Options struct {
	// Namespace prefixes every metric name
	Namespace string

	// Registerer receives the collectors; nil means prometheus.DefaultRegisterer
	Registerer prometheus.Registerer

	// Buckets for the job duration histogram
	Buckets []float64
}

// DefaultOptions returns default Prometheus statistics options
func DefaultOptions() Options {
	return Options{
		Namespace: "mailqueue",
		Buckets:   prometheus.DefBuckets,
	}
}

// PrometheusStatistics implements core.Statistics with counters and histograms
type PrometheusStatistics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	stalled   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	delay     *prometheus.HistogramVec
}

// NewStatistics registers the job metrics with options.Registerer
func NewStatistics(options Options) *PrometheusStatistics {
	reg := options.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := options.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	factory := promauto.With(reg)
	ns := options.Namespace

	return &PrometheusStatistics{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_started_total",
			Help:      "Total number of job attempts started.",
		}, []string{"queue", "kind"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed.",
		}, []string{"queue", "kind"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed terminally.",
		}, []string{"queue", "kind"}),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_retried_total",
			Help:      "Total number of failed attempts scheduled for retry.",
		}, []string{"queue", "kind"}),
		stalled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "jobs_stalled_total",
			Help:      "Total number of expired leases, by outcome.",
		}, []string{"queue", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "job_duration_seconds",
			Help:      "Duration of job attempts in seconds.",
			Buckets:   buckets,
		}, []string{"queue", "kind", "status"}),
		delay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "job_retry_delay_seconds",
			Help:      "Backoff delay applied to retries in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"queue"}),
	}
}

// Connect is a no-op; metrics are registered at construction
func (p *PrometheusStatistics) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (p *PrometheusStatistics) Close() error {
	return nil
}

// Health always reports healthy
func (p *PrometheusStatistics) Health() error {
	return nil
}

// Type returns the statistics backend type
func (p *PrometheusStatistics) Type() string {
	return "prometheus"
}

func (p *PrometheusStatistics) RecordJobStarted(ctx context.Context, j *job.Job) error {
	p.started.WithLabelValues(j.Queue, j.Kind).Inc()
	return nil
}

func (p *PrometheusStatistics) RecordJobCompleted(ctx context.Context, j *job.Job, result json.RawMessage, duration time.Duration) error {
	p.completed.WithLabelValues(j.Queue, j.Kind).Inc()
	p.duration.WithLabelValues(j.Queue, j.Kind, "completed").Observe(duration.Seconds())
	return nil
}

func (p *PrometheusStatistics) RecordJobFailed(ctx context.Context, j *job.Job, err error, duration time.Duration) error {
	p.failed.WithLabelValues(j.Queue, j.Kind).Inc()
	p.duration.WithLabelValues(j.Queue, j.Kind, "failed").Observe(duration.Seconds())
	return nil
}

func (p *PrometheusStatistics) RecordJobRetried(ctx context.Context, j *job.Job, err error, delay time.Duration) error {
	p.retried.WithLabelValues(j.Queue, j.Kind).Inc()
	p.delay.WithLabelValues(j.Queue).Observe(delay.Seconds())
	return nil
}

func (p *PrometheusStatistics) RecordJobStalled(ctx context.Context, queue, jobID string, failed bool) error {
	outcome := "reclaimed"
	if failed {
		outcome = "failed"
	}
	p.stalled.WithLabelValues(queue, outcome).Inc()
	return nil
}
