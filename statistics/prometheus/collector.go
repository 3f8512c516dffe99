package prometheus

import (
	"context"
	"log/slog"
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/prometheus/client_golang/prometheus"
)

const collectTimeout = 10 * time.Second

// CountsFunc returns the current per-state counts of every queue
type CountsFunc func(ctx context.Context) (map[string]job.Counts, error)

// QueueCollector reports queue depth by state at scrape time
type QueueCollector struct {
	counts CountsFunc
	jobs   *prometheus.Desc
}

// NewQueueCollector returns a collector reading counts on every scrape
func NewQueueCollector(namespace string, counts CountsFunc) *QueueCollector {
	return &QueueCollector{
		counts: counts,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_jobs"),
			"Number of jobs in each queue by state.",
			[]string{"queue", "state"}, nil,
		),
	}
}

// Describe sends metric descriptors to the channel
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
}

// Collect fetches counts from the broker and sends them to the channel.
// When the broker cannot be read the gauges are left out of the scrape.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	queues, err := c.counts(ctx)
	if err != nil {
		slog.Warn("Failed to read queue counts for metrics", "error", err)
		return
	}

	for queue, counts := range queues {
		c.gauge(ch, queue, job.StateWaiting, counts.Waiting)
		c.gauge(ch, queue, job.StateActive, counts.Active)
		c.gauge(ch, queue, job.StateRetrying, counts.Retrying)
		c.gauge(ch, queue, job.StateCompleted, counts.Completed)
		c.gauge(ch, queue, job.StateFailed, counts.Failed)
	}
}

func (c *QueueCollector) gauge(ch chan<- prometheus.Metric, queue string, state job.State, n int64) {
	ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), queue, string(state))
}
