package prometheus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatistics(t *testing.T) (*PrometheusStatistics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	options := DefaultOptions()
	options.Registerer = registry
	return NewStatistics(options), registry
}

func TestPrometheusStatistics_Lifecycle(t *testing.T) {
	stats, _ := newTestStatistics(t)

	assert.NoError(t, stats.Connect(context.Background()))
	assert.NoError(t, stats.Health())
	assert.NoError(t, stats.Close())
	assert.Equal(t, "prometheus", stats.Type())
}

func TestPrometheusStatistics_RecordsEvents(t *testing.T) {
	stats, registry := newTestStatistics(t)
	ctx := context.Background()
	j := &job.Job{ID: "1", Queue: "email", Kind: "welcome"}

	require.NoError(t, stats.RecordJobStarted(ctx, j))
	require.NoError(t, stats.RecordJobRetried(ctx, j, errors.New("timeout"), 2*time.Second))
	require.NoError(t, stats.RecordJobStarted(ctx, j))
	require.NoError(t, stats.RecordJobCompleted(ctx, j, nil, 150*time.Millisecond))
	require.NoError(t, stats.RecordJobStalled(ctx, "email", "2", true))

	assert.Equal(t, 2.0, testutil.ToFloat64(stats.started.WithLabelValues("email", "welcome")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.retried.WithLabelValues("email", "welcome")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.completed.WithLabelValues("email", "welcome")))
	assert.Equal(t, 0.0, testutil.ToFloat64(stats.failed.WithLabelValues("email", "welcome")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.stalled.WithLabelValues("email", "failed")))

	n, err := testutil.GatherAndCount(registry, "mailqueue_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewQueueCollector("mailqueue", func(ctx context.Context) (map[string]job.Counts, error) {
		return map[string]job.Counts{
			"email": {Waiting: 3, Failed: 1},
		}, nil
	})
	require.NoError(t, registry.Register(collector))

	expected := `
# HELP mailqueue_queue_jobs Number of jobs in each queue by state.
# TYPE mailqueue_queue_jobs gauge
mailqueue_queue_jobs{queue="email",state="active"} 0
mailqueue_queue_jobs{queue="email",state="completed"} 0
mailqueue_queue_jobs{queue="email",state="failed"} 1
mailqueue_queue_jobs{queue="email",state="retrying"} 0
mailqueue_queue_jobs{queue="email",state="waiting"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "mailqueue_queue_jobs"))
}

func TestQueueCollector_BrokerErrorSkipsGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewQueueCollector("mailqueue", func(ctx context.Context) (map[string]job.Counts, error) {
		return nil, errors.New("broker down")
	})
	require.NoError(t, registry.Register(collector))

	count, err := testutil.GatherAndCount(registry, "mailqueue_queue_jobs")
	require.NoError(t, err)
	assert.Zero(t, count)
}
