package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaseOne(t *testing.T, setup *TestSetup, queue string) *job.Job {
	t.Helper()
	j, err := setup.Broker.Lease(context.Background(), queue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestWorker_ProcessJobSuccess(t *testing.T) {
	setup := NewTestSetup(t)
	id := setup.Enqueue(t, "email")

	pool := setup.NewPool("email", fastPool(1), succeed)
	pool.handlerCtx = context.Background()
	worker := pool.workers[0]

	worker.processJob(leaseOne(t, setup, "email"))

	j := setup.Job(t, "email", id)
	assert.Equal(t, job.StateCompleted, j.State)
	assert.JSONEq(t, `{"id":"`+id+`"}`, string(j.Result))

	stats := worker.GetStats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.False(t, stats.Busy)
	assert.False(t, stats.LastJob.IsZero())
	assert.Equal(t, 0, pool.ActiveJobs())
}

func TestWorker_ProcessJobFailureWithoutAttemptsLeft(t *testing.T) {
	setup := NewTestSetup(t)
	id := setup.Enqueue(t, "email", job.WithAttempts(1), job.WithFixedBackoff(time.Second))

	pool := setup.NewPool("email", fastPool(1), func(ctx context.Context, j *job.Job) job.Result {
		return job.Retry(errors.New("smtp timeout"))
	})
	pool.handlerCtx = context.Background()
	worker := pool.workers[0]

	worker.processJob(leaseOne(t, setup, "email"))

	j := setup.Job(t, "email", id)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, "smtp timeout", j.LastError)
	assert.Equal(t, int64(1), worker.GetStats().Failed)
}

func TestWorker_ExecuteJobRecoversPanic(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Enqueue(t, "email")

	pool := setup.NewPool("email", fastPool(1), func(ctx context.Context, j *job.Job) job.Result {
		panic("boom")
	})
	worker := pool.workers[0]

	result := worker.executeJob(context.Background(), leaseOne(t, setup, "email"))
	assert.False(t, result.OK())
	assert.True(t, result.Retryable())
	assert.EqualError(t, result.Err(), "panic: boom")
}

func TestWorker_ExecuteJobTimeout(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Enqueue(t, "email")

	config := fastPool(1)
	config.JobTimeout = 10 * time.Millisecond
	pool := setup.NewPool("email", config, func(ctx context.Context, j *job.Job) job.Result {
		<-ctx.Done()
		return job.Retry(ctx.Err())
	})

	result := pool.workers[0].executeJob(context.Background(), leaseOne(t, setup, "email"))
	assert.ErrorIs(t, result.Err(), context.DeadlineExceeded)
}

func TestWorker_LeaseLostOutcomeIsDropped(t *testing.T) {
	setup := NewTestSetup(t)
	id := setup.Enqueue(t, "email")

	pool := setup.NewPool("email", fastPool(1), func(ctx context.Context, j *job.Job) job.Result {
		// the lease expires and is reclaimed while the handler runs
		setup.Clock.Advance(2 * time.Minute)
		res, err := setup.Broker.ReclaimStalled(ctx, "email", 5, 10)
		require.NoError(t, err)
		require.Equal(t, []string{id}, res.Reclaimed)
		return job.Success(nil)
	})
	pool.handlerCtx = context.Background()
	worker := pool.workers[0]

	worker.processJob(leaseOne(t, setup, "email"))

	assert.Equal(t, job.StateWaiting, setup.StateOf("email", id))
	assert.Equal(t, int64(0), worker.GetStats().Processed)
	_, completed, _, _ := setup.Stats.Counts()
	assert.Equal(t, 0, completed)
}

func TestWorker_GetID(t *testing.T) {
	setup := NewTestSetup(t)
	pool := setup.NewPool("notifications", fastPool(2), succeed)

	assert.Contains(t, pool.workers[1].GetID(), "-notifications-1")
	assert.NotEqual(t, pool.workers[0].GetID(), pool.workers[1].GetID())
}
