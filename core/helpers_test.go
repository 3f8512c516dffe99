package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/mailqueue/brokers/memory"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/stretchr/testify/require"
)

// fakeClock drives lease expiry and retry delays in the memory broker
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestSetup provides common test dependencies
type TestSetup struct {
	Broker   *memory.MemoryBroker
	Clock    *fakeClock
	Stats    *MockStatistics
	Registry *MockRegistry
}

// NewTestSetup creates a connected memory broker on a fake clock plus mocks
func NewTestSetup(t *testing.T) *TestSetup {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	clock := newFakeClock()
	broker := memory.NewBroker(memory.Options{Clock: clock.Now})
	require.NoError(t, broker.Connect(context.Background()))

	return &TestSetup{
		Broker:   broker,
		Clock:    clock,
		Stats:    NewMockStatistics(),
		Registry: NewMockRegistry(),
	}
}

// fastPool returns a pool config with short real-time intervals
func fastPool(concurrency int) PoolConfig {
	return PoolConfig{
		Concurrency:          concurrency,
		PollInterval:         5 * time.Millisecond,
		LeaseDuration:        30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		StalledCheckInterval: time.Hour,
		MaxStalledRetries:    1,
		JobTimeout:           5 * time.Second,
		BatchSize:            100,
	}
}

// NewPool builds a pool over the setup's broker and stats
func (s *TestSetup) NewPool(queue string, config PoolConfig, handler Handler) *WorkerPool {
	return NewWorkerPool(queue, config, handler, s.Broker, s.Stats)
}

// Enqueue writes a job directly through a queue handle
func (s *TestSetup) Enqueue(t *testing.T, queue string, options ...job.Option) string {
	t.Helper()
	q := NewQueue(queue, s.Broker, job.DefaultOptions())
	q.now = s.Clock.Now
	id, err := q.Enqueue(context.Background(), "test", map[string]string{"hello": "world"}, options...)
	require.NoError(t, err)
	return id
}

// Job loads the current record of a job
func (s *TestSetup) Job(t *testing.T, queue, id string) *job.Job {
	t.Helper()
	j := s.Find(queue, id)
	require.NotNil(t, j, "job %s not found in %s", id, queue)
	return j
}

// Find returns the current record of a job, or nil if it is gone
func (s *TestSetup) Find(queue, id string) *job.Job {
	for _, j := range s.Broker.Jobs(queue) {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// StateOf returns the state of a job, or "" if it is gone
func (s *TestSetup) StateOf(queue, id string) job.State {
	if j := s.Find(queue, id); j != nil {
		return j.State
	}
	return ""
}

// drain stops a started pool with a generous deadline
func drain(t *testing.T, pool *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Drain(ctx))
}

// succeed is a handler that completes every job
func succeed(ctx context.Context, j *job.Job) job.Result {
	return job.Success(map[string]string{"id": j.ID})
}
