// Package memory is an in-process broker with the same lease, retry, stall
// and retention semantics as the Redis broker. Jobs do not survive the
// process; it is meant for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
)

// Options for the memory broker
type Options struct {
	// Clock returns the current time; defaults to time.Now
	Clock func() time.Time
}

// DefaultOptions returns default memory broker options
func DefaultOptions() Options {
	return Options{Clock: time.Now}
}

type queueState struct {
	jobs    map[string]*job.Job
	waiting []string
	active  map[string]struct{}
	delayed map[string]struct{}
}

func newQueueState() *queueState {
	return &queueState{
		jobs:    make(map[string]*job.Job),
		active:  make(map[string]struct{}),
		delayed: make(map[string]struct{}),
	}
}

// MemoryBroker implements core.Broker using in-memory storage
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]*queueState
	connected bool
	now       func() time.Time
}

// NewBroker creates a new in-memory broker
func NewBroker(options Options) *MemoryBroker {
	now := options.Clock
	if now == nil {
		now = time.Now
	}
	return &MemoryBroker{
		queues: make(map[string]*queueState),
		now:    now,
	}
}

// Connect marks the broker usable
func (m *MemoryBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = true
	return nil
}

// Close marks the broker unusable; stored jobs are kept for inspection
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

// Health checks the broker health
func (m *MemoryBroker) Health() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the broker type
func (m *MemoryBroker) Type() string {
	return "memory"
}

// Enqueue adds a waiting job to the tail of its queue
func (m *MemoryBroker) Enqueue(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("enqueue", j.Queue); err != nil {
		return err
	}

	q := m.queue(j.Queue)
	stored := copyJob(j)
	stored.State = job.StateWaiting
	q.jobs[j.ID] = stored
	q.waiting = append(q.waiting, j.ID)
	return nil
}

// Lease moves the oldest waiting job to active
func (m *MemoryBroker) Lease(ctx context.Context, queue string, leaseFor time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("lease", queue); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := m.queue(queue)
	for len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]

		j, ok := q.jobs[id]
		if !ok {
			continue
		}

		now := m.now()
		j.State = job.StateActive
		j.Attempts++
		j.LeasedAt = now
		j.LeaseExpiresAt = now.Add(leaseFor)
		q.active[id] = struct{}{}
		return copyJob(j), nil
	}

	return nil, nil
}

// Heartbeat extends the lease of an active job
func (m *MemoryBroker) Heartbeat(ctx context.Context, j *job.Job, leaseFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("heartbeat", j.Queue); err != nil {
		return err
	}

	stored, err := m.leased(j)
	if err != nil {
		return err
	}
	stored.LeaseExpiresAt = m.now().Add(leaseFor)
	return nil
}

// Complete marks an active job completed
func (m *MemoryBroker) Complete(ctx context.Context, j *job.Job, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("complete", j.Queue); err != nil {
		return err
	}

	stored, err := m.leased(j)
	if err != nil {
		return err
	}
	delete(m.queue(j.Queue).active, j.ID)
	stored.State = job.StateCompleted
	stored.FinishedAt = m.now()
	stored.Result = result
	return nil
}

// Retry schedules an active job to become waiting again after delay
func (m *MemoryBroker) Retry(ctx context.Context, j *job.Job, delay time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("retry", j.Queue); err != nil {
		return err
	}

	stored, err := m.leased(j)
	if err != nil {
		return err
	}
	q := m.queue(j.Queue)
	delete(q.active, j.ID)
	stored.State = job.StateRetrying
	stored.RunAt = m.now().Add(delay)
	stored.LastError = reason
	q.delayed[j.ID] = struct{}{}
	return nil
}

// Fail marks an active job permanently failed
func (m *MemoryBroker) Fail(ctx context.Context, j *job.Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("fail", j.Queue); err != nil {
		return err
	}

	stored, err := m.leased(j)
	if err != nil {
		return err
	}
	delete(m.queue(j.Queue).active, j.ID)
	stored.State = job.StateFailed
	stored.FinishedAt = m.now()
	stored.LastError = reason
	return nil
}

// PromoteDelayed moves retrying jobs whose delay elapsed to the waiting tail
func (m *MemoryBroker) PromoteDelayed(ctx context.Context, queue string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("promote", queue); err != nil {
		return 0, err
	}

	q := m.queue(queue)
	now := m.now()
	due := m.sorted(q, q.delayed, func(j *job.Job) time.Time { return j.RunAt })

	promoted := 0
	for _, j := range due {
		if promoted >= limit || j.RunAt.After(now) {
			break
		}
		delete(q.delayed, j.ID)
		j.State = job.StateWaiting
		q.waiting = append(q.waiting, j.ID)
		promoted++
	}
	return promoted, nil
}

// ReclaimStalled returns expired leases to waiting, or fails them once
// their stalled count exceeds maxStalled. A reclaim refunds the attempt the
// lease consumed.
func (m *MemoryBroker) ReclaimStalled(ctx context.Context, queue string, maxStalled, limit int) (job.StalledResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result job.StalledResult
	if err := m.check("reclaim_stalled", queue); err != nil {
		return result, err
	}

	q := m.queue(queue)
	now := m.now()
	expired := m.sorted(q, q.active, func(j *job.Job) time.Time { return j.LeaseExpiresAt })

	for _, j := range expired {
		if len(result.Reclaimed)+len(result.Failed) >= limit || j.LeaseExpiresAt.After(now) {
			break
		}
		delete(q.active, j.ID)
		j.StalledCount++

		if j.StalledCount > maxStalled {
			j.State = job.StateFailed
			j.FinishedAt = now
			j.LastError = errors.ErrStalled.Error()
			result.Failed = append(result.Failed, j.ID)
			continue
		}

		j.Attempts--
		j.State = job.StateWaiting
		q.waiting = append(q.waiting, j.ID)
		result.Reclaimed = append(result.Reclaimed, j.ID)
	}
	return result, nil
}

// Clean removes up to limit terminal jobs finished at or before now-olderThan, oldest first
func (m *MemoryBroker) Clean(ctx context.Context, queue string, state job.State, olderThan time.Duration, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("clean", queue); err != nil {
		return 0, err
	}
	if !state.IsTerminal() {
		return 0, errors.NewValidationError("state", fmt.Sprintf("%s is not a terminal state", state))
	}

	q := m.queue(queue)
	cutoff := m.now().Add(-olderThan)

	removed := 0
	for _, j := range m.terminal(q, state) {
		if removed >= limit || j.FinishedAt.After(cutoff) {
			break
		}
		delete(q.jobs, j.ID)
		removed++
	}
	return removed, nil
}

// Trim removes the oldest terminal jobs beyond the newest keep, at most limit
func (m *MemoryBroker) Trim(ctx context.Context, queue string, state job.State, keep, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("trim", queue); err != nil {
		return 0, err
	}
	if !state.IsTerminal() {
		return 0, errors.NewValidationError("state", fmt.Sprintf("%s is not a terminal state", state))
	}

	q := m.queue(queue)
	jobs := m.terminal(q, state)
	excess := len(jobs) - keep
	if excess <= 0 {
		return 0, nil
	}
	if excess > limit {
		excess = limit
	}
	for _, j := range jobs[:excess] {
		delete(q.jobs, j.ID)
	}
	return excess, nil
}

// GetJob returns a copy of a stored job
func (m *MemoryBroker) GetJob(ctx context.Context, queue, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("get_job", queue); err != nil {
		return nil, err
	}

	j, ok := m.queue(queue).jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	return copyJob(j), nil
}

// Counts returns the number of jobs per state
func (m *MemoryBroker) Counts(ctx context.Context, queue string) (job.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("counts", queue); err != nil {
		return job.Counts{}, err
	}

	var counts job.Counts
	for _, j := range m.queue(queue).jobs {
		switch j.State {
		case job.StateWaiting:
			counts.Waiting++
		case job.StateActive:
			counts.Active++
		case job.StateRetrying:
			counts.Retrying++
		case job.StateCompleted:
			counts.Completed++
		case job.StateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// Jobs returns copies of every job in a queue ordered by creation time.
// It works whether or not the broker is connected.
func (m *MemoryBroker) Jobs(queue string) []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	jobs := make([]*job.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, copyJob(j))
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs
}

// Helper methods

func (m *MemoryBroker) check(op, queue string) error {
	if !m.connected {
		return errors.NewBrokerError(op, queue, errors.ErrNotConnected)
	}
	return nil
}

func (m *MemoryBroker) queue(name string) *queueState {
	q, ok := m.queues[name]
	if !ok {
		q = newQueueState()
		m.queues[name] = q
	}
	return q
}

// leased returns the stored job if j still holds its lease. A reclaimed
// and re-leased job has a new stalled count, so an old holder is rejected.
func (m *MemoryBroker) leased(j *job.Job) (*job.Job, error) {
	q := m.queue(j.Queue)
	if _, ok := q.active[j.ID]; !ok {
		return nil, errors.ErrLeaseLost
	}
	stored, ok := q.jobs[j.ID]
	if !ok || !stored.LeasedAt.Equal(j.LeasedAt) || stored.StalledCount != j.StalledCount {
		return nil, errors.ErrLeaseLost
	}
	return stored, nil
}

func (m *MemoryBroker) sorted(q *queueState, ids map[string]struct{}, key func(*job.Job) time.Time) []*job.Job {
	jobs := make([]*job.Job, 0, len(ids))
	for id := range ids {
		if j, ok := q.jobs[id]; ok {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		ka, kb := key(jobs[a]), key(jobs[b])
		if ka.Equal(kb) {
			return jobs[a].ID < jobs[b].ID
		}
		return ka.Before(kb)
	})
	return jobs
}

func (m *MemoryBroker) terminal(q *queueState, state job.State) []*job.Job {
	ids := make(map[string]struct{})
	for id, j := range q.jobs {
		if j.State == state {
			ids[id] = struct{}{}
		}
	}
	return m.sorted(q, ids, func(j *job.Job) time.Time { return j.FinishedAt })
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	return &c
}
