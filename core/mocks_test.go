package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/brokers/memory"
	"github.com/BranchIntl/mailqueue/job"
)

// Mock implementations for testing

type retryEvent struct {
	ID    string
	Delay time.Duration
	Err   error
}

type stallEvent struct {
	Queue  string
	ID     string
	Failed bool
}

// MockStatistics records every job event
type MockStatistics struct {
	mu           sync.Mutex
	connectError error
	healthError  error
	connected    bool
	started      []string
	completed    []string
	failed       []string
	retried      []retryEvent
	stalled      []stallEvent
}

func NewMockStatistics() *MockStatistics {
	return &MockStatistics{}
}

func (m *MockStatistics) RecordJobStarted(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, j.ID)
	return nil
}

func (m *MockStatistics) RecordJobCompleted(ctx context.Context, j *job.Job, result json.RawMessage, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, j.ID)
	return nil
}

func (m *MockStatistics) RecordJobFailed(ctx context.Context, j *job.Job, err error, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, j.ID)
	return nil
}

func (m *MockStatistics) RecordJobRetried(ctx context.Context, j *job.Job, err error, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried = append(m.retried, retryEvent{ID: j.ID, Delay: delay, Err: err})
	return nil
}

func (m *MockStatistics) RecordJobStalled(ctx context.Context, queue, jobID string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = append(m.stalled, stallEvent{Queue: queue, ID: jobID, Failed: failed})
	return nil
}

func (m *MockStatistics) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectError != nil {
		return m.connectError
	}
	m.connected = true
	return nil
}

func (m *MockStatistics) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockStatistics) Health() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthError
}

func (m *MockStatistics) Type() string {
	return "mock"
}

func (m *MockStatistics) Counts() (started, completed, failed, retried int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started), len(m.completed), len(m.failed), len(m.retried)
}

func (m *MockStatistics) Retried() []retryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]retryEvent(nil), m.retried...)
}

func (m *MockStatistics) Stalled() []stallEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stallEvent(nil), m.stalled...)
}

// MockRegistry is a plain map of queue handlers
type MockRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{handlers: make(map[string]Handler)}
}

func (m *MockRegistry) Register(queue string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = handler
	return nil
}

func (m *MockRegistry) Get(queue string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queue]
	return h, ok
}

// FlakyBroker fails the first leaseFailures calls to Lease
type FlakyBroker struct {
	*memory.MemoryBroker

	mu            sync.Mutex
	leaseFailures int
	leaseErr      error
}

func (f *FlakyBroker) Lease(ctx context.Context, queue string, leaseFor time.Duration) (*job.Job, error) {
	f.mu.Lock()
	if f.leaseFailures > 0 {
		f.leaseFailures--
		f.mu.Unlock()
		return nil, f.leaseErr
	}
	f.mu.Unlock()
	return f.MemoryBroker.Lease(ctx, queue, leaseFor)
}
