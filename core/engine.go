package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
	"github.com/BranchIntl/mailqueue/sweeper"
)

// State is the lifecycle state of the engine
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Engine owns the queues, their worker pools and the retention sweeper
type Engine struct {
	broker   Broker
	stats    Statistics
	registry Registry
	config   *Config

	queues  map[string]*Queue
	sweeper *sweeper.Sweeper

	// lifecycle serializes Start and Stop; mu guards pools
	lifecycle sync.Mutex
	mu        sync.RWMutex
	pools     []*WorkerPool
	state     atomic.Int32
}

// NewEngine creates a new engine with dependency injection
func NewEngine(
	broker Broker,
	stats Statistics,
	registry Registry,
	options ...EngineOption,
) *Engine {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	queues := make(map[string]*Queue, len(config.Queues))
	for _, qc := range config.Queues {
		q := NewQueue(qc.Name, broker, qc.Defaults)
		q.now = config.Clock
		queues[qc.Name] = q
	}

	return &Engine{
		broker:   broker,
		stats:    stats,
		registry: registry,
		config:   config,
		queues:   queues,
	}
}

// Start connects the broker and statistics backend and starts one worker
// pool per configured queue, then the retention sweeper
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.State() != StateStopped {
		return errors.ErrAlreadyStarted
	}
	e.setState(StateStarting)

	if err := e.start(ctx); err != nil {
		e.setState(StateStopped)
		return err
	}

	e.setState(StateRunning)
	slog.Info("Engine started", "queues", len(e.config.Queues), "broker", e.broker.Type(), "stats", e.stats.Type())
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	// resolve handlers before touching any connection
	handlers := make([]Handler, len(e.config.Queues))
	for i, qc := range e.config.Queues {
		handler, ok := e.registry.Get(qc.Name)
		if !ok {
			return fmt.Errorf("queue %q: %w", qc.Name, errors.ErrHandlerNotFound)
		}
		handlers[i] = handler
	}

	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}

	if err := e.stats.Connect(ctx); err != nil {
		e.closeBroker()
		return fmt.Errorf("failed to connect statistics: %w", err)
	}

	pools := make([]*WorkerPool, 0, len(e.config.Queues))
	e.sweeper = sweeper.New(e.config.Sweeper)

	for i, qc := range e.config.Queues {
		pools = append(pools, NewWorkerPool(qc.Name, qc.Pool, handlers[i], e.broker, e.stats))
		e.sweeper.Add(e.queues[qc.Name], qc.Retention)
	}

	for _, pool := range pools {
		pool.Start(ctx)
	}

	e.mu.Lock()
	e.pools = pools
	e.mu.Unlock()

	if err := e.sweeper.Start(ctx); err != nil {
		slog.Error("Failed to start retention sweeper", "error", err)
	}

	return nil
}

// Stop stops intake, waits up to ShutdownTimeout for in-flight jobs and
// closes connections. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.State() != StateRunning {
		return nil
	}

	// no lease may be taken once draining is observable
	pools := e.getPools()
	for _, pool := range pools {
		pool.StopIntake()
	}
	e.setState(StateDraining)

	ctx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	defer cancel()

	if err := e.sweeper.Stop(ctx); err != nil {
		slog.Error("Error stopping retention sweeper", "error", err)
	}

	var wg sync.WaitGroup
	drainErrs := make([]error, len(pools))
	for i, pool := range pools {
		wg.Add(1)
		go func(i int, pool *WorkerPool) {
			defer wg.Done()
			drainErrs[i] = pool.Drain(ctx)
		}(i, pool)
	}
	wg.Wait()

	if err := e.stats.Close(); err != nil {
		slog.Error("Error closing statistics", "error", err)
	}
	e.closeBroker()

	e.mu.Lock()
	e.pools = nil
	e.mu.Unlock()
	e.setState(StateStopped)

	if err := errors.Join(drainErrs...); err != nil {
		slog.Warn("Engine stopped with jobs still in flight", "error", err)
		return errors.ErrShutdownTimeout
	}

	slog.Info("Engine stopped gracefully")
	return nil
}

// Run starts the engine and blocks until ctx is cancelled or an interrupt
// or SIGTERM arrives, then stops it
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	}

	return e.Stop()
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) getPools() []*WorkerPool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pools
}

// Queue returns the handle for a configured queue, or nil
func (e *Engine) Queue(name string) *Queue {
	return e.queues[name]
}

// Enqueue adds a job to a configured queue and returns its ID
func (e *Engine) Enqueue(ctx context.Context, queue, kind string, payload interface{}, options ...job.Option) (string, error) {
	q, ok := e.queues[queue]
	if !ok {
		return "", errors.NewValidationError("queue", fmt.Sprintf("unknown queue %q", queue))
	}
	return q.Enqueue(ctx, kind, payload, options...)
}

// ActiveJobs returns the number of jobs held by this process across all queues
func (e *Engine) ActiveJobs() int {
	total := 0
	for _, pool := range e.getPools() {
		total += pool.ActiveJobs()
	}
	return total
}

// WorkerStats returns per-slot statistics for every pool
func (e *Engine) WorkerStats() []WorkerStats {
	var stats []WorkerStats
	for _, pool := range e.getPools() {
		stats = append(stats, pool.GetWorkerStats()...)
	}
	return stats
}

// Health returns the current health status
func (e *Engine) Health(ctx context.Context) HealthStatus {
	state := e.State()

	status := HealthStatus{
		State:      state,
		ActiveJobs: e.ActiveJobs(),
		Queues:     make(map[string]job.Counts),
		LastCheck:  time.Now(),
	}

	if state == StateStopped {
		status.BrokerHealth = errors.ErrNotConnected
		return status
	}

	status.BrokerHealth = e.broker.Health()
	status.StatsHealth = e.stats.Health()

	if status.BrokerHealth == nil {
		for name, q := range e.queues {
			if counts, err := q.Counts(ctx); err == nil {
				status.Queues[name] = counts
			}
		}
	}

	status.Healthy = state == StateRunning && status.BrokerHealth == nil && status.StatsHealth == nil
	return status
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() Config {
	return *e.config
}

func (e *Engine) closeBroker() {
	if err := e.broker.Close(); err != nil {
		slog.Error("Error closing broker", "error", err)
	}
}
