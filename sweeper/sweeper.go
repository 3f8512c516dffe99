// Package sweeper trims terminal job records on a fixed schedule so broker
// storage stays bounded regardless of job traffic.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/mailqueue/job"
	"github.com/robfig/cron/v3"
)

// Cleaner is the queue surface the sweeper needs
type Cleaner interface {
	Name() string
	Clean(ctx context.Context, olderThan time.Duration, limit int, state job.State) (int, error)
	Trim(ctx context.Context, keep, limit int, state job.State) (int, error)
}

// Config holds the sweep schedule
type Config struct {
	// Interval between sweep cycles
	Interval time.Duration
	// Limit caps records removed per clean call
	Limit int
	// Timeout bounds one cycle
	Timeout time.Duration
}

// Retention bounds how long and how many terminal records a queue keeps.
// A zero age or count disables that bound.
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
	FailedCount    int
}

// DefaultConfig returns a one minute schedule removing at most 100 records per call
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Limit:    100,
		Timeout:  30 * time.Second,
	}
}

// DefaultRetention keeps completed jobs for an hour and failed jobs for a day
func DefaultRetention() Retention {
	return Retention{
		CompletedAge:   time.Hour,
		CompletedCount: 1000,
		FailedAge:      24 * time.Hour,
		FailedCount:    5000,
	}
}

type target struct {
	cleaner   Cleaner
	retention Retention
}

// Sweeper runs retention cleanup for a set of queues
type Sweeper struct {
	config  Config
	cron    *cron.Cron
	targets []target
	mu      sync.Mutex
	running bool
}

// New creates a sweeper
func New(config Config) *Sweeper {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.Limit <= 0 {
		config.Limit = d.Limit
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}

	return &Sweeper{
		config: config,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Add registers a queue to sweep
func (s *Sweeper) Add(c Cleaner, r Retention) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets = append(s.targets, target{cleaner: c, retention: r})
}

// Start schedules the periodic sweep
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	schedule := "@every " + s.config.Interval.String()
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	s.cron.Start()
	s.running = true
	slog.Info("Sweeper started", "interval", s.config.Interval, "queues", len(s.targets))
	return nil
}

// Stop halts the schedule and waits for a running cycle
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("Sweeper stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Sweeper stop timeout")
		return ctx.Err()
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	removed, err := s.RunOnce(ctx)
	if err != nil {
		slog.Warn("Sweep cycle incomplete", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		slog.Debug("Sweep cycle finished", "removed", removed)
	}
}

// RunOnce performs one cleanup cycle over every queue.
// A failing step is logged and the remaining steps still run.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	targets := append([]target(nil), s.targets...)
	s.mu.Unlock()

	var (
		total int
		errs  []error
	)
	for _, t := range targets {
		n, err := s.sweep(ctx, t)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (s *Sweeper) sweep(ctx context.Context, t target) (int, error) {
	name := t.cleaner.Name()
	r := t.retention
	limit := s.config.Limit

	var (
		total int
		errs  []error
	)
	record := func(step string, n int, err error) {
		total += n
		if err != nil {
			slog.Error("Cleanup failed", "queue", name, "step", step, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", name, step, err))
		}
	}

	if r.CompletedAge > 0 {
		n, err := t.cleaner.Clean(ctx, r.CompletedAge, limit, job.StateCompleted)
		record("clean completed", n, err)
	}
	if r.FailedAge > 0 {
		n, err := t.cleaner.Clean(ctx, r.FailedAge, limit, job.StateFailed)
		record("clean failed", n, err)
	}
	if r.CompletedCount > 0 {
		n, err := t.cleaner.Trim(ctx, r.CompletedCount, limit, job.StateCompleted)
		record("trim completed", n, err)
	}
	if r.FailedCount > 0 {
		n, err := t.cleaner.Trim(ctx, r.FailedCount, limit, job.StateFailed)
		record("trim failed", n, err)
	}

	return total, errors.Join(errs...)
}
