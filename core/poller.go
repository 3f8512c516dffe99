package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/BranchIntl/mailqueue/errors"
	"github.com/BranchIntl/mailqueue/job"
)

// errorBackoff is the pause after a failed lease attempt
const errorBackoff = time.Second

// Poller leases jobs for one queue on behalf of idle workers
type Poller struct {
	broker   Broker
	queue    string
	leaseFor time.Duration
	interval time.Duration
}

// NewPoller creates a new poller
func NewPoller(broker Broker, queue string, leaseFor, interval time.Duration) *Poller {
	return &Poller{
		broker:   broker,
		queue:    queue,
		leaseFor: leaseFor,
		interval: interval,
	}
}

// Start hands one leased job to jobs for every ready signal. It closes jobs
// and returns when ctx is done; a job leased before that is always
// delivered because the worker that signalled is waiting for it.
func (p *Poller) Start(ctx context.Context, ready <-chan struct{}, jobs chan<- *job.Job) {
	defer close(jobs)
	slog.Info("Poller started", "queue", p.queue)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Poller stopped", "queue", p.queue)
			return
		case <-ready:
		}

		j := p.next(ctx)
		if j == nil {
			slog.Info("Poller stopped", "queue", p.queue)
			return
		}
		jobs <- j
	}
}

// next leases until a job is found or ctx is done
func (p *Poller) next(ctx context.Context) *job.Job {
	for {
		if ctx.Err() != nil {
			return nil
		}

		j, err := p.broker.Lease(ctx, p.queue, p.leaseFor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Error polling", "queue", p.queue, "error", err, "timeout", errors.IsTimeout(err))
			if !sleep(ctx, errorBackoff) {
				return nil
			}
			continue
		}

		if j != nil {
			slog.Debug("Leased job", "queue", p.queue, "id", j.ID, "kind", j.Kind)
			return j
		}

		if !sleep(ctx, p.interval) {
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
