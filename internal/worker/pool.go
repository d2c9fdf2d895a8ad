// Package worker consumes execution ids from a queue and advances them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/forge/internal/queue"
)

// DefaultPopTimeout is how long a worker blocks on an empty queue before
// checking for shutdown.
const DefaultPopTimeout = 2 * time.Second

// errorBackoff is the pause after a queue error other than empty.
const errorBackoff = time.Second

// Runner advances an execution until nothing is claimable.
type Runner interface {
	Advance(ctx context.Context, executionID string) (int, error)
}

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	queue      queue.Queue
	runner     Runner
	size       int
	popTimeout time.Duration
	logger     *slog.Logger

	processed atomic.Int64
}

// NewPool creates a pool of size workers.
func NewPool(q queue.Queue, r Runner, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{queue: q, runner: r, size: size, popTimeout: DefaultPopTimeout, logger: logger}
}

// Processed returns how many executions were advanced.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range p.size {
		id := uuid.NewString()
		g.Go(func() error {
			return p.work(ctx, id)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, workerID string) error {
	logger := p.logger.With("worker_id", workerID)
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		executionID, err := p.queue.Pop(ctx, p.popTimeout)
		switch {
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		case errors.Is(err, queue.ErrEmpty):
			continue
		case err != nil:
			logger.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}

		n, err := p.runner.Advance(ctx, executionID)
		p.processed.Add(1)
		if err != nil && ctx.Err() == nil {
			logger.Error("advance failed", "execution_id", executionID, "steps", n, "error", err)
			continue
		}
		logger.Debug("advanced execution", "execution_id", executionID, "steps", n)
	}
}
