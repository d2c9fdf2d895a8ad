package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
)

// ErrNotTerminal is returned when rerunning an execution that is still active.
var ErrNotTerminal = errors.New("execution is not terminal")

// Dispatcher hands an execution to something that will drive it.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string) error
}

// QueueDispatcher publishes execution ids to a work queue consumed by workers.
type QueueDispatcher struct {
	Queue queue.Queue
}

// Dispatch enqueues executionID.
func (d QueueDispatcher) Dispatch(ctx context.Context, executionID string) error {
	return d.Queue.Push(ctx, executionID)
}

// Engine is the entry point for submitting and controlling executions.
type Engine struct {
	sched      *Scheduler
	store      store.ExecutionStore
	dispatcher Dispatcher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

// NewEngine creates an engine. With a nil dispatcher executions run on local
// goroutines.
func NewEngine(sched *Scheduler, st store.ExecutionStore, d Dispatcher, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sched:      sched,
		store:      st,
		dispatcher: d,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[string]bool),
	}
}

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// Submit creates an execution for goal and dispatches it. The execution is
// stored as pending before Submit returns.
func (e *Engine) Submit(ctx context.Context, goal model.Goal) (string, error) {
	id, err := e.sched.CreateExecution(ctx, goal)
	if err != nil {
		return "", err
	}
	if err := e.Dispatch(ctx, id); err != nil {
		return id, fmt.Errorf("dispatch: %w", err)
	}
	return id, nil
}

// Dispatch hands executionID to the configured dispatcher, or starts a local
// run unless one is already active for it.
func (e *Engine) Dispatch(ctx context.Context, executionID string) error {
	if e.dispatcher != nil {
		return e.dispatcher.Dispatch(ctx, executionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[executionID] || e.ctx.Err() != nil {
		return nil
	}
	e.running[executionID] = true
	activeRuns.Inc()

	e.wg.Go(func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, executionID)
			e.mu.Unlock()
			activeRuns.Dec()
		}()
		if err := e.sched.RunExecution(e.ctx, executionID); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("execution run stopped", "execution_id", executionID, "error", err)
		}
	})
	return nil
}

// EnsureRunnable dispatches executionID if it is not terminal. It is safe to
// call repeatedly.
func (e *Engine) EnsureRunnable(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if model.IsTerminal(exec.Status) {
		return nil
	}
	return e.Dispatch(ctx, executionID)
}

// Rerun submits the goal of a terminal execution as a new execution.
func (e *Engine) Rerun(ctx context.Context, executionID string) (string, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if !model.IsTerminal(exec.Status) {
		return "", ErrNotTerminal
	}
	var goal model.Goal
	if err := json.Unmarshal(exec.Goal, &goal); err != nil {
		return "", fmt.Errorf("decode stored goal: %w", err)
	}
	goal.ID = exec.GoalID
	return e.Submit(ctx, goal)
}

// Abort fails a non-terminal execution. Running steps observe the terminal
// status on their next store write.
func (e *Engine) Abort(ctx context.Context, executionID, reason string) error {
	return e.sched.Abort(ctx, executionID, reason)
}

// Wait blocks until all local runs return.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels local runs and waits for them.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}
