package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/failure"
	"github.com/seantiz/forge/internal/gate"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/planner"
	"github.com/seantiz/forge/internal/store"
)

const tracerName = "github.com/seantiz/forge/internal/engine"

// DefaultPollInterval bounds how long an idle run waits before re-checking.
const DefaultPollInterval = 2 * time.Second

// minIdleWait keeps an idle loop from spinning when a retry deadline is due.
const minIdleWait = 10 * time.Millisecond

// outcomeTimeout bounds the store writes that record how an attempt ended.
const outcomeTimeout = 5 * time.Second

// outcomeContext detaches ctx from cancellation so a run that is being shut
// down still records how its step ended instead of leaving it running.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
}

// Config tunes the scheduler.
type Config struct {
	MaxAttempts      int
	PollInterval     time.Duration
	ProgressInterval time.Duration
	// FailFastOnFatal fails the whole execution as soon as a step fails with a
	// fatal error instead of letting it exhaust its attempts.
	FailFastOnFatal bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = model.DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// Validator checks completed steps before an execution may continue.
type Validator interface {
	Validate(ctx context.Context, executionID string) (gate.Verdict, error)
}

// Scheduler advances executions one claimed step at a time. Any number of
// schedulers may share a store; the claim is the only synchronization point.
type Scheduler struct {
	store    store.Store
	planner  *planner.Planner
	executor *Executor
	gate     Validator
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	finalized map[string]bool
}

// NewScheduler creates a scheduler.
func NewScheduler(st store.Store, p *planner.Planner, handlers handler.Set, v Validator, bus *events.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:     st,
		planner:   p,
		executor:  NewExecutor(st, bus, handlers, cfg.ProgressInterval, logger),
		gate:      v,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
		finalized: make(map[string]bool),
	}
}

// SetClock replaces the time source used for claims, backoff and progress
// throttling.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.executor.now = now
}

// MaxAttempts returns the configured attempt cap.
func (s *Scheduler) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// CreateExecution plans goal and persists the execution with its steps.
func (s *Scheduler) CreateExecution(ctx context.Context, goal model.Goal) (string, error) {
	plan, err := s.planner.Plan(ctx, goal)
	if err != nil {
		return "", fmt.Errorf("plan goal: %w", err)
	}
	if goal.ID == "" {
		goal.ID = model.NewID()
	}
	doc, err := json.Marshal(goal)
	if err != nil {
		return "", fmt.Errorf("encode goal: %w", err)
	}

	now := s.now()
	exec := &model.Execution{
		ID:        model.NewID(),
		GoalID:    goal.ID,
		Title:     goal.Title,
		Goal:      doc,
		Status:    model.StatusPending,
		CreatedAt: now,
	}
	steps := make([]*model.Step, len(plan))
	for i, ps := range plan {
		steps[i] = &model.Step{
			ID:          model.NewID(),
			ExecutionID: exec.ID,
			Position:    i,
			Type:        ps.Type,
			Payload:     ps.Payload,
			Status:      model.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	if err := s.store.CreateExecution(ctx, exec, steps); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	s.logger.Info("execution created", "execution_id", exec.ID, "goal_id", goal.ID, "steps", len(steps))
	s.bus.Publish(exec.ID, model.NewEvent(events.ExecutionCreated, exec.ID, map[string]any{
		"title":  exec.Title,
		"goalId": exec.GoalID,
		"steps":  len(steps),
	}))
	return exec.ID, nil
}

// RunNextStep claims and runs the next eligible step of executionID. It
// returns the step it ran, or nil when nothing was claimable, in which case
// the execution is finalized if its steps allow it.
func (s *Scheduler) RunNextStep(ctx context.Context, executionID string) (*model.Step, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run_next_step",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("forge.execution_id", executionID)),
	)
	defer span.End()

	now := s.now()
	step, err := s.store.ClaimNextStep(ctx, executionID, now, s.cfg.MaxAttempts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return nil, fmt.Errorf("claim step: %w", err)
	}
	if step == nil {
		claimMisses.Inc()
		if err := s.finalize(ctx, executionID); err != nil {
			span.RecordError(err)
			return nil, err
		}
		return nil, nil
	}

	span.SetAttributes(
		attribute.String("forge.step_id", step.ID),
		attribute.String("forge.step_type", string(step.Type)),
		attribute.Int("forge.attempt", step.AttemptCount+1),
	)

	if _, err := s.store.MarkExecutionRunning(ctx, executionID, now); err != nil {
		s.logger.Warn("mark execution running failed", "execution_id", executionID, "error", err)
	}
	s.bus.Publish(executionID, model.NewEvent(events.ExecutionProgress, executionID, map[string]any{
		"status": model.StatusRunning,
		"stepId": step.ID,
	}))

	start := time.Now()
	out := s.executor.Execute(ctx, step)
	stepDuration.WithLabelValues(string(step.Type)).Observe(time.Since(start).Seconds())

	switch {
	case out.Halted:
		stepsTotal.WithLabelValues(string(step.Type), outcomeHalted).Inc()
		span.AddEvent("halted")
		return step, nil
	case out.Err != nil:
		stepsTotal.WithLabelValues(string(step.Type), outcomeFailed).Inc()
		span.RecordError(out.Err)
		wctx, cancel := outcomeContext(ctx)
		defer cancel()
		if err := s.recordFailure(wctx, step, out.Err); err != nil {
			return step, err
		}
		return step, nil
	}

	// A gate error leaves the step completed but unchecked. The next
	// validation, at the latest the one in finalize, covers it.
	verdict, err := s.gate.Validate(ctx, executionID)
	if err != nil {
		span.RecordError(err)
		return step, fmt.Errorf("governance: %w", err)
	}
	if !verdict.Passed {
		stepsTotal.WithLabelValues(string(step.Type), outcomeBlocked).Inc()
		span.SetStatus(codes.Error, "governance blocked")
		s.blocked(executionID, verdict)
		return step, nil
	}
	governanceVerdicts.WithLabelValues("passed").Inc()
	stepsTotal.WithLabelValues(string(step.Type), outcomeCompleted).Inc()
	return step, nil
}

// recordFailure persists a failed attempt with its retry deadline.
func (s *Scheduler) recordFailure(ctx context.Context, step *model.Step, cause error) error {
	now := s.now()
	class := failure.ClassifyError(cause)
	attempt := step.AttemptCount

	f := model.StepFailure{Error: cause.Error()}
	exhausted := attempt+1 >= s.cfg.MaxAttempts
	if exhausted {
		f.Error = fmt.Sprintf("%s: %s", model.MaxAttemptsReason, cause.Error())
	} else {
		retryAt := failure.ComputeBackoff(now, attempt)
		f.NextRetryAt = &retryAt
	}

	updated, err := s.store.RecordStepFailure(ctx, step.ID, f, now)
	if err != nil {
		return fmt.Errorf("record step failure: %w", err)
	}

	s.logger.Warn("step failed",
		"execution_id", step.ExecutionID, "step_id", step.ID,
		"attempt", updated.AttemptCount, "class", class, "exhausted", exhausted, "error", cause)

	data := map[string]any{
		"stepId":  step.ID,
		"error":   f.Error,
		"class":   string(class),
		"attempt": updated.AttemptCount,
	}
	if f.NextRetryAt != nil {
		data["retryAt"] = f.NextRetryAt.Format(time.RFC3339Nano)
	}
	s.bus.Publish(step.ExecutionID, model.NewEvent(events.StepFailed, step.ExecutionID, data))

	progress := map[string]any{"status": model.StatusRunning}
	for k, v := range data {
		progress[k] = v
	}
	s.bus.Publish(step.ExecutionID, model.NewEvent(events.ExecutionProgress, step.ExecutionID, progress))

	if class == failure.Fatal && s.cfg.FailFastOnFatal {
		return s.fail(ctx, step.ExecutionID, f.Error)
	}
	return nil
}

// finalize decides the fate of an execution with nothing claimable.
func (s *Scheduler) finalize(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if model.IsTerminal(exec.Status) {
		s.markFinalized(executionID, exec.Status, exec.Error)
		return nil
	}

	sum, err := s.store.SummarizeSteps(ctx, executionID, s.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("summarize steps: %w", err)
	}

	switch {
	case sum.AllCompleted():
		verdict, err := s.gate.Validate(ctx, executionID)
		if err != nil {
			return fmt.Errorf("governance: %w", err)
		}
		if !verdict.Passed {
			s.blocked(executionID, verdict)
			return nil
		}
		err = s.store.FinishExecution(ctx, executionID, model.StatusCompleted, "", s.now())
		if errors.Is(err, store.ErrInvalidTransition) {
			return s.finalizeObserved(ctx, executionID)
		}
		if err != nil {
			return fmt.Errorf("complete execution: %w", err)
		}
		s.logger.Info("execution completed", "execution_id", executionID, "steps", sum.Total)
		s.terminated(executionID, model.StatusCompleted, "")
		return nil
	case sum.Exhausted > 0:
		return s.fail(ctx, executionID, fmt.Sprintf("%d step(s) exhausted %d attempts", sum.Exhausted, s.cfg.MaxAttempts))
	default:
		return nil
	}
}

// blocked publishes the terminal events for an execution the gate failed.
func (s *Scheduler) blocked(executionID string, verdict gate.Verdict) {
	governanceVerdicts.WithLabelValues("blocked").Inc()
	s.terminated(executionID, model.StatusFailed, "governance: "+verdict.Reason)
}

// fail moves an execution to failed and publishes the terminal events.
func (s *Scheduler) fail(ctx context.Context, executionID, reason string) error {
	err := s.store.FinishExecution(ctx, executionID, model.StatusFailed, reason, s.now())
	if errors.Is(err, store.ErrInvalidTransition) {
		return s.finalizeObserved(ctx, executionID)
	}
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	s.logger.Warn("execution failed", "execution_id", executionID, "error", reason)
	s.terminated(executionID, model.StatusFailed, reason)
	return nil
}

// finalizeObserved handles an execution that another process finished first.
func (s *Scheduler) finalizeObserved(ctx context.Context, executionID string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	s.markFinalized(executionID, exec.Status, exec.Error)
	return nil
}

// Abort fails a non-terminal execution.
func (s *Scheduler) Abort(ctx context.Context, executionID, reason string) error {
	if reason == "" {
		reason = "aborted"
	}
	err := s.store.FinishExecution(ctx, executionID, model.StatusFailed, reason, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("execution aborted", "execution_id", executionID, "reason", reason)
	s.terminated(executionID, model.StatusFailed, reason)
	return nil
}

// terminated publishes execution.completed or execution.failed followed by
// execution.finalized.
func (s *Scheduler) terminated(executionID, status, errMsg string) {
	kind := events.ExecutionCompleted
	data := map[string]any{"status": status}
	if status == model.StatusFailed {
		kind = events.ExecutionFailed
		data["error"] = errMsg
	}
	executionsTotal.WithLabelValues(status).Inc()
	s.bus.Publish(executionID, model.NewEvent(kind, executionID, data))
	s.markFinalized(executionID, status, errMsg)
}

// markFinalized publishes execution.finalized at most once per process.
func (s *Scheduler) markFinalized(executionID, status, errMsg string) {
	s.mu.Lock()
	if s.finalized[executionID] {
		s.mu.Unlock()
		return
	}
	s.finalized[executionID] = true
	s.mu.Unlock()

	data := map[string]any{"status": status}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.bus.Publish(executionID, model.NewEvent(events.ExecutionFinalized, executionID, data))
}

// Advance runs steps of executionID until nothing is claimable and returns
// how many ran.
func (s *Scheduler) Advance(ctx context.Context, executionID string) (int, error) {
	n := 0
	for ctx.Err() == nil {
		step, err := s.RunNextStep(ctx, executionID)
		if err != nil {
			return n, err
		}
		if step == nil {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// RunExecution drives executionID until it is terminal or ctx is cancelled.
// Idle periods wait for the earlier of the poll interval and the next retry
// deadline.
func (s *Scheduler) RunExecution(ctx context.Context, executionID string) error {
	for {
		if _, err := s.Advance(ctx, executionID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("advance execution failed", "execution_id", executionID, "error", err)
		}

		exec, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("load execution: %w", err)
		}
		if model.IsTerminal(exec.Status) {
			return nil
		}

		timer := time.NewTimer(s.idleWait(ctx, executionID))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) idleWait(ctx context.Context, executionID string) time.Duration {
	wait := s.cfg.PollInterval
	sum, err := s.store.SummarizeSteps(ctx, executionID, s.cfg.MaxAttempts)
	if err != nil || sum.NextRetryAt == nil {
		return wait
	}
	if d := sum.NextRetryAt.Sub(s.now()); d < wait {
		wait = d
	}
	return max(wait, minIdleWait)
}
