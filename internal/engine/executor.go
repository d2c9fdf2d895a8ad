package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

// Outcome is the result of one step attempt.
type Outcome struct {
	Output json.RawMessage
	Err    error
	// Halted is set when the execution became terminal while the step ran.
	// The output was discarded and nothing should advance.
	Halted bool
}

// Executor runs a claimed step through its handler and persists successful
// output. Failures are returned for the scheduler to record.
type Executor struct {
	store            store.StepStore
	bus              *events.Bus
	handlers         handler.Set
	progressInterval time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(st store.StepStore, bus *events.Bus, handlers handler.Set, progressInterval time.Duration, logger *slog.Logger) *Executor {
	if progressInterval <= 0 {
		progressInterval = DefaultProgressInterval
	}
	return &Executor{
		store:            st,
		bus:              bus,
		handlers:         handlers,
		progressInterval: progressInterval,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           logger,
	}
}

// Execute runs step. It never panics: handler panics become errors.
func (x *Executor) Execute(ctx context.Context, step *model.Step) Outcome {
	x.bus.Publish(step.ExecutionID, model.NewEvent(events.StepStarted, step.ExecutionID, map[string]any{
		"stepId":   step.ID,
		"type":     string(step.Type),
		"position": step.Position,
		"attempt":  step.AttemptCount + 1,
	}))

	h, err := x.handlers.For(step.Type)
	if err != nil {
		return Outcome{Err: err}
	}

	progress := newProgressSink(x.bus, step, x.progressInterval, x.now)
	output, err := invokeHandler(ctx, h, handler.Request{
		StepID:      step.ID,
		ExecutionID: step.ExecutionID,
		Payload:     step.Payload,
		Progress:    progress.write,
	})
	progress.flush()
	if err != nil {
		return Outcome{Err: err}
	}

	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	err = x.store.CompleteStep(wctx, step.ID, output, x.now())
	if errors.Is(err, store.ErrExecutionTerminal) {
		x.logger.Info("execution finished while step ran, discarding output",
			"execution_id", step.ExecutionID, "step_id", step.ID)
		return Outcome{Output: output, Halted: true}
	}
	if err != nil {
		return Outcome{Err: fmt.Errorf("persist output: %w", err)}
	}

	x.bus.Publish(step.ExecutionID, model.NewEvent(events.StepCompleted, step.ExecutionID, map[string]any{
		"stepId": step.ID,
		"output": output,
	}))
	return Outcome{Output: output}
}

func invokeHandler(ctx context.Context, h handler.Handler, req handler.Request) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	out, err = h.Handle(ctx, req)
	if err == nil && len(out) == 0 {
		out = json.RawMessage("null")
	}
	return out, err
}
