package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/forge/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrExecutionTerminal is returned when a step write targets an execution
	// that already completed or failed.
	ErrExecutionTerminal = errors.New("execution is terminal")
	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("duplicate record")
)

// ExecutionStore persists executions.
type ExecutionStore interface {
	// CreateExecution inserts the execution and its steps in one transaction.
	CreateExecution(ctx context.Context, e *model.Execution, steps []*model.Step) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	// ListActiveExecutions returns the ids of executions that are not terminal.
	ListActiveExecutions(ctx context.Context) ([]string, error)
	// MarkExecutionRunning moves a pending execution to running and reports
	// whether this call performed the transition.
	MarkExecutionRunning(ctx context.Context, id string, now time.Time) (bool, error)
	// FinishExecution moves an execution to completed or failed.
	FinishExecution(ctx context.Context, id, status, errMsg string, now time.Time) error
	// PurgeExecution deletes a terminal execution together with its steps,
	// contracts and messages.
	PurgeExecution(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*model.ExecutionStats, error)
}

// StepStore persists steps. ClaimNextStep is the only synchronization point
// between concurrent schedulers.
type StepStore interface {
	// ClaimNextStep atomically selects the lowest-position eligible step of a
	// non-terminal execution, marks it running under a lease and returns it.
	// Running steps whose lease expired are eligible again. It returns
	// (nil, nil) when nothing is claimable.
	ClaimNextStep(ctx context.Context, executionID string, now time.Time, maxAttempts int) (*model.Step, error)
	GetStep(ctx context.Context, id string) (*model.Step, error)
	ListSteps(ctx context.Context, executionID string) ([]*model.Step, error)
	ListCompletedSteps(ctx context.Context, executionID string) ([]*model.Step, error)
	// CompleteStep stores output for a running step. It returns
	// ErrExecutionTerminal when the owning execution finished meanwhile.
	CompleteStep(ctx context.Context, id string, output json.RawMessage, now time.Time) error
	// RecordStepFailure marks the step failed, increments its attempt count and
	// stores the error and retry deadline. It returns the updated step.
	RecordStepFailure(ctx context.Context, id string, f model.StepFailure, now time.Time) (*model.Step, error)
	// RejectStep marks a step failed with a governance reason without touching
	// its attempt count.
	RejectStep(ctx context.Context, id, reason string, now time.Time) error
	SummarizeSteps(ctx context.Context, executionID string, maxAttempts int) (model.StepSummary, error)
}

// AgentStore persists agents, contracts and their messages.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
	SetAgentActive(ctx context.Context, id string, active bool) error
	CreateContract(ctx context.Context, c *model.Contract) error
	GetContract(ctx context.Context, id string) (*model.Contract, error)
	ListContracts(ctx context.Context, executionID string) ([]*model.Contract, error)
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, contractID string) ([]*model.Message, error)
}

// OutboxStore persists durable events.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, ev *model.OutboxEvent) error
	// ClaimOutbox moves up to limit pending events to processing and returns
	// them, together with processing events whose visibility deadline passed.
	ClaimOutbox(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	CompleteOutbox(ctx context.Context, id string) error
	// FailOutbox records a delivery failure. With retry the event returns to
	// pending, otherwise it stays failed.
	FailOutbox(ctx context.Context, id, errMsg string, retry bool) error
}

// Store is the full persistence surface.
type Store interface {
	ExecutionStore
	StepStore
	AgentStore
	OutboxStore
	Ping(ctx context.Context) error
	Close() error
}
