package model

import (
	"encoding/json"
	"time"
)

// Status constants shared by executions and steps.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each execution status to the set of statuses it may
// transition to. Completed and failed are terminal.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether an execution may move from one status to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final execution status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Execution is one run of a decomposed goal.
type Execution struct {
	ID         string          `json:"id"`
	GoalID     string          `json:"goal_id"`
	Title      string          `json:"title"`
	Goal       json.RawMessage `json:"goal,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Goal is the high-level request a client submits. Steps, when present, are
// used verbatim as the plan; otherwise the planner derives them from Template
// or Description.
type Goal struct {
	ID          string        `json:"id,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Template    string        `json:"template,omitempty"`
	Steps       []PlannedStep `json:"steps,omitempty"`
}

// PlannedStep is a step definition before it is persisted.
type PlannedStep struct {
	Type    StepType        `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	StepsByStatus   map[string]int `json:"steps_by_status"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	AvgStepAttempts float64        `json:"avg_step_attempts"`
}
