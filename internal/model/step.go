package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the number of attempts a step gets before it is
// terminally failed.
const DefaultMaxAttempts = 5

// MaxAttemptsReason prefixes the last error of a step whose attempts are exhausted.
const MaxAttemptsReason = "Max attempts reached"

// StepType selects the handler that runs a step. The set is closed: adding a
// type means adding a constant here and a case to every switch over StepType.
type StepType string

// Step types.
const (
	StepHTTPCall   StepType = "http_call"
	StepAutomation StepType = "automation"
	StepGeneration StepType = "generation"
)

// StepTypes lists every known step type in a stable order.
var StepTypes = []StepType{StepHTTPCall, StepAutomation, StepGeneration}

// ParseStepType validates s as a known step type.
func ParseStepType(s string) (StepType, error) {
	switch t := StepType(s); t {
	case StepHTTPCall, StepAutomation, StepGeneration:
		return t, nil
	default:
		return "", fmt.Errorf("unknown step type %q", s)
	}
}

// UnmarshalJSON rejects unknown step types at decode time.
func (t *StepType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseStepType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Step is a single unit of work within an execution.
type Step struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	Position     int             `json:"position"`
	Type         StepType        `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Eligible reports whether the step may be claimed at now.
func (s *Step) Eligible(now time.Time, maxAttempts int) bool {
	if s.Status != StatusPending && s.Status != StatusFailed {
		return false
	}
	if s.NextRetryAt != nil && s.NextRetryAt.After(now) {
		return false
	}
	return s.AttemptCount < maxAttempts
}

// Exhausted reports whether the step has failed with no attempts left.
func (s *Step) Exhausted(maxAttempts int) bool {
	return s.Status == StatusFailed && s.AttemptCount >= maxAttempts
}

// StepSummary aggregates the step states of one execution.
type StepSummary struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Exhausted int
	// NextRetryAt is the earliest retry deadline among retryable failed steps.
	NextRetryAt *time.Time
}

// AllCompleted reports whether every step of the execution completed.
func (s StepSummary) AllCompleted() bool {
	return s.Total > 0 && s.Completed == s.Total
}

// StepFailure is the state persisted when an attempt fails.
type StepFailure struct {
	Error       string
	NextRetryAt *time.Time
}
