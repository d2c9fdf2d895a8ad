// Package events distributes execution lifecycle events: an in-process bus
// with synchronous delivery, a channel fan-out for push transports and a
// durable outbox for at-least-once handlers.
package events

// Event kinds.
const (
	ExecutionCreated   = "execution.created"
	ExecutionProgress  = "execution.progress"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionFinalized = "execution.finalized"

	StepStarted   = "step.started"
	StepProgress  = "step.progress"
	StepCompleted = "step.completed"
	StepFailed    = "step.failed"

	GovernancePassed  = "governance.passed"
	GovernanceBlocked = "governance.blocked"

	ContractCreated = "contract.created"
	MessageSent     = "message.sent"
	AgentActivated  = "agent.activated"
)

// Known is the allow-list of event kinds the bus delivers.
var Known = map[string]bool{
	ExecutionCreated:   true,
	ExecutionProgress:  true,
	ExecutionCompleted: true,
	ExecutionFailed:    true,
	ExecutionFinalized: true,
	StepStarted:        true,
	StepProgress:       true,
	StepCompleted:      true,
	StepFailed:         true,
	GovernancePassed:   true,
	GovernanceBlocked:  true,
	ContractCreated:    true,
	MessageSent:        true,
	AgentActivated:     true,
}

// DurableKinds are bridged into the outbox by default.
var DurableKinds = []string{
	ExecutionCompleted,
	ExecutionFailed,
	GovernancePassed,
	GovernanceBlocked,
}

// Wildcard subscribes to every scope.
const Wildcard = "*"
