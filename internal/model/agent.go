package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentType classifies what an agent may do.
type AgentType string

// Agent type constants.
const (
	AgentArchitect  AgentType = "ARCHITECT"
	AgentWorker     AgentType = "WORKER"
	AgentGovernance AgentType = "GOVERNANCE"
)

// ParseAgentType validates s as a known agent type.
func ParseAgentType(s string) (AgentType, error) {
	switch t := AgentType(s); t {
	case AgentArchitect, AgentWorker, AgentGovernance:
		return t, nil
	default:
		return "", fmt.Errorf("unknown agent type %q", s)
	}
}

// Agent is a participant in contract-based task delegation.
type Agent struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Type         AgentType `json:"type" yaml:"type"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	Active       bool      `json:"active" yaml:"-"`
}

// HasCapability reports whether the agent declares capability c.
func (a *Agent) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Contract records the delegation of a task from one agent to another within
// an execution. It is immutable once created.
type Contract struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	RequesterID string          `json:"requester_id"`
	ResponderID string          `json:"responder_id"`
	Terms       json.RawMessage `json:"terms"`
	Accepted    bool            `json:"accepted"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Message is an append-only entry on a contract.
type Message struct {
	ID         string          `json:"id"`
	ContractID string          `json:"contract_id"`
	SenderID   string          `json:"sender_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}
