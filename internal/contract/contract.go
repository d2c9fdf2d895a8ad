// Package contract records task delegation between agents within an
// execution and the messages exchanged on each contract.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

var (
	// ErrNotParty is returned when a message sender is neither requester nor
	// responder of the contract.
	ErrNotParty = errors.New("sender is not a party of the contract")
	// ErrSelfContract is returned when requester and responder are the same agent.
	ErrSelfContract = errors.New("requester and responder must differ")
)

// AgentScope is the bus scope for agent lifecycle events.
const AgentScope = "agents"

// Store is the persistence the contract layer needs.
type Store interface {
	store.AgentStore
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
}

// Trigger asks the scheduler to make an execution runnable. Implementations
// must be idempotent.
type Trigger interface {
	EnsureRunnable(ctx context.Context, executionID string) error
}

// Service implements contract creation and messaging.
type Service struct {
	store   Store
	bus     *events.Bus
	trigger Trigger
	logger  *slog.Logger
}

// NewService creates a contract service. trigger may be nil.
func NewService(st Store, bus *events.Bus, trigger Trigger, logger *slog.Logger) *Service {
	return &Service{store: st, bus: bus, trigger: trigger, logger: logger}
}

// DefaultAgents is the seed used when no agents file is configured.
func DefaultAgents() []model.Agent {
	return []model.Agent{
		{ID: "architect", Name: "Architect", Type: model.AgentArchitect, Capabilities: []string{"plan", "delegate"}},
		{ID: "worker", Name: "Worker", Type: model.AgentWorker, Capabilities: []string{"http_call", "automation", "generation"}},
		{ID: "sentinel", Name: "Sentinel", Type: model.AgentGovernance, Capabilities: []string{"review"}},
	}
}

// LoadAgents reads agent seeds from a YAML file of the form {agents: [...]}.
func LoadAgents(path string) ([]model.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents: %w", err)
	}
	var f struct {
		Agents []model.Agent `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents: %w", err)
	}
	for _, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent without id in %s", path)
		}
		if _, err := model.ParseAgentType(string(a.Type)); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
	}
	return f.Agents, nil
}

// SeedAgents upserts agents. Running it again is harmless.
func (s *Service) SeedAgents(ctx context.Context, agents []model.Agent) error {
	for i := range agents {
		if err := s.store.UpsertAgent(ctx, &agents[i]); err != nil {
			return fmt.Errorf("seed agent %s: %w", agents[i].ID, err)
		}
	}
	return nil
}

// ActivateWorkers marks every inactive WORKER agent active and publishes
// agent.activated for each. It returns the number activated.
func (s *Service) ActivateWorkers(ctx context.Context) (int, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range agents {
		if a.Type != model.AgentWorker || a.Active {
			continue
		}
		if err := s.store.SetAgentActive(ctx, a.ID, true); err != nil {
			return n, fmt.Errorf("activate %s: %w", a.ID, err)
		}
		n++
		s.bus.Publish(AgentScope, model.NewEvent(events.AgentActivated, "", map[string]any{
			"agentId": a.ID,
			"name":    a.Name,
		}))
	}
	return n, nil
}

// ListAgents returns all agents.
func (s *Service) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return s.store.ListAgents(ctx)
}

// CreateContract records a delegation from requester to responder within an
// execution. A WORKER responder makes the execution runnable.
func (s *Service) CreateContract(ctx context.Context, executionID, requesterID, responderID string, terms json.RawMessage) (string, error) {
	if requesterID == responderID {
		return "", ErrSelfContract
	}
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("execution %s: %w", executionID, err)
	}
	if _, err := s.store.GetAgent(ctx, requesterID); err != nil {
		return "", fmt.Errorf("requester %s: %w", requesterID, err)
	}
	responder, err := s.store.GetAgent(ctx, responderID)
	if err != nil {
		return "", fmt.Errorf("responder %s: %w", responderID, err)
	}

	c := &model.Contract{
		ID:          model.NewID(),
		ExecutionID: executionID,
		RequesterID: requesterID,
		ResponderID: responderID,
		Terms:       terms,
		Accepted:    responder.Active,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateContract(ctx, c); err != nil {
		return "", err
	}

	s.bus.Publish(executionID, model.NewEvent(events.ContractCreated, executionID, map[string]any{
		"contractId":  c.ID,
		"requesterId": requesterID,
		"responderId": responderID,
		"accepted":    c.Accepted,
	}))

	if responder.Type == model.AgentWorker && s.trigger != nil && !model.IsTerminal(exec.Status) {
		if err := s.trigger.EnsureRunnable(ctx, executionID); err != nil {
			s.logger.Warn("ensure runnable failed", "execution_id", executionID, "contract_id", c.ID, "error", err)
		}
	}
	return c.ID, nil
}

// SendMessage appends a message to a contract.
func (s *Service) SendMessage(ctx context.Context, contractID, senderID string, payload json.RawMessage) (string, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return "", fmt.Errorf("contract %s: %w", contractID, err)
	}
	if senderID != c.RequesterID && senderID != c.ResponderID {
		return "", ErrNotParty
	}

	m := &model.Message{
		ID:         model.NewID(),
		ContractID: contractID,
		SenderID:   senderID,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return "", err
	}

	s.bus.Publish(c.ExecutionID, model.NewEvent(events.MessageSent, c.ExecutionID, map[string]any{
		"contractId": contractID,
		"messageId":  m.ID,
		"senderId":   senderID,
	}))
	return m.ID, nil
}

// ListContracts returns the contracts of an execution.
func (s *Service) ListContracts(ctx context.Context, executionID string) ([]*model.Contract, error) {
	return s.store.ListContracts(ctx, executionID)
}

// ListMessages returns the messages of a contract, oldest first.
func (s *Service) ListMessages(ctx context.Context, contractID string) ([]*model.Message, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, contractID)
}
