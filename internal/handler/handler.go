package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/forge/internal/model"
)

// Handler runs one step type.
type Handler interface {
	// Handle runs the step and returns its output document. The context
	// carries deadlines and cancellation.
	Handle(ctx context.Context, req Request) (json.RawMessage, error)

	// Capabilities describes the handler for listings.
	Capabilities() Capabilities
}

// Request is the input handed to a handler.
type Request struct {
	StepID      string
	ExecutionID string
	Payload     json.RawMessage

	// Progress receives partial text from streaming handlers. It may be nil.
	Progress func(chunk string)
}

// Capabilities describes what a handler does.
type Capabilities struct {
	Name       string         `json:"name"`
	StepType   model.StepType `json:"step_type"`
	Streaming  bool           `json:"streaming"`
	Idempotent string         `json:"idempotent"`
}

// Set holds one handler per step type.
type Set struct {
	HTTP       Handler
	Automation Handler
	Generation Handler
}

// For returns the handler for t. Adding a step type requires a case here.
func (s Set) For(t model.StepType) (Handler, error) {
	var h Handler
	switch t {
	case model.StepHTTPCall:
		h = s.HTTP
	case model.StepAutomation:
		h = s.Automation
	case model.StepGeneration:
		h = s.Generation
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
	if h == nil {
		return nil, fmt.Errorf("no handler configured for step type %q", t)
	}
	return h, nil
}

// List returns the capabilities of every configured handler in step type order.
func (s Set) List() []Capabilities {
	var out []Capabilities
	for _, t := range model.StepTypes {
		if h, err := s.For(t); err == nil {
			out = append(out, h.Capabilities())
		}
	}
	return out
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
