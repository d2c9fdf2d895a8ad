package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/seantiz/forge/internal/model"
)

// Automation actions.
const (
	ActionWriteArtifact = "write_artifact"
	ActionNoop          = "noop"
)

// AutomationPayload is the payload of an automation step.
type AutomationPayload struct {
	Action  string          `json:"action"`
	Key     string          `json:"key,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// AutomationOutput is the output of an automation step.
type AutomationOutput struct {
	Success  bool   `json:"success"`
	Artifact string `json:"artifact,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
}

// AutomationHandler writes artifacts. Object keys are derived from the step id
// so a retried step overwrites its earlier write.
type AutomationHandler struct {
	artifacts ArtifactStore
}

// NewAutomationHandler creates an automation handler writing to artifacts.
func NewAutomationHandler(artifacts ArtifactStore) *AutomationHandler {
	return &AutomationHandler{artifacts: artifacts}
}

// Capabilities describes the handler.
func (h *AutomationHandler) Capabilities() Capabilities {
	return Capabilities{Name: "automation/" + h.artifacts.Name(), StepType: model.StepAutomation, Idempotent: "artifact key from step id"}
}

// Handle runs the requested action.
func (h *AutomationHandler) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	var p AutomationPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}

	switch p.Action {
	case ActionNoop:
		handlerCalls.WithLabelValues("automation", outcomeOK).Inc()
		return json.Marshal(AutomationOutput{Success: true})
	case ActionWriteArtifact:
	default:
		return nil, fmt.Errorf("automation: unknown action %q", p.Action)
	}

	content := contentBytes(p.Content)
	key := ArtifactKey(req.ExecutionID, req.StepID, p.Key)
	location, err := h.artifacts.Put(ctx, key, content)
	if err != nil {
		handlerCalls.WithLabelValues("automation", outcomeError).Inc()
		return nil, fmt.Errorf("automation: write artifact: %w", err)
	}
	artifactBytes.Add(float64(len(content)))
	handlerCalls.WithLabelValues("automation", outcomeOK).Inc()
	return json.Marshal(AutomationOutput{Success: true, Artifact: location, Bytes: len(content)})
}

// ArtifactKey builds the object key for a step's artifact. The name is
// reduced to its base element so payloads cannot escape the step prefix.
func ArtifactKey(executionID, stepID, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		name = "artifact"
	}
	return path.Join(executionID, stepID, name)
}

// contentBytes unwraps JSON strings and keeps any other JSON value verbatim.
func contentBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}
