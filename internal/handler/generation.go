package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/oracle"
)

// GenerationPayload is the payload of a generation step.
type GenerationPayload struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

// GenerationOutput is the output of a generation step.
type GenerationOutput struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback,omitempty"`
}

// GenerationHandler streams text from the oracle. When the oracle is
// unavailable it returns a labelled fallback instead of failing.
type GenerationHandler struct {
	oracle oracle.Oracle
}

// NewGenerationHandler creates a generation handler backed by o.
func NewGenerationHandler(o oracle.Oracle) *GenerationHandler {
	return &GenerationHandler{oracle: o}
}

// Capabilities describes the handler.
func (h *GenerationHandler) Capabilities() Capabilities {
	return Capabilities{Name: "generation", StepType: model.StepGeneration, Streaming: true, Idempotent: "side-effect free"}
}

// FallbackText is the labelled text produced without an oracle.
func FallbackText(prompt string) string {
	return "[fallback: oracle unavailable] " + prompt
}

// Handle streams the completion, forwarding chunks to req.Progress.
func (h *GenerationHandler) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	var p GenerationPayload
	if err := decodePayload(req.Payload, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("generation: prompt is required")
	}

	text, err := h.oracle.Stream(ctx, p.System, p.Prompt, req.Progress)
	if errors.Is(err, oracle.ErrUnavailable) {
		oracleFallbacks.Inc()
		handlerCalls.WithLabelValues("generation", outcomeFallback).Inc()
		return json.Marshal(GenerationOutput{Text: FallbackText(p.Prompt), Fallback: true})
	}
	if err != nil {
		handlerCalls.WithLabelValues("generation", outcomeError).Inc()
		return nil, fmt.Errorf("generation: %w", err)
	}
	handlerCalls.WithLabelValues("generation", outcomeOK).Inc()
	return json.Marshal(GenerationOutput{Text: text})
}
