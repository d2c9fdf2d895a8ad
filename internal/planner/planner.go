// Package planner decomposes goals into ordered step plans.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/oracle"
)

var (
	// ErrEmptyGoal is returned for goals without title or description.
	ErrEmptyGoal = errors.New("goal needs a title or description")
	// ErrUnknownTemplate is returned when a goal names a template that is not loaded.
	ErrUnknownTemplate = errors.New("unknown plan template")
)

// maxPlannedSteps bounds plans produced by the oracle.
const maxPlannedSteps = 20

// Template is a named, reusable plan. String values in step payloads may use
// the placeholders {{title}} and {{description}}.
type Template struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Steps       []TemplateStep `yaml:"steps"`
}

// TemplateStep is one step of a template.
type TemplateStep struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Planner turns goals into plans: explicit steps are used verbatim, then
// named templates, then oracle decomposition, then a single generation step.
type Planner struct {
	oracle oracle.Oracle
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]Template
}

// New creates a planner.
func New(o oracle.Oracle, logger *slog.Logger) *Planner {
	return &Planner{oracle: o, logger: logger, templates: make(map[string]Template)}
}

// LoadTemplates reads templates from a YAML file, replacing those already
// loaded with the same name.
func (p *Planner) LoadTemplates(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range f.Templates {
		if t.Name == "" {
			return fmt.Errorf("template without name in %s", path)
		}
		for i, s := range t.Steps {
			if _, err := model.ParseStepType(s.Type); err != nil {
				return fmt.Errorf("template %s step %d: %w", t.Name, i, err)
			}
		}
		p.templates[t.Name] = t
	}
	return nil
}

// Templates returns the loaded template names.
func (p *Planner) Templates() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.templates))
	for n := range p.templates {
		names = append(names, n)
	}
	return names
}

// Plan produces the ordered steps for goal.
func (p *Planner) Plan(ctx context.Context, goal model.Goal) ([]model.PlannedStep, error) {
	if len(goal.Steps) > 0 {
		return goal.Steps, nil
	}
	if goal.Title == "" && goal.Description == "" {
		return nil, ErrEmptyGoal
	}
	if goal.Template != "" {
		return p.fromTemplate(goal)
	}

	if p.oracle.Available() {
		steps, err := p.fromOracle(ctx, goal)
		if err == nil {
			return steps, nil
		}
		p.logger.Warn("oracle planning failed, using single step plan", "goal", goal.Title, "error", err)
	}
	return fallbackPlan(goal), nil
}

func (p *Planner) fromTemplate(goal model.Goal) ([]model.PlannedStep, error) {
	p.mu.RLock()
	t, ok := p.templates[goal.Template]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, goal.Template)
	}

	r := strings.NewReplacer("{{title}}", goal.Title, "{{description}}", goal.Description)
	steps := make([]model.PlannedStep, 0, len(t.Steps))
	for i, s := range t.Steps {
		payload, err := json.Marshal(substitute(s.Payload, r))
		if err != nil {
			return nil, fmt.Errorf("template %s step %d: %w", t.Name, i, err)
		}
		steps = append(steps, model.PlannedStep{Type: model.StepType(s.Type), Payload: payload})
	}
	return steps, nil
}

// substitute replaces placeholders in every string leaf of v.
func substitute(v any, r *strings.Replacer) any {
	switch x := v.(type) {
	case string:
		return r.Replace(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = substitute(val, r)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = substitute(val, r)
		}
		return out
	default:
		return v
	}
}

const planningSystemPrompt = `You decompose goals into executable steps.
Reply with a JSON array only. Each element is {"type": T, "payload": P} where T is one of
"generation" (payload {"prompt": string}), "http_call" (payload {"method": string, "url": string})
or "automation" (payload {"action": "write_artifact", "key": string, "content": string}).`

func (p *Planner) fromOracle(ctx context.Context, goal model.Goal) ([]model.PlannedStep, error) {
	prompt := "Goal: " + goal.Title
	if goal.Description != "" {
		prompt += "\n\n" + goal.Description
	}
	text, err := p.oracle.Complete(ctx, planningSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return ParsePlan(text)
}

// ParsePlan extracts a JSON step array from free text.
func ParsePlan(text string) ([]model.PlannedStep, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in plan")
	}
	var steps []model.PlannedStep
	if err := json.Unmarshal([]byte(text[start:end+1]), &steps); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	if len(steps) > maxPlannedSteps {
		steps = steps[:maxPlannedSteps]
	}
	return steps, nil
}

func fallbackPlan(goal model.Goal) []model.PlannedStep {
	prompt := goal.Title
	if goal.Description != "" {
		prompt = goal.Description
	}
	payload, _ := json.Marshal(map[string]string{"prompt": prompt})
	return []model.PlannedStep{{Type: model.StepGeneration, Payload: payload}}
}
