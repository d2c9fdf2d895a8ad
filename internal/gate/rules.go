package gate

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/forge/internal/model"
)

// Rule is a declarative output check. Expr is a CEL expression over the
// variables step (id, type, position, attempts) and output (the decoded step
// output); it must evaluate to true for the step to pass.
type Rule struct {
	Name     string `yaml:"name"`
	StepType string `yaml:"step_type,omitempty"`
	Expr     string `yaml:"expr"`
	Reason   string `yaml:"reason,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleSet is an immutable set of compiled rules.
type RuleSet struct {
	rules []compiledRule
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// LoadRules reads and compiles a YAML rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return CompileRules(f.Rules)
}

// CompileRules compiles rules into a RuleSet. Any invalid rule fails the whole set.
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("step", cel.DynType),
		cel.Variable("output", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if r.StepType != "" {
			if _, err := model.ParseStepType(r.StepType); err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Name, err)
			}
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, prg: prg})
	}
	return rs, nil
}

// Check evaluates every rule that applies to step. It returns the rejection
// reason of the first failing rule, or "" when all pass. Evaluation errors
// reject the step.
func (rs *RuleSet) Check(step *model.Step, output any) string {
	if rs == nil {
		return ""
	}
	input := map[string]any{
		"step": map[string]any{
			"id":       step.ID,
			"type":     string(step.Type),
			"position": step.Position,
			"attempts": step.AttemptCount,
		},
		"output": output,
	}
	for _, r := range rs.rules {
		if r.StepType != "" && r.StepType != string(step.Type) {
			continue
		}
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return fmt.Sprintf("Rule %s could not be evaluated: %v", r.Name, err)
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			if r.Reason != "" {
				return r.Reason
			}
			return fmt.Sprintf("Rule %s failed", r.Name)
		}
	}
	return ""
}
