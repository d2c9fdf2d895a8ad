// Package gate validates completed step output before an execution may
// proceed. A blocked verdict fails the step and its execution.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/oracle"
	"github.com/seantiz/forge/internal/store"
)

// Rejection reasons for the built-in checks.
const (
	ReasonMissingOutput = "Missing output"
	ReasonBelowMinimum  = "Output below minimum size"
	ReasonHTTPFailed    = "HTTP call did not report success"
	ReasonNoText        = "Generation produced no text"
	ReasonNoArtifact    = "Automation output has neither artifact nor success flag"
)

// Store is the persistence the gate needs.
type Store interface {
	ListCompletedSteps(ctx context.Context, executionID string) ([]*model.Step, error)
	RejectStep(ctx context.Context, id, reason string, now time.Time) error
	FinishExecution(ctx context.Context, id, status, errMsg string, now time.Time) error
}

// Verdict is the outcome of a validation pass.
type Verdict struct {
	Passed bool
	StepID string
	Reason string
}

// Config tunes the checks.
type Config struct {
	// MinOutputBytes is the smallest acceptable compact output size.
	MinOutputBytes int
	// Semantic enables the oracle review of each step.
	Semantic bool
}

// Gate runs presence, structural, rule and semantic checks over the completed
// steps of an execution.
type Gate struct {
	store  Store
	bus    *events.Bus
	oracle oracle.Oracle
	cfg    Config
	logger *slog.Logger

	rules atomic.Pointer[RuleSet]
	// passed caches step ids that already cleared every check in this process.
	passed sync.Map
}

// New creates a gate.
func New(st Store, bus *events.Bus, o oracle.Oracle, cfg Config, logger *slog.Logger) *Gate {
	return &Gate{store: st, bus: bus, oracle: o, cfg: cfg, logger: logger}
}

// SetRules installs a rule set. Nil removes all declarative rules.
func (g *Gate) SetRules(rs *RuleSet) {
	g.rules.Store(rs)
}

// Validate checks every completed step of executionID in position order. The
// first failing step is rejected, the execution is failed and
// governance.blocked is published.
func (g *Gate) Validate(ctx context.Context, executionID string) (Verdict, error) {
	steps, err := g.store.ListCompletedSteps(ctx, executionID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load completed steps: %w", err)
	}

	for _, st := range steps {
		if _, ok := g.passed.Load(st.ID); ok {
			continue
		}
		if reason := g.check(ctx, st); reason != "" {
			return g.block(ctx, executionID, st, reason)
		}
		g.passed.Store(st.ID, struct{}{})
	}

	g.bus.Publish(executionID, model.NewEvent(events.GovernancePassed, executionID, map[string]any{
		"checked": len(steps),
	}))
	return Verdict{Passed: true}, nil
}

func (g *Gate) block(ctx context.Context, executionID string, st *model.Step, reason string) (Verdict, error) {
	now := time.Now().UTC()
	if err := g.store.RejectStep(ctx, st.ID, reason, now); err != nil {
		return Verdict{}, fmt.Errorf("reject step: %w", err)
	}
	err := g.store.FinishExecution(ctx, executionID, model.StatusFailed, "governance: "+reason, now)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return Verdict{}, fmt.Errorf("fail execution: %w", err)
	}

	g.logger.Warn("governance blocked step", "execution_id", executionID, "step_id", st.ID, "reason", reason)
	g.bus.Publish(executionID, model.NewEvent(events.GovernanceBlocked, executionID, map[string]any{
		"stepId": st.ID,
		"reason": reason,
	}))
	return Verdict{StepID: st.ID, Reason: reason}, nil
}

// check returns the rejection reason for st, or "".
func (g *Gate) check(ctx context.Context, st *model.Step) string {
	var compact bytes.Buffer
	if len(st.Output) == 0 || json.Compact(&compact, st.Output) != nil {
		return ReasonMissingOutput
	}
	switch compact.String() {
	case "null", `""`, "{}", "[]":
		return ReasonMissingOutput
	}
	if compact.Len() < g.cfg.MinOutputBytes {
		return ReasonBelowMinimum
	}

	var output any
	if err := json.Unmarshal(compact.Bytes(), &output); err != nil {
		return ReasonMissingOutput
	}
	if reason := checkStructure(st.Type, output); reason != "" {
		return reason
	}
	if reason := g.rules.Load().Check(st, output); reason != "" {
		return reason
	}
	if g.cfg.Semantic {
		return g.semantic(ctx, st)
	}
	return ""
}

func checkStructure(t model.StepType, output any) string {
	obj, _ := output.(map[string]any)
	switch t {
	case model.StepHTTPCall:
		if ok, _ := obj["success"].(bool); !ok {
			return ReasonHTTPFailed
		}
	case model.StepGeneration:
		if text, _ := obj["text"].(string); strings.TrimSpace(text) == "" {
			return ReasonNoText
		}
	case model.StepAutomation:
		artifact, _ := obj["artifact"].(string)
		success, _ := obj["success"].(bool)
		if artifact == "" && !success {
			return ReasonNoArtifact
		}
	}
	return ""
}

const semanticSystemPrompt = `You review the output of an automated step for governance.
Reply with a JSON object {"ok": boolean, "reason": string}. Reject output that is empty,
harmful, or clearly unrelated to the step.`

type semanticAnswer struct {
	OK     *bool  `json:"ok"`
	Reason string `json:"reason"`
}

// semantic asks the oracle to review st. Unavailable oracles and unparseable
// answers skip the check.
func (g *Gate) semantic(ctx context.Context, st *model.Step) string {
	if !g.oracle.Available() {
		return ""
	}
	prompt := fmt.Sprintf("Step type: %s\nPayload: %s\nOutput: %s", st.Type, st.Payload, st.Output)
	text, err := g.oracle.Complete(ctx, semanticSystemPrompt, prompt)
	if err != nil {
		g.logger.Warn("semantic check skipped", "step_id", st.ID, "error", err)
		return ""
	}

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	var ans semanticAnswer
	if start < 0 || end <= start || json.Unmarshal([]byte(text[start:end+1]), &ans) != nil || ans.OK == nil {
		g.logger.Warn("semantic check skipped, unparseable answer", "step_id", st.ID)
		return ""
	}
	if *ans.OK {
		return ""
	}
	if ans.Reason == "" {
		ans.Reason = "rejected"
	}
	return "Semantic check: " + ans.Reason
}
