package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/gate"
	"github.com/seantiz/forge/internal/handler"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/oracle"
	"github.com/seantiz/forge/internal/planner"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
)

// scriptedHandler answers every step with fn.
type scriptedHandler struct {
	typ   model.StepType
	calls atomic.Int32
	fn    func(req handler.Request, call int) (json.RawMessage, error)
}

func (h *scriptedHandler) Handle(_ context.Context, req handler.Request) (json.RawMessage, error) {
	n := int(h.calls.Add(1))
	return h.fn(req, n)
}

func (h *scriptedHandler) Capabilities() handler.Capabilities {
	return handler.Capabilities{Name: "scripted", StepType: h.typ}
}

func okHTTP(handler.Request, int) (json.RawMessage, error) {
	return json.RawMessage(`{"success":true,"status":200}`), nil
}

// blockingHandler parks its first call until the run context is cancelled and
// succeeds afterwards.
type blockingHandler struct {
	started chan struct{}
	calls   atomic.Int32
}

func (h *blockingHandler) Handle(ctx context.Context, req handler.Request) (json.RawMessage, error) {
	if h.calls.Add(1) == 1 {
		close(h.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return okHTTP(req, 0)
}

func (h *blockingHandler) Capabilities() handler.Capabilities {
	return handler.Capabilities{Name: "blocking", StepType: model.StepHTTPCall}
}

// flakyValidator fails the first failures calls before delegating.
type flakyValidator struct {
	inner    engine.Validator
	failures atomic.Int32
}

func (v *flakyValidator) Validate(ctx context.Context, executionID string) (gate.Verdict, error) {
	if v.failures.Add(-1) >= 0 {
		return gate.Verdict{}, errors.New("database is locked")
	}
	return v.inner.Validate(ctx, executionID)
}

// recorder collects every bus event.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) handle(ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofKind(kind string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	store *store.SQLStore
	bus   *events.Bus
	sched *engine.Scheduler
	rec   *recorder
	now   time.Time
}

func newHarness(t *testing.T, handlers handler.Set, cfg engine.Config) *harness {
	t.Helper()
	return newGatedHarness(t, handlers, cfg, nil)
}

// newGatedHarness lets wrap stand between the scheduler and the real gate.
func newGatedHarness(t *testing.T, handlers handler.Set, cfg engine.Config, wrap func(engine.Validator) engine.Validator) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store: s,
		bus:   events.NewBus(logger),
		rec:   &recorder{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.bus.Subscribe(events.Wildcard, h.rec.handle)

	var v engine.Validator = gate.New(s, h.bus, oracle.Unavailable{}, gate.Config{MinOutputBytes: 1}, logger)
	if wrap != nil {
		v = wrap(v)
	}
	p := planner.New(oracle.Unavailable{}, logger)
	h.sched = engine.NewScheduler(s, p, handlers, v, h.bus, cfg, logger)
	h.sched.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) create(t *testing.T, types ...model.StepType) string {
	t.Helper()
	goal := model.Goal{Title: "test goal"}
	for i, typ := range types {
		payload, _ := json.Marshal(map[string]any{"n": i})
		goal.Steps = append(goal.Steps, model.PlannedStep{Type: typ, Payload: payload})
	}
	id, err := h.sched.CreateExecution(context.Background(), goal)
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return id
}

func (h *harness) run(t *testing.T, id string) *model.Step {
	t.Helper()
	st, err := h.sched.RunNextStep(context.Background(), id)
	if err != nil {
		t.Fatalf("RunNextStep: %v", err)
	}
	return st
}

func (h *harness) execution(t *testing.T, id string) *model.Execution {
	t.Helper()
	e, err := h.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return e
}

func TestCreateExecutionPersistsPlan(t *testing.T) {
	h := newHarness(t, handler.Set{}, engine.Config{})
	id := h.create(t, model.StepHTTPCall, model.StepGeneration)

	e := h.execution(t, id)
	if e.Status != model.StatusPending || e.Title != "test goal" || e.GoalID == "" {
		t.Errorf("execution = %+v", e)
	}
	steps, _ := h.store.ListSteps(context.Background(), id)
	if len(steps) != 2 || steps[0].Type != model.StepHTTPCall || steps[1].Position != 1 {
		t.Errorf("steps = %+v", steps)
	}
	if got := h.rec.ofKind(events.ExecutionCreated); len(got) != 1 || got[0].ExecutionID != id {
		t.Errorf("execution.created events = %v", got)
	}
}

func TestCreateExecutionRejectsEmptyGoal(t *testing.T) {
	h := newHarness(t, handler.Set{}, engine.Config{})
	_, err := h.sched.CreateExecution(context.Background(), model.Goal{})
	if !errors.Is(err, planner.ErrEmptyGoal) {
		t.Errorf("err = %v, want ErrEmptyGoal", err)
	}
}

// Three successful steps complete the execution.
func TestRunExecutionAllStepsSucceed(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: okHTTP}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{PollInterval: 20 * time.Millisecond})
	id := h.create(t, model.StepHTTPCall, model.StepHTTPCall, model.StepHTTPCall)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sched.RunExecution(ctx, id); err != nil {
		t.Fatalf("RunExecution: %v", err)
	}

	e := h.execution(t, id)
	if e.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed (error %q)", e.Status, e.Error)
	}

	steps, _ := h.store.ListSteps(context.Background(), id)
	completed := h.rec.ofKind(events.StepCompleted)
	if len(completed) != 3 {
		t.Fatalf("step.completed events = %d, want 3", len(completed))
	}
	for i, ev := range completed {
		if ev.Data["stepId"] != steps[i].ID {
			t.Errorf("step.completed[%d] = %v, want step %s", i, ev.Data["stepId"], steps[i].ID)
		}
	}
	if n := len(h.rec.ofKind(events.ExecutionCompleted)); n != 1 {
		t.Errorf("execution.completed events = %d, want 1", n)
	}
	if n := len(h.rec.ofKind(events.ExecutionFinalized)); n != 1 {
		t.Errorf("execution.finalized events = %d, want 1", n)
	}
	// One verdict per step plus the review before completion.
	if n := len(h.rec.ofKind(events.GovernancePassed)); n != 4 {
		t.Errorf("governance.passed events = %d, want 4", n)
	}

	// A finished execution is only finalized once per process.
	if st := h.run(t, id); st != nil {
		t.Errorf("claimed %v after completion", st)
	}
	if n := len(h.rec.ofKind(events.ExecutionFinalized)); n != 1 {
		t.Errorf("execution.finalized events after rerun = %d, want 1", n)
	}
}

// A transient failure is retried only after its backoff.
func TestRunNextStepRetriesAfterBackoff(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall}
	var failed atomic.Bool
	httpH.fn = func(req handler.Request, _ int) (json.RawMessage, error) {
		if strings.Contains(string(req.Payload), `"n":1`) && !failed.Swap(true) {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return okHTTP(req, 0)
	}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id := h.create(t, model.StepHTTPCall, model.StepHTTPCall, model.StepHTTPCall)
	ctx := context.Background()

	if st := h.run(t, id); st == nil || st.Position != 0 {
		t.Fatalf("first claim = %+v", st)
	}
	if st := h.run(t, id); st == nil || st.Position != 1 {
		t.Fatalf("second claim = %+v", st)
	}

	steps, _ := h.store.ListSteps(ctx, id)
	failedStep := steps[1]
	if failedStep.Status != model.StatusFailed || failedStep.AttemptCount != 1 {
		t.Fatalf("failed step = %+v", failedStep)
	}
	wantRetry := h.now.Add(2 * time.Second)
	if failedStep.NextRetryAt == nil || !failedStep.NextRetryAt.Equal(wantRetry) {
		t.Fatalf("next_retry_at = %v, want %v", failedStep.NextRetryAt, wantRetry)
	}
	fe := h.rec.ofKind(events.StepFailed)
	if len(fe) != 1 || fe[0].Data["class"] != "transient" {
		t.Errorf("step.failed events = %+v", fe)
	}

	// The later step is still eligible while step 1 waits.
	if st := h.run(t, id); st == nil || st.Position != 2 {
		t.Fatalf("third claim = %+v", st)
	}
	if st := h.run(t, id); st != nil {
		t.Fatalf("claimed %+v before retry deadline", st)
	}
	h.now = wantRetry.Add(-time.Millisecond)
	if st := h.run(t, id); st != nil {
		t.Fatalf("claimed %+v just before retry deadline", st)
	}
	if e := h.execution(t, id); e.Status != model.StatusRunning {
		t.Fatalf("status while waiting = %q", e.Status)
	}

	h.now = wantRetry
	st := h.run(t, id)
	if st == nil || st.ID != failedStep.ID || st.AttemptCount != 1 {
		t.Fatalf("retry claim = %+v", st)
	}
	if st := h.run(t, id); st != nil {
		t.Fatalf("unexpected claim %+v", st)
	}
	if e := h.execution(t, id); e.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", e.Status)
	}
}

// An empty output is blocked and the execution stops.
func TestGovernanceBlockStopsExecution(t *testing.T) {
	gen := &scriptedHandler{typ: model.StepGeneration, fn: func(handler.Request, int) (json.RawMessage, error) {
		return json.RawMessage(`""`), nil
	}}
	h := newHarness(t, handler.Set{Generation: gen}, engine.Config{PollInterval: 20 * time.Millisecond})
	id := h.create(t, model.StepGeneration, model.StepGeneration)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sched.RunExecution(ctx, id); err != nil {
		t.Fatalf("RunExecution: %v", err)
	}

	e := h.execution(t, id)
	if e.Status != model.StatusFailed || e.Error != "governance: "+gate.ReasonMissingOutput {
		t.Fatalf("execution = %q %q", e.Status, e.Error)
	}
	if n := gen.calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
	steps, _ := h.store.ListSteps(context.Background(), id)
	if steps[0].Status != model.StatusFailed || steps[0].LastError != gate.ReasonMissingOutput {
		t.Errorf("blocked step = %+v", steps[0])
	}
	if steps[1].Status != model.StatusPending {
		t.Errorf("second step status = %q, want pending", steps[1].Status)
	}
	if n := len(h.rec.ofKind(events.GovernanceBlocked)); n != 1 {
		t.Errorf("governance.blocked events = %d", n)
	}
	if n := len(h.rec.ofKind(events.ExecutionFailed)); n != 1 {
		t.Errorf("execution.failed events = %d", n)
	}
	if n := len(h.rec.ofKind(events.ExecutionFinalized)); n != 1 {
		t.Errorf("execution.finalized events = %d", n)
	}
}

// Fatal errors consume the attempt budget, then the execution is failed by the
// next pass.
func TestAttemptsExhaustedFailsExecution(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: func(handler.Request, int) (json.RawMessage, error) {
		return nil, errors.New("http 401: unauthorized")
	}}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id := h.create(t, model.StepHTTPCall)
	ctx := context.Background()

	for i := range model.DefaultMaxAttempts {
		st := h.run(t, id)
		if st == nil || st.AttemptCount != i {
			t.Fatalf("attempt %d claim = %+v", i, st)
		}
		h.now = h.now.Add(time.Minute)
	}

	steps, _ := h.store.ListSteps(ctx, id)
	st := steps[0]
	if st.Status != model.StatusFailed || st.AttemptCount != model.DefaultMaxAttempts {
		t.Fatalf("step = %+v", st)
	}
	if !strings.HasPrefix(st.LastError, model.MaxAttemptsReason+": ") || st.NextRetryAt != nil {
		t.Errorf("last_error = %q, next_retry_at = %v", st.LastError, st.NextRetryAt)
	}
	if e := h.execution(t, id); e.Status != model.StatusRunning {
		t.Fatalf("status after exhaustion = %q, want running", e.Status)
	}

	if st := h.run(t, id); st != nil {
		t.Fatalf("claimed exhausted step %+v", st)
	}
	if e := h.execution(t, id); e.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", e.Status)
	}
	if n := httpH.calls.Load(); n != int32(model.DefaultMaxAttempts) {
		t.Errorf("handler calls = %d", n)
	}
}

func TestFailFastOnFatal(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: func(handler.Request, int) (json.RawMessage, error) {
		return nil, errors.New("http 403: forbidden")
	}}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{FailFastOnFatal: true})
	id := h.create(t, model.StepHTTPCall, model.StepHTTPCall)

	h.run(t, id)

	e := h.execution(t, id)
	if e.Status != model.StatusFailed || !strings.Contains(e.Error, "forbidden") {
		t.Errorf("execution = %q %q", e.Status, e.Error)
	}
	if st := h.run(t, id); st != nil {
		t.Errorf("claimed %+v after fail fast", st)
	}
}

func TestStepOutputRoundTrip(t *testing.T) {
	const out = `{"success":true,"status":200,"body":"x","nested":{"z":1,"a":[3,2,1]}}`
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: func(handler.Request, int) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id := h.create(t, model.StepHTTPCall)

	st := h.run(t, id)

	stored, err := h.store.GetStep(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if string(stored.Output) != out {
		t.Errorf("stored output = %s", stored.Output)
	}
	completed := h.rec.ofKind(events.StepCompleted)
	if len(completed) != 1 {
		t.Fatalf("step.completed events = %d", len(completed))
	}
	raw, _ := json.Marshal(completed[0])
	var wire struct {
		Output json.RawMessage `json:"output"`
	}
	json.Unmarshal(raw, &wire)
	if string(wire.Output) != out {
		t.Errorf("event output = %s", wire.Output)
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: func(handler.Request, int) (json.RawMessage, error) {
		panic("boom")
	}}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id := h.create(t, model.StepHTTPCall)

	st := h.run(t, id)

	got, _ := h.store.GetStep(context.Background(), st.ID)
	if got.Status != model.StatusFailed || !strings.Contains(got.LastError, "handler panic: boom") {
		t.Errorf("step = %+v", got)
	}
}

func TestMissingHandlerFailsStep(t *testing.T) {
	h := newHarness(t, handler.Set{}, engine.Config{})
	id := h.create(t, model.StepAutomation)

	st := h.run(t, id)

	got, _ := h.store.GetStep(context.Background(), st.ID)
	if got.Status != model.StatusFailed || !strings.Contains(got.LastError, "no handler configured") {
		t.Errorf("step = %+v", got)
	}
}

func TestAbortWhileStepRunsHaltsExecution(t *testing.T) {
	var h *harness
	var id string
	httpH := &scriptedHandler{typ: model.StepHTTPCall}
	httpH.fn = func(req handler.Request, _ int) (json.RawMessage, error) {
		if err := h.sched.Abort(context.Background(), id, "operator stop"); err != nil {
			t.Errorf("Abort: %v", err)
		}
		return okHTTP(req, 0)
	}
	h = newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id = h.create(t, model.StepHTTPCall, model.StepHTTPCall)

	st := h.run(t, id)

	got, _ := h.store.GetStep(context.Background(), st.ID)
	if got.Status == model.StatusCompleted {
		t.Error("output of a halted step must not be stored")
	}
	if n := len(h.rec.ofKind(events.StepCompleted)); n != 0 {
		t.Errorf("step.completed events = %d, want 0", n)
	}
	if e := h.execution(t, id); e.Status != model.StatusFailed || e.Error != "operator stop" {
		t.Errorf("execution = %q %q", e.Status, e.Error)
	}
	if st := h.run(t, id); st != nil {
		t.Errorf("claimed %+v after abort", st)
	}
	if n := len(h.rec.ofKind(events.ExecutionFinalized)); n != 1 {
		t.Errorf("execution.finalized events = %d, want 1", n)
	}
}

func TestAbortDuringFailingStepHaltsExecution(t *testing.T) {
	var h *harness
	var id string
	httpH := &scriptedHandler{typ: model.StepHTTPCall}
	httpH.fn = func(handler.Request, int) (json.RawMessage, error) {
		if err := h.sched.Abort(context.Background(), id, "operator stop"); err != nil {
			t.Errorf("Abort: %v", err)
		}
		return nil, errors.New("http 503: service unavailable")
	}
	h = newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id = h.create(t, model.StepHTTPCall, model.StepHTTPCall)

	if st := h.run(t, id); st == nil {
		t.Fatal("expected the first step to run")
	}
	h.now = h.now.Add(time.Hour)
	if st := h.run(t, id); st != nil {
		t.Errorf("claimed %+v after abort", st)
	}
	if n := httpH.calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
	if e := h.execution(t, id); e.Status != model.StatusFailed || e.Error != "operator stop" {
		t.Errorf("execution = %q %q", e.Status, e.Error)
	}
	if n := len(h.rec.ofKind(events.ExecutionFinalized)); n != 1 {
		t.Errorf("execution.finalized events = %d, want 1", n)
	}
}

func TestCancelledRunRecordsInterruptedStep(t *testing.T) {
	bh := &blockingHandler{started: make(chan struct{})}
	h := newHarness(t, handler.Set{HTTP: bh}, engine.Config{})
	id := h.create(t, model.StepHTTPCall)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.sched.RunNextStep(ctx, id)
		done <- err
	}()

	select {
	case <-bh.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunNextStep after cancel: %v", err)
	}

	steps, _ := h.store.ListSteps(context.Background(), id)
	st := steps[0]
	if st.Status != model.StatusFailed || st.AttemptCount != 1 {
		t.Fatalf("interrupted step = status %q attempts %d", st.Status, st.AttemptCount)
	}
	if !strings.Contains(st.LastError, "context canceled") || st.NextRetryAt == nil {
		t.Errorf("last_error = %q, next_retry_at = %v", st.LastError, st.NextRetryAt)
	}

	// A later run picks the step up again once its backoff passed.
	h.now = *st.NextRetryAt
	if got := h.run(t, id); got == nil || got.ID != st.ID {
		t.Fatalf("retry claim = %+v", got)
	}
	if got := h.run(t, id); got != nil {
		t.Fatalf("unexpected claim %+v", got)
	}
	if e := h.execution(t, id); e.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", e.Status)
	}
}

func TestRunNextStepTakesOverExpiredLease(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: okHTTP}
	h := newHarness(t, handler.Set{HTTP: httpH}, engine.Config{})
	id := h.create(t, model.StepHTTPCall)
	ctx := context.Background()

	// Another scheduler claims the step and dies without reporting back.
	if st, err := h.store.ClaimNextStep(ctx, id, h.now, h.sched.MaxAttempts()); err != nil || st == nil {
		t.Fatalf("ClaimNextStep = %+v, %v", st, err)
	}
	if st := h.run(t, id); st != nil {
		t.Fatalf("claimed %+v while the lease was live", st)
	}
	if e := h.execution(t, id); model.IsTerminal(e.Status) {
		t.Fatalf("status = %q with a step still leased", e.Status)
	}

	h.now = h.now.Add(store.DefaultStepLease)
	if st := h.run(t, id); st == nil || st.AttemptCount != 0 {
		t.Fatalf("takeover claim = %+v", st)
	}
	if st := h.run(t, id); st != nil {
		t.Fatalf("unexpected claim %+v", st)
	}
	if e := h.execution(t, id); e.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", e.Status)
	}
	if n := httpH.calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestGateErrorDoesNotCompleteUncheckedExecution(t *testing.T) {
	httpH := &scriptedHandler{typ: model.StepHTTPCall, fn: func(handler.Request, int) (json.RawMessage, error) {
		return json.RawMessage(`{"success":false}`), nil
	}}
	h := newGatedHarness(t, handler.Set{HTTP: httpH}, engine.Config{}, func(v engine.Validator) engine.Validator {
		f := &flakyValidator{inner: v}
		f.failures.Store(1)
		return f
	})
	id := h.create(t, model.StepHTTPCall)
	ctx := context.Background()

	if _, err := h.sched.RunNextStep(ctx, id); err == nil {
		t.Fatal("RunNextStep should surface the gate error")
	}
	if e := h.execution(t, id); model.IsTerminal(e.Status) {
		t.Fatalf("status = %q after gate error", e.Status)
	}

	if st := h.run(t, id); st != nil {
		t.Fatalf("unexpected claim %+v", st)
	}
	e := h.execution(t, id)
	if e.Status != model.StatusFailed || e.Error != "governance: "+gate.ReasonHTTPFailed {
		t.Fatalf("execution = %q %q", e.Status, e.Error)
	}
	if n := len(h.rec.ofKind(events.ExecutionCompleted)); n != 0 {
		t.Errorf("execution.completed events = %d, want 0", n)
	}
	if n := len(h.rec.ofKind(events.GovernanceBlocked)); n != 1 {
		t.Errorf("governance.blocked events = %d, want 1", n)
	}
}

func TestAbortTerminalExecution(t *testing.T) {
	h := newHarness(t, handler.Set{HTTP: &scriptedHandler{typ: model.StepHTTPCall, fn: okHTTP}}, engine.Config{})
	id := h.create(t, model.StepHTTPCall)
	h.run(t, id)
	h.run(t, id)

	if err := h.sched.Abort(context.Background(), id, ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Abort on completed = %v, want ErrInvalidTransition", err)
	}
}

func TestStreamingProgressIsPublished(t *testing.T) {
	gen := &scriptedHandler{typ: model.StepGeneration, fn: func(req handler.Request, _ int) (json.RawMessage, error) {
		for _, c := range []string{"hel", "lo"} {
			req.Progress(c)
		}
		return json.RawMessage(`{"text":"hello"}`), nil
	}}
	h := newHarness(t, handler.Set{Generation: gen}, engine.Config{})
	id := h.create(t, model.StepGeneration)

	h.run(t, id)

	progress := h.rec.ofKind(events.StepProgress)
	// The clock is frozen, so only the first chunk and the final flush go out.
	if len(progress) != 2 {
		t.Fatalf("step.progress events = %d, want 2", len(progress))
	}
	last := progress[len(progress)-1]
	if last.Data["partial"] != "hello" || last.Data["final"] != true {
		t.Errorf("final progress = %+v", last.Data)
	}
}

func waitStatus(t *testing.T, s store.ExecutionStore, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err == nil && e.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach %q", id, want)
}

func newEngineHarness(t *testing.T, d engine.Dispatcher) (*engine.Engine, *harness) {
	t.Helper()
	h := newHarness(t, handler.Set{HTTP: &scriptedHandler{typ: model.StepHTTPCall, fn: okHTTP}},
		engine.Config{PollInterval: 20 * time.Millisecond})
	h.sched.SetClock(func() time.Time { return time.Now().UTC() })
	eng := engine.NewEngine(h.sched, h.store, d, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(eng.Shutdown)
	return eng, h
}

func httpGoal() model.Goal {
	return model.Goal{Title: "fetch", Steps: []model.PlannedStep{
		{Type: model.StepHTTPCall, Payload: json.RawMessage(`{"url":"http://example.invalid"}`)},
	}}
}

func TestEngineSubmitRunsLocally(t *testing.T) {
	eng, h := newEngineHarness(t, nil)

	id, err := eng.Submit(context.Background(), httpGoal())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, h.store, id, model.StatusCompleted)
	eng.Wait()
}

func TestEngineRerun(t *testing.T) {
	eng, h := newEngineHarness(t, nil)
	ctx := context.Background()

	id, _ := eng.Submit(ctx, httpGoal())
	waitStatus(t, h.store, id, model.StatusCompleted)

	newID, err := eng.Rerun(ctx, id)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if newID == id {
		t.Fatal("rerun must create a new execution")
	}
	waitStatus(t, h.store, newID, model.StatusCompleted)
	orig, _ := h.store.GetExecution(ctx, id)
	again, _ := h.store.GetExecution(ctx, newID)
	if again.GoalID != orig.GoalID || again.Title != orig.Title {
		t.Errorf("rerun = %+v, original = %+v", again, orig)
	}

	pending, _ := h.sched.CreateExecution(ctx, httpGoal())
	if _, err := eng.Rerun(ctx, pending); !errors.Is(err, engine.ErrNotTerminal) {
		t.Errorf("Rerun active = %v, want ErrNotTerminal", err)
	}
}

func TestEngineQueueDispatch(t *testing.T) {
	q := queue.NewMemory()
	eng, h := newEngineHarness(t, engine.QueueDispatcher{Queue: q})
	ctx := context.Background()

	id, err := eng.Submit(ctx, httpGoal())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.EnsureRunnable(ctx, id); err != nil {
		t.Fatalf("EnsureRunnable: %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	got, _ := q.Pop(ctx, time.Second)
	n, err := h.sched.Advance(ctx, got)
	if err != nil || n != 1 {
		t.Fatalf("Advance = %d, %v", n, err)
	}
	if e, _ := h.store.GetExecution(ctx, id); e.Status != model.StatusCompleted {
		t.Errorf("status = %q", e.Status)
	}

	// Terminal executions are not dispatched again.
	eng.EnsureRunnable(ctx, id)
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func TestSweeperDispatchesActiveExecutions(t *testing.T) {
	h := newHarness(t, handler.Set{HTTP: &scriptedHandler{typ: model.StepHTTPCall, fn: okHTTP}}, engine.Config{})
	active := h.create(t, model.StepHTTPCall, model.StepHTTPCall)
	done := h.create(t, model.StepHTTPCall)
	h.run(t, done)
	h.run(t, done)

	d := &recordingDispatcher{}
	sw, err := engine.NewSweeper(engine.DefaultSweepSchedule, h.store, d, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 || len(d.ids) != 1 || d.ids[0] != active {
		t.Errorf("dispatched = %v", d.ids)
	}
}

type countingPruner struct {
	retention []time.Duration
}

func (p *countingPruner) PruneClosed(olderThan time.Duration) int {
	p.retention = append(p.retention, olderThan)
	return 0
}

func TestSweeperPrunesFinishedStreams(t *testing.T) {
	h := newHarness(t, handler.Set{}, engine.Config{})
	sw, err := engine.NewSweeper(engine.DefaultSweepSchedule, h.store, &recordingDispatcher{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	p := &countingPruner{}
	sw.PruneStreams(p, engine.DefaultStreamRetention)

	if _, err := sw.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(p.retention) != 1 || p.retention[0] != engine.DefaultStreamRetention {
		t.Errorf("prune calls = %v", p.retention)
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	_, err := engine.NewSweeper("every now and then", nil, &recordingDispatcher{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err == nil {
		t.Error("expected schedule parse error")
	}
}
