package events_test

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestBusDeliversToScopeAndWildcard(t *testing.T) {
	b := events.NewBus(testLogger())
	defer b.Close()

	var scoped, wild []string
	b.Subscribe("exec-1", func(ev model.Event) error {
		scoped = append(scoped, ev.Kind)
		return nil
	})
	b.Subscribe(events.Wildcard, func(ev model.Event) error {
		wild = append(wild, ev.ExecutionID)
		return nil
	})

	b.Publish("exec-1", model.NewEvent(events.StepStarted, "exec-1", nil))
	b.Publish("exec-2", model.NewEvent(events.StepStarted, "exec-2", nil))

	if len(scoped) != 1 || scoped[0] != events.StepStarted {
		t.Errorf("scoped handler got %v, want [step.started]", scoped)
	}
	if len(wild) != 2 {
		t.Errorf("wildcard handler got %v, want 2 events", wild)
	}
}

func TestBusDropsUnknownEvents(t *testing.T) {
	b := events.NewBus(testLogger())
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe("exec-1", func(model.Event) error { calls.Add(1); return nil })
	b.Subscribe(events.Wildcard, func(model.Event) error { calls.Add(1); return nil })

	// Must not panic and must not reach anyone.
	b.Publish("exec-1", model.NewEvent("step.complted", "exec-1", nil))

	if n := calls.Load(); n != 0 {
		t.Errorf("unknown event reached %d handlers", n)
	}
}

func TestBusDeregistersFailingHandlers(t *testing.T) {
	b := events.NewBus(testLogger())
	defer b.Close()

	var erring, panicking, healthy int
	b.Subscribe("exec-1", func(model.Event) error {
		erring++
		return errors.New("subscriber gone")
	})
	b.Subscribe("exec-1", func(model.Event) error {
		panicking++
		panic("boom")
	})
	b.Subscribe("exec-1", func(model.Event) error {
		healthy++
		return nil
	})

	for i := 0; i < 3; i++ {
		b.Publish("exec-1", model.NewEvent(events.ExecutionProgress, "exec-1", nil))
	}

	if erring != 1 {
		t.Errorf("erring handler called %d times, want 1", erring)
	}
	if panicking != 1 {
		t.Errorf("panicking handler called %d times, want 1", panicking)
	}
	if healthy != 3 {
		t.Errorf("healthy handler called %d times, want 3", healthy)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := events.NewBus(testLogger())
	defer b.Close()

	var calls int
	unsub := b.Subscribe("exec-1", func(model.Event) error { calls++; return nil })
	b.Publish("exec-1", model.NewEvent(events.StepStarted, "exec-1", nil))
	unsub()
	b.Publish("exec-1", model.NewEvent(events.StepStarted, "exec-1", nil))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBusHandlerMayPublish(t *testing.T) {
	b := events.NewBus(testLogger())
	defer b.Close()

	var finalized bool
	b.Subscribe("exec-1", func(ev model.Event) error {
		if ev.Kind == events.ExecutionCompleted {
			b.Publish("exec-1", model.NewEvent(events.ExecutionFinalized, "exec-1", nil))
		}
		if ev.Kind == events.ExecutionFinalized {
			finalized = true
		}
		return nil
	})

	b.Publish("exec-1", model.NewEvent(events.ExecutionCompleted, "exec-1", nil))
	if !finalized {
		t.Error("nested publish was not delivered")
	}
}

func TestBusClosedIsNoop(t *testing.T) {
	b := events.NewBus(testLogger())
	var calls int
	b.Subscribe("exec-1", func(model.Event) error { calls++; return nil })
	b.Close()

	b.Publish("exec-1", model.NewEvent(events.StepStarted, "exec-1", nil))
	b.Subscribe("exec-1", func(model.Event) error { calls++; return nil })
	b.Publish("exec-1", model.NewEvent(events.StepStarted, "exec-1", nil))

	if calls != 0 {
		t.Errorf("calls after Close = %d, want 0", calls)
	}
}
