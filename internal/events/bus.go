package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/forge/internal/model"
)

// Handler receives events published on the bus. Returning an error removes the
// handler from the bus.
type Handler func(model.Event) error

// Bus is an in-process publish/subscribe registry keyed by scope (usually an
// execution id). It is safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]map[int]Handler
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		scopes: make(map[string]map[int]Handler),
	}
}

// Subscribe registers h for events published on scope, or on every scope when
// scope is Wildcard. The returned function removes the registration.
func (b *Bus) Subscribe(scope string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	subs, ok := b.scopes[scope]
	if !ok {
		subs = make(map[int]Handler)
		b.scopes[scope] = subs
	}
	id := b.nextID
	b.nextID++
	subs[id] = h

	return func() { b.remove(scope, id) }
}

func (b *Bus) remove(scope string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.scopes[scope]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.scopes, scope)
	}
}

type registration struct {
	scope string
	id    int
	h     Handler
}

// Publish delivers ev synchronously to the handlers of scope and to wildcard
// handlers. Unknown kinds are dropped with a warning. Publish never fails: a
// handler that errors or panics is deregistered and the rest still run.
func (b *Bus) Publish(scope string, ev model.Event) {
	if !Known[ev.Kind] {
		b.logger.Warn("dropping unknown event", "event", ev.Kind, "scope", scope)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var targets []registration
	for id, h := range b.scopes[scope] {
		targets = append(targets, registration{scope, id, h})
	}
	if scope != Wildcard {
		for id, h := range b.scopes[Wildcard] {
			targets = append(targets, registration{Wildcard, id, h})
		}
	}
	b.mu.Unlock()

	// Handlers run without the lock so they may publish or subscribe themselves.
	for _, r := range targets {
		if err := deliver(r.h, ev); err != nil {
			b.logger.Warn("removing failed event handler",
				"event", ev.Kind, "scope", r.scope, "error", err)
			b.remove(r.scope, r.id)
		}
	}
}

func deliver(h Handler, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// Close drops every registration. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.scopes = make(map[string]map[int]Handler)
}
