package events

import (
	"sync"
	"time"

	"github.com/seantiz/forge/internal/model"
)

// subscriberBufferSize is the channel buffer for each stream subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Fanout manages per-scope event streaming to push transports (SSE,
// WebSocket). It is safe for concurrent use.
//
// Closed scopes are retained as markers so that late subscribers (those
// subscribing after an execution finalized) receive a closed channel instead
// of blocking forever. Each marker is a few bytes; PruneClosed drops old ones
// once readers check the execution status before subscribing.
type Fanout struct {
	mu     sync.Mutex
	scopes map[string]*scope
}

type scope struct {
	subs     map[int]*Subscription
	nextID   int
	closed   bool
	closedAt time.Time
}

// Subscription is one live stream. C is closed when the scope ends or the
// fan-out shuts down; the consumer calls Close when it disconnects.
type Subscription struct {
	C <-chan model.Event

	ch    chan model.Event
	done  chan struct{}
	once  sync.Once
	f     *Fanout
	scope string
	id    int
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{scopes: make(map[string]*scope)}
}

// Subscribe registers a new stream for scope. If the scope has already been
// closed, the returned subscription's channel is closed immediately.
func (f *Fanout) Subscribe(key string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scopes[key]
	if !ok {
		s = &scope{subs: make(map[int]*Subscription)}
		f.scopes[key] = s
	}

	ch := make(chan model.Event, subscriberBufferSize)
	sub := &Subscription{C: ch, ch: ch, done: make(chan struct{}), f: f, scope: key}
	if s.closed {
		close(ch)
		return sub
	}

	sub.id = s.nextID
	s.nextID++
	s.subs[sub.id] = sub
	return sub
}

// Close detaches the subscription. It is safe to call more than once and from
// any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.f.mu.Lock()
		defer s.f.mu.Unlock()
		if sc, ok := s.f.scopes[s.scope]; ok {
			delete(sc.subs, s.id)
			s.f.pruneLocked(s.scope, sc)
		}
	})
}

func (s *Subscription) detached() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Emit sends ev to every live subscriber of key. A scope without subscribers
// is a no-op. Events are dropped for subscribers whose buffers are full.
func (f *Fanout) Emit(key string, ev model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scopes[key]
	if !ok || s.closed {
		return
	}

	for id, sub := range s.subs {
		if sub.detached() {
			delete(s.subs, id)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the publisher.
		}
	}
	f.pruneLocked(key, s)
}

// pruneLocked forgets an open scope once its last subscriber left.
func (f *Fanout) pruneLocked(key string, s *scope) {
	if !s.closed && len(s.subs) == 0 {
		delete(f.scopes, key)
	}
}

// CloseScope signals that no more events will be emitted for key. All
// subscriber channels are closed and future Subscribe calls return a closed
// channel.
func (f *Fanout) CloseScope(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scopes[key]
	if !ok {
		f.scopes[key] = &scope{subs: make(map[int]*Subscription), closed: true, closedAt: time.Now()}
		return
	}
	if s.closed {
		return
	}

	s.closed = true
	s.closedAt = time.Now()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// PruneClosed forgets closed-scope markers older than olderThan and returns
// how many were removed.
func (f *Fanout) PruneClosed(olderThan time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for key, s := range f.scopes {
		if s.closed && !s.closedAt.After(cutoff) {
			delete(f.scopes, key)
			n++
		}
	}
	return n
}

// Subscribers returns the number of live subscribers for key.
func (f *Fanout) Subscribers(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scopes[key]; ok {
		return len(s.subs)
	}
	return 0
}

// Close ends every stream.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.scopes {
		if !s.closed {
			for _, sub := range s.subs {
				close(sub.ch)
			}
		}
		delete(f.scopes, key)
	}
}

// Attach forwards every bus event to the fan-out scope of its execution and
// closes that scope once the execution is finalized.
func (f *Fanout) Attach(b *Bus) func() {
	return b.Subscribe(Wildcard, func(ev model.Event) error {
		if ev.ExecutionID == "" {
			return nil
		}
		f.Emit(ev.ExecutionID, ev)
		if ev.Kind == ExecutionFinalized {
			f.CloseScope(ev.ExecutionID)
		}
		return nil
	})
}
