// Package queue carries execution ids from dispatchers to workers. Ids are
// de-duplicated while queued: pushing an id that is already waiting is a no-op.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmpty is returned by Pop when no id arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of execution ids.
type Queue interface {
	Push(ctx context.Context, executionID string) error
	// Pop waits up to timeout for the next id.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Memory is an in-process queue.
type Memory struct {
	mu     sync.Mutex
	items  []string
	queued map[string]bool
	notify chan struct{}
	closed bool
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{queued: make(map[string]bool), notify: make(chan struct{}, 1)}
}

// Push appends executionID unless it is already queued.
func (m *Memory) Push(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.queued[executionID] {
		return nil
	}
	m.queued[executionID] = true
	m.items = append(m.items, executionID)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest id, waiting up to timeout for one to arrive.
func (m *Memory) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", ErrClosed
		}
		if len(m.items) > 0 {
			id := m.items[0]
			m.items = m.items[1:]
			delete(m.queued, id)
			if len(m.items) > 0 {
				// Hand the signal on so other waiters see the remaining items.
				select {
				case m.notify <- struct{}{}:
				default:
				}
			}
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrEmpty
		case <-m.notify:
		}
	}
}

// Len returns the number of queued ids.
func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// Close releases waiters. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}
