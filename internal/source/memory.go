package source

import (
	"context"
	"sync"
	"time"

	"github.com/lsm/projector/internal/event"
)

// Memory is an in-memory EventSource backed by a list of events.
// Add may be called from other goroutines; Poll must have a single caller.
type Memory[K, V any] struct {
	mu        sync.Mutex
	events    []*event.Event[K, V]
	bounded   bool
	closed    bool
	processed int64
	notify    chan struct{}
}

// NewMemory creates a bounded source that is exhausted once drained.
func NewMemory[K, V any](events ...*event.Event[K, V]) *Memory[K, V] {
	m := &Memory[K, V]{bounded: true, notify: make(chan struct{}, 1)}
	m.Add(events...)
	return m
}

// NewUnboundedMemory creates a source that never reports exhaustion and waits
// up to the poll timeout for events to be added.
func NewUnboundedMemory[K, V any](events ...*event.Event[K, V]) *Memory[K, V] {
	m := NewMemory(events...)
	m.bounded = false
	return m
}

// Add appends events to the source.
func (m *Memory[K, V]) Add(events ...*event.Event[K, V]) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	for _, e := range events {
		m.events = append(m.events, e.WithSource(m))
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Poll returns the next event, waiting up to timeout on an unbounded source.
func (m *Memory[K, V]) Poll(ctx context.Context, timeout time.Duration) (*event.Event[K, V], error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.events) > 0 {
			next := m.events[0]
			m.events[0] = nil
			m.events = m.events[1:]
			m.mu.Unlock()
			return next, nil
		}
		bounded := m.bounded
		m.mu.Unlock()

		if bounded || timeout <= 0 {
			return nil, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		case <-m.notify:
		}
	}
}

// AvailableImmediately reports whether an event is buffered.
func (m *Memory[K, V]) AvailableImmediately() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && len(m.events) > 0
}

// IsExhausted reports whether a bounded source has been drained.
func (m *Memory[K, V]) IsExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bounded && len(m.events) == 0
}

// Remaining returns the exact number of buffered events.
func (m *Memory[K, V]) Remaining() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), true
}

// Processed counts acknowledged events.
func (m *Memory[K, V]) Processed(events ...*event.Event[K, V]) {
	m.mu.Lock()
	m.processed += int64(len(events))
	m.mu.Unlock()
}

// ProcessedCount returns how many events have been acknowledged.
func (m *Memory[K, V]) ProcessedCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}

// Close marks the source closed and drops buffered events.
func (m *Memory[K, V]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
	return nil
}

// IsClosed reports whether Close has been called.
func (m *Memory[K, V]) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ EventSource[string, string] = (*Memory[string, string])(nil)
