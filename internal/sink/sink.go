package sink

import (
	"context"
	"sync"
)

// Sink receives items pushed by a projector or a combiner.
type Sink[T any] interface {
	// Send delivers a single item.
	Send(ctx context.Context, item T) error

	// Close performs graceful shutdown. Decorators close their delegate.
	Close() error
}

// Func adapts a function to a Sink with a no-op Close.
type Func[T any] func(ctx context.Context, item T) error

// Send calls f.
func (f Func[T]) Send(ctx context.Context, item T) error { return f(ctx, item) }

// Close is a no-op.
func (Func[T]) Close() error { return nil }

// Discard drops every item.
type Discard[T any] struct{}

func (Discard[T]) Send(context.Context, T) error { return nil }

func (Discard[T]) Close() error { return nil }

// Collector keeps every item in memory. Safe for concurrent use.
type Collector[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

// NewCollector creates an empty collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

// Send records the item.
func (c *Collector[T]) Send(_ context.Context, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	return nil
}

// Get returns a copy of the collected items.
func (c *Collector[T]) Get() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of collected items.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close marks the collector closed. Items stay readable.
func (c *Collector[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (c *Collector[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
