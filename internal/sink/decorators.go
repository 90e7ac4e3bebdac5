package sink

import (
	"context"
	"sync/atomic"

	"github.com/lsm/projector/internal/throughput"
)

// Counting counts successfully sent items before delegating.
type Counting[T any] struct {
	delegate Sink[T]
	count    atomic.Int64
}

// NewCounting wraps delegate.
func NewCounting[T any](delegate Sink[T]) *Counting[T] {
	return &Counting[T]{delegate: delegate}
}

func (c *Counting[T]) Send(ctx context.Context, item T) error {
	if err := c.delegate.Send(ctx, item); err != nil {
		return err
	}
	c.count.Add(1)
	return nil
}

// Count returns the number of items the delegate accepted.
func (c *Counting[T]) Count() int64 { return c.count.Load() }

func (c *Counting[T]) Close() error { return c.delegate.Close() }

// Throughput marks every item as received and, once the delegate accepted it,
// processed on a tracker. The tracker must not be shared with another goroutine.
type Throughput[T any] struct {
	delegate Sink[T]
	tracker  *throughput.Tracker
}

// NewThroughput wraps delegate.
func NewThroughput[T any](delegate Sink[T], tracker *throughput.Tracker) *Throughput[T] {
	return &Throughput[T]{delegate: delegate, tracker: tracker}
}

func (t *Throughput[T]) Send(ctx context.Context, item T) error {
	t.tracker.ItemReceived()
	if err := t.delegate.Send(ctx, item); err != nil {
		return err
	}
	return t.tracker.ItemProcessed()
}

// Close reports the final rate and closes the delegate.
func (t *Throughput[T]) Close() error {
	if t.tracker.ProcessedCount() > 0 {
		t.tracker.Report()
	}
	return t.delegate.Close()
}

// Tracker returns the wrapped tracker.
func (t *Throughput[T]) Tracker() *throughput.Tracker { return t.tracker }
