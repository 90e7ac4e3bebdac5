// Package projector drives user projection logic over an event source.
//
// A Driver polls its source, hands every event to a Projector together with
// the destination sink, and stops when the source is exhausted or closed, a
// configured event limit is reached, it is cancelled, or the source stalls
// for too long. The source is always closed when the driver stops.
package projector

import (
	"context"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
)

// Projector consumes one input event and writes zero or more outputs to out.
type Projector[K, V, O any] interface {
	Project(ctx context.Context, evt *event.Event[K, V], out sink.Sink[O]) error
}

// StallAware is optionally implemented by a Projector that wants to know when
// a poll yielded no event, for example to flush buffered output.
type StallAware[O any] interface {
	Stalled(ctx context.Context, out sink.Sink[O]) error
}

// ProjectorFunc adapts a function to a Projector.
type ProjectorFunc[K, V, O any] func(ctx context.Context, evt *event.Event[K, V], out sink.Sink[O]) error

// Project calls f.
func (f ProjectorFunc[K, V, O]) Project(ctx context.Context, evt *event.Event[K, V], out sink.Sink[O]) error {
	return f(ctx, evt, out)
}
