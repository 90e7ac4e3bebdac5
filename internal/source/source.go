package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsm/projector/internal/event"
)

var (
	// ErrClosed is returned by Poll once a source has been closed.
	ErrClosed = errors.New("event source is closed")

	// ErrEventSource categorizes failures raised by a source while polling.
	ErrEventSource = errors.New("event source error")
)

// Errorf builds an error that matches ErrEventSource with errors.Is.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEventSource, fmt.Sprintf(format, args...))
}

// EventSource is a single-consumer sequential cursor over a stream of events.
// Implementations are not safe for concurrent polling.
type EventSource[K, V any] interface {
	event.Acknowledger[K, V]

	// Poll waits up to timeout for the next event. It returns nil, nil when no
	// event arrived in time, when the source is exhausted or when ctx is done.
	// It returns ErrClosed after Close.
	Poll(ctx context.Context, timeout time.Duration) (*event.Event[K, V], error)

	// AvailableImmediately reports whether a Poll with a zero timeout would
	// return an event. It is never true for an exhausted source.
	AvailableImmediately() bool

	// IsExhausted reports whether no further events will be produced without
	// external replenishment. Unbounded sources return false until closed.
	IsExhausted() bool

	// Remaining returns a best-effort count of buffered unread events. The
	// boolean is false when the count is unknown.
	Remaining() (int64, bool)

	// Close releases resources. It is idempotent.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}
