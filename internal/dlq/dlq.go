// Package dlq annotates events diverted to a dead-letter destination.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
)

// Headers added to every dead-lettered event, after the reason header the
// combiner already attached.
const (
	HeaderProjector     = "Dead-Letter-Projector"
	HeaderOriginalTopic = "Dead-Letter-Original-Topic"
	HeaderFailedAt      = "Dead-Letter-Failed-At"
)

// Info identifies where dead-lettered events came from.
type Info struct {
	Projector     string
	OriginalTopic string
}

// TopicFor is the default dead-letter topic of a projector.
func TopicFor(projector string) string {
	return "projector-dlq-" + projector
}

type settings struct {
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Sink.
type Option func(*settings)

// WithLogger sets the logger. Every dead-lettered event is logged at warn level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock overrides the failure timestamp source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// Sink decorates a dead-letter destination with provenance headers.
type Sink[K, V any] struct {
	delegate sink.Sink[*event.Event[K, V]]
	info     Info
	logger   *slog.Logger
	clock    func() time.Time
	count    atomic.Int64
}

// New wraps delegate.
func New[K, V any](delegate sink.Sink[*event.Event[K, V]], info Info, opts ...Option) *Sink[K, V] {
	s := settings{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &Sink[K, V]{
		delegate: delegate,
		info:     info,
		logger:   s.logger,
		clock:    s.clock,
	}
}

// Send annotates evt and forwards it.
func (s *Sink[K, V]) Send(ctx context.Context, evt *event.Event[K, V]) error {
	headers := []event.Header{
		event.NewHeader(HeaderProjector, s.info.Projector),
		event.NewHeader(HeaderFailedAt, s.clock().UTC().Format(time.RFC3339)),
	}
	if s.info.OriginalTopic != "" {
		headers = append(headers, event.NewHeader(HeaderOriginalTopic, s.info.OriginalTopic))
	}

	reason, _ := evt.LastHeader(chunk.HeaderDeadLetterReason)
	if err := s.delegate.Send(ctx, evt.AddHeaders(headers...)); err != nil {
		return fmt.Errorf("dead-letter event: %w", err)
	}
	s.count.Add(1)
	s.logger.Warn("event dead-lettered",
		"projector", s.info.Projector,
		"original_topic", s.info.OriginalTopic,
		"reason", reason,
	)
	return nil
}

// Count returns how many events were dead-lettered.
func (s *Sink[K, V]) Count() int64 { return s.count.Load() }

// Close closes the delegate.
func (s *Sink[K, V]) Close() error { return s.delegate.Close() }
