package chunk

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
	"github.com/lsm/projector/internal/source"
)

const (
	defaultCompletedCacheSize = 10000
	defaultPendingSize        = 1000
)

type splitOutcome int

const (
	splitCompleted splitOutcome = iota
	splitFailed
)

// split buffers the chunks of one logical payload.
type split[K any] struct {
	id     string
	total  int
	chunks map[int]*event.Event[K, []byte]
	// superseded holds chunks replaced by a later duplicate; they are
	// acknowledged together with the reassembled event.
	superseded []*event.Event[K, []byte]

	checksumAlg      string
	hashAlg          string
	originalChecksum string
	originalHash     string
}

// Option configures a CombiningSource.
type Option[K any] func(*CombiningSource[K])

// WithDeadLetter diverts invalid chunks to s instead of failing Poll.
func WithDeadLetter[K any](s sink.Sink[*event.Event[K, []byte]]) Option[K] {
	return func(c *CombiningSource[K]) { c.deadLetter = s }
}

// WithLogger sets the combiner logger.
func WithLogger[K any](logger *slog.Logger) Option[K] {
	return func(c *CombiningSource[K]) { c.logger = logger }
}

// WithMetrics records combiner activity.
func WithMetrics[K any](m *Metrics) Option[K] {
	return func(c *CombiningSource[K]) { c.metrics = m }
}

// WithCompletedCacheSize bounds how many finished split IDs are remembered
// for duplicate detection.
func WithCompletedCacheSize[K any](n int) Option[K] {
	return func(c *CombiningSource[K]) { c.completedSize = n }
}

// WithPendingSize bounds how many reassembled events wait for Processed.
// Beyond it the oldest is forgotten and its chunks are never acknowledged
// on the delegate.
func WithPendingSize[K any](n int) Option[K] {
	return func(c *CombiningSource[K]) { c.pendingSize = n }
}

// CombiningSource is an EventSource that reassembles chunked events read from
// a delegate. Events without chunk headers pass through untouched. Like every
// EventSource it must be polled from a single goroutine.
type CombiningSource[K any] struct {
	delegate      source.EventSource[K, []byte]
	deadLetter    sink.Sink[*event.Event[K, []byte]]
	logger        *slog.Logger
	metrics       *Metrics
	completedSize int
	pendingSize   int

	splits    map[string]*split[K]
	completed *lru.Cache
	// pending maps reassembled events to the chunks they acknowledge.
	pending *lru.Cache
	closed  bool
}

// NewCombiningSource wraps delegate.
func NewCombiningSource[K any](delegate source.EventSource[K, []byte], opts ...Option[K]) (*CombiningSource[K], error) {
	if delegate == nil {
		return nil, fmt.Errorf("delegate source is required")
	}
	c := &CombiningSource[K]{
		delegate:      delegate,
		logger:        slog.Default(),
		completedSize: defaultCompletedCacheSize,
		pendingSize:   defaultPendingSize,
		splits:        make(map[string]*split[K]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.completedSize <= 0 {
		return nil, fmt.Errorf("completed cache size must be positive, got %d", c.completedSize)
	}
	if c.pendingSize <= 0 {
		return nil, fmt.Errorf("pending size must be positive, got %d", c.pendingSize)
	}
	c.completed = lru.New(c.completedSize)
	c.pending = lru.New(c.pendingSize)
	return c, nil
}

// Poll reads from the delegate until a plain event arrives, a split completes
// or the timeout expires. Time spent in the delegate counts against timeout,
// and an expired deadline ends the call even if the delegate has more ready.
func (c *CombiningSource[K]) Poll(ctx context.Context, timeout time.Duration) (*event.Event[K, []byte], error) {
	if c.closed {
		return nil, source.ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}

		evt, err := c.delegate.Poll(ctx, wait)
		if err != nil {
			return nil, err
		}
		if evt == nil {
			return nil, nil
		}
		if !isChunk(evt) {
			return evt, nil
		}

		out, err := c.accept(ctx, evt)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}

		if ctx.Err() != nil {
			return nil, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

func isChunk[K any](evt *event.Event[K, []byte]) bool {
	for _, h := range ProtocolHeaders {
		if evt.HasHeader(h) {
			return true
		}
	}
	return false
}

// accept validates one chunk and returns the reassembled event when it
// completes its split.
func (c *CombiningSource[K]) accept(ctx context.Context, evt *event.Event[K, []byte]) (*event.Event[K, []byte], error) {
	if c.metrics != nil {
		c.metrics.ChunksTotal.Inc()
	}

	splitID, ok := evt.LastHeader(HeaderSplitID)
	if !ok || splitID == "" {
		return nil, c.reject(ctx, evt, "", "receive", "chunk is missing mandatory Split-ID header")
	}

	if outcome, seen := c.completed.Get(splitID); seen {
		if outcome.(splitOutcome) == splitCompleted {
			c.logger.Debug("dropping chunk of completed split", "split_id", splitID)
			if c.metrics != nil {
				c.metrics.DuplicatesTotal.Inc()
			}
			c.delegate.Processed(evt)
			return nil, nil
		}
		return nil, c.reject(ctx, evt, splitID, "receive", fmt.Sprintf("chunk belongs to split %s which previously failed validation", splitID))
	}

	s := c.splits[splitID]

	chunkID, total, reason := parseSequence(evt)
	if reason != "" {
		return nil, c.reject(ctx, evt, splitID, "receive", reason)
	}
	if s != nil && s.total != total {
		return nil, c.reject(ctx, evt, splitID, "receive",
			fmt.Sprintf("Chunk-Total %d does not match previously declared total %d", total, s.total))
	}

	fields, reason := c.verifyChunk(evt, s)
	if reason != "" {
		return nil, c.reject(ctx, evt, splitID, "receive", reason)
	}

	if s == nil {
		s = &split[K]{
			id:               splitID,
			total:            total,
			chunks:           make(map[int]*event.Event[K, []byte], total),
			checksumAlg:      fields.checksum.algorithm,
			hashAlg:          fields.hash.algorithm,
			originalChecksum: fields.originalChecksum,
			originalHash:     fields.originalHash,
		}
		c.splits[splitID] = s
		c.updateBuffered()
	}

	if prev, dup := s.chunks[chunkID]; dup {
		s.superseded = append(s.superseded, prev)
	}
	s.chunks[chunkID] = evt

	if len(s.chunks) < s.total {
		return nil, nil
	}
	return c.assemble(ctx, s, evt)
}

func parseSequence[K any](evt *event.Event[K, []byte]) (chunkID, total int, reason string) {
	rawID, okID := evt.LastHeader(HeaderChunkID)
	rawTotal, okTotal := evt.LastHeader(HeaderChunkTotal)
	if !okID || !okTotal {
		return 0, 0, "chunk is missing required Chunk-ID/Chunk-Total header"
	}

	total, err := strconv.Atoi(rawTotal)
	if err != nil || total < 1 {
		return 0, 0, fmt.Sprintf("Chunk-Total header value %q is not a positive integer", rawTotal)
	}
	chunkID, err = strconv.Atoi(rawID)
	if err != nil {
		return 0, 0, fmt.Sprintf("Chunk-ID header value %q is not an integer", rawID)
	}
	if chunkID < 0 || chunkID >= total {
		return 0, 0, fmt.Sprintf("Chunk-ID %d is outside the declared total %d", chunkID, total)
	}
	return chunkID, total, ""
}

type chunkFields struct {
	checksum         integrity
	hash             integrity
	originalChecksum string
	originalHash     string
}

// verifyChunk checks the integrity headers of one chunk against its own
// bytes and against what the split recorded from earlier chunks.
func (c *CombiningSource[K]) verifyChunk(evt *event.Event[K, []byte], s *split[K]) (chunkFields, string) {
	var f chunkFields

	raw := make(map[string]string, 4)
	for _, h := range []string{HeaderChunkChecksum, HeaderChunkHash, HeaderOriginalChecksum, HeaderOriginalHash} {
		v, ok := evt.LastHeader(h)
		if !ok {
			return f, fmt.Sprintf("chunk is missing required %s header", h)
		}
		raw[h] = v
	}

	var expectChecksum, expectHash string
	if s != nil {
		expectChecksum, expectHash = s.checksumAlg, s.hashAlg
	}

	var err error
	if f.checksum, err = parseIntegrity(HeaderChunkChecksum, raw[HeaderChunkChecksum], expectChecksum); err != nil {
		return f, err.Error()
	}
	if f.hash, err = parseIntegrity(HeaderChunkHash, raw[HeaderChunkHash], expectHash); err != nil {
		return f, err.Error()
	}
	origChecksum, err := parseIntegrity(HeaderOriginalChecksum, raw[HeaderOriginalChecksum], f.checksum.algorithm)
	if err != nil {
		return f, err.Error()
	}
	origHash, err := parseIntegrity(HeaderOriginalHash, raw[HeaderOriginalHash], f.hash.algorithm)
	if err != nil {
		return f, err.Error()
	}
	f.originalChecksum = raw[HeaderOriginalChecksum]
	f.originalHash = raw[HeaderOriginalHash]

	if s != nil {
		if f.checksum.algorithm != s.checksumAlg {
			return f, fmt.Sprintf("Algorithm mismatch: %s uses %q but split %s uses %q", HeaderChunkChecksum, f.checksum.algorithm, s.id, s.checksumAlg)
		}
		if f.hash.algorithm != s.hashAlg {
			return f, fmt.Sprintf("Algorithm mismatch: %s uses %q but split %s uses %q", HeaderChunkHash, f.hash.algorithm, s.id, s.hashAlg)
		}
		if f.originalChecksum != s.originalChecksum {
			return f, fmt.Sprintf("%s %q does not match previously declared value %q", HeaderOriginalChecksum, f.originalChecksum, s.originalChecksum)
		}
		if f.originalHash != s.originalHash {
			return f, fmt.Sprintf("%s %q does not match previously declared value %q", HeaderOriginalHash, f.originalHash, s.originalHash)
		}
	}
	if origChecksum.algorithm != f.checksum.algorithm {
		return f, fmt.Sprintf("Algorithm mismatch: %s uses %q but %s uses %q", HeaderOriginalChecksum, origChecksum.algorithm, HeaderChunkChecksum, f.checksum.algorithm)
	}
	if origHash.algorithm != f.hash.algorithm {
		return f, fmt.Sprintf("Algorithm mismatch: %s uses %q but %s uses %q", HeaderOriginalHash, origHash.algorithm, HeaderChunkHash, f.hash.algorithm)
	}

	checksumAlg, err := Lookup(f.checksum.algorithm, KindChecksum)
	if err != nil {
		return f, err.Error()
	}
	hashAlg, err := Lookup(f.hash.algorithm, KindHash)
	if err != nil {
		return f, err.Error()
	}
	if err := checksumAlg.Verify(HeaderChunkChecksum, f.checksum.value, evt.Value()); err != nil {
		return f, err.Error()
	}
	if err := hashAlg.Verify(HeaderChunkHash, f.hash.value, evt.Value()); err != nil {
		return f, err.Error()
	}
	return f, ""
}

// assemble concatenates the chunks in Chunk-ID order and verifies the
// original integrity values.
func (c *CombiningSource[K]) assemble(ctx context.Context, s *split[K], last *event.Event[K, []byte]) (*event.Event[K, []byte], error) {
	var buf bytes.Buffer
	for i := 0; i < s.total; i++ {
		buf.Write(s.chunks[i].Value())
	}
	payload := buf.Bytes()

	checksumAlg, err := Lookup(s.checksumAlg, KindChecksum)
	if err != nil {
		return nil, c.reject(ctx, last, s.id, "reassembly", err.Error())
	}
	hashAlg, err := Lookup(s.hashAlg, KindHash)
	if err != nil {
		return nil, c.reject(ctx, last, s.id, "reassembly", err.Error())
	}
	origChecksum, err := parseIntegrity(HeaderOriginalChecksum, s.originalChecksum, s.checksumAlg)
	if err != nil {
		return nil, c.reject(ctx, last, s.id, "reassembly", err.Error())
	}
	origHash, err := parseIntegrity(HeaderOriginalHash, s.originalHash, s.hashAlg)
	if err != nil {
		return nil, c.reject(ctx, last, s.id, "reassembly", err.Error())
	}
	if err := checksumAlg.Verify(HeaderOriginalChecksum, origChecksum.value, payload); err != nil {
		return nil, c.reject(ctx, last, s.id, "reassembly", err.Error())
	}
	if err := hashAlg.Verify(HeaderOriginalHash, origHash.value, payload); err != nil {
		return nil, c.reject(ctx, last, s.id, "reassembly", err.Error())
	}

	terminal := s.chunks[s.total-1]
	out := event.New(terminal.Headers(), terminal.Key(), payload).
		WithoutHeaders(ProtocolHeaders...).
		WithSource(c)

	parts := make([]*event.Event[K, []byte], 0, s.total+len(s.superseded))
	for i := 0; i < s.total; i++ {
		parts = append(parts, s.chunks[i])
	}
	parts = append(parts, s.superseded...)
	if c.pending.Len() >= c.pendingSize {
		c.logger.Debug("forgetting oldest unacknowledged reassembled event", "pending", c.pending.Len())
	}
	c.pending.Add(out, parts)

	delete(c.splits, s.id)
	c.completed.Add(s.id, splitCompleted)
	c.updateBuffered()
	if c.metrics != nil {
		c.metrics.ReassembledTotal.Inc()
	}
	c.logger.Debug("split reassembled", "split_id", s.id, "chunks", s.total, "bytes", len(payload))
	return out, nil
}

// reject discards the split and either returns a BadChunkError or, with a
// dead-letter sink configured, diverts the offending event there.
func (c *CombiningSource[K]) reject(ctx context.Context, evt *event.Event[K, []byte], splitID, stage, reason string) error {
	var discarded []*event.Event[K, []byte]
	if splitID != "" {
		if s, ok := c.splits[splitID]; ok {
			for _, chunk := range s.chunks {
				if chunk != evt {
					discarded = append(discarded, chunk)
				}
			}
			discarded = append(discarded, s.superseded...)
			delete(c.splits, splitID)
			c.updateBuffered()
		}
		c.completed.Add(splitID, splitFailed)
	}

	c.logger.Warn("invalid chunk",
		"split_id", splitID,
		"stage", stage,
		"reason", reason,
		"discarded_chunks", len(discarded),
		"dead_letter", c.deadLetter != nil,
	)

	badChunk := &BadChunkError{SplitID: splitID, Reason: reason}
	if c.deadLetter == nil {
		return badChunk
	}

	annotated := evt.AddHeaders(event.NewHeader(HeaderDeadLetterReason, reason))
	if err := c.deadLetter.Send(ctx, annotated); err != nil {
		return fmt.Errorf("dead-letter %s: %w", badChunk.Error(), err)
	}
	if c.metrics != nil {
		c.metrics.DeadLetterTotal.WithLabelValues(stage).Inc()
	}
	c.delegate.Processed(append(discarded, evt)...)
	return nil
}

func (c *CombiningSource[K]) updateBuffered() {
	if c.metrics != nil {
		c.metrics.BufferedSplits.Set(float64(len(c.splits)))
	}
}

// BufferedSplits returns the number of incomplete splits held in memory.
func (c *CombiningSource[K]) BufferedSplits() int { return len(c.splits) }

// PendingAcknowledgements returns the number of reassembled events whose
// chunks are still waiting for Processed.
func (c *CombiningSource[K]) PendingAcknowledgements() int { return c.pending.Len() }

// Processed acknowledges events on the delegate. A reassembled event
// acknowledges every chunk it was built from.
func (c *CombiningSource[K]) Processed(events ...*event.Event[K, []byte]) {
	var forward []*event.Event[K, []byte]
	for _, e := range events {
		if parts, ok := c.pending.Get(e); ok {
			forward = append(forward, parts.([]*event.Event[K, []byte])...)
			c.pending.Remove(e)
			continue
		}
		forward = append(forward, e)
	}
	if len(forward) > 0 {
		c.delegate.Processed(forward...)
	}
}

// AvailableImmediately is always false: a buffered chunk may not complete a
// split, so the combiner cannot promise an event without polling.
func (c *CombiningSource[K]) AvailableImmediately() bool { return false }

// IsExhausted reports the delegate's exhaustion. Incomplete splits left
// behind by an exhausted delegate can never complete.
func (c *CombiningSource[K]) IsExhausted() bool { return c.delegate.IsExhausted() }

// Remaining reports the delegate's count of unread physical events.
func (c *CombiningSource[K]) Remaining() (int64, bool) { return c.delegate.Remaining() }

// Close discards buffered splits and closes the delegate.
func (c *CombiningSource[K]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if n := len(c.splits); n > 0 {
		c.logger.Warn("closing combiner with incomplete splits", "splits", n)
	}
	c.splits = make(map[string]*split[K])
	c.pending = lru.New(c.pendingSize)
	c.updateBuffered()
	return c.delegate.Close()
}

// IsClosed reports whether Close has been called.
func (c *CombiningSource[K]) IsClosed() bool { return c.closed }

var _ source.EventSource[[]byte, []byte] = (*CombiningSource[[]byte])(nil)
