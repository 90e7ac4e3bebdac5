package chunk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
)

// SplitterOption configures a Splitter.
type SplitterOption func(*Splitter)

// WithChecksum selects the checksum algorithm by id.
func WithChecksum(id string) SplitterOption {
	return func(s *Splitter) { s.checksumID = id }
}

// WithHash selects the hash algorithm by id.
func WithHash(id string) SplitterOption {
	return func(s *Splitter) { s.hashID = id }
}

// WithIDGenerator overrides Split-ID generation. Used by tests.
func WithIDGenerator(fn func() string) SplitterOption {
	return func(s *Splitter) { s.newID = fn }
}

// Splitter fragments payloads larger than a maximum chunk size into chunk
// events carrying the protocol headers the CombiningSource expects.
type Splitter struct {
	maxChunkSize int
	checksumID   string
	hashID       string
	checksum     Algorithm
	hash         Algorithm
	newID        func() string
}

// NewSplitter creates a splitter producing chunks of at most maxChunkSize bytes.
func NewSplitter(maxChunkSize int, opts ...SplitterOption) (*Splitter, error) {
	if maxChunkSize < 1 {
		return nil, fmt.Errorf("max chunk size must be positive, got %d", maxChunkSize)
	}
	s := &Splitter{
		maxChunkSize: maxChunkSize,
		checksumID:   DefaultChecksum,
		hashID:       DefaultHash,
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.checksum, err = Lookup(s.checksumID, KindChecksum); err != nil {
		return nil, err
	}
	if s.hash, err = Lookup(s.hashID, KindHash); err != nil {
		return nil, err
	}
	return s, nil
}

// Split returns evt unchanged when its value fits in one chunk, otherwise
// the chunk events in Chunk-ID order. Every chunk carries the original
// headers followed by the protocol headers.
func Split[K any](s *Splitter, evt *event.Event[K, []byte]) []*event.Event[K, []byte] {
	payload := evt.Value()
	if len(payload) <= s.maxChunkSize {
		return []*event.Event[K, []byte]{evt}
	}

	total := (len(payload) + s.maxChunkSize - 1) / s.maxChunkSize
	splitID := s.newID()
	originalChecksum := s.checksum.Header(payload)
	originalHash := s.hash.Header(payload)
	base := evt.Headers()

	chunks := make([]*event.Event[K, []byte], 0, total)
	for i := 0; i < total; i++ {
		start := i * s.maxChunkSize
		end := min(start+s.maxChunkSize, len(payload))
		part := payload[start:end:end]

		headers := append(base[:len(base):len(base)],
			event.NewHeader(HeaderSplitID, splitID),
			event.NewHeader(HeaderChunkID, strconv.Itoa(i)),
			event.NewHeader(HeaderChunkTotal, strconv.Itoa(total)),
			event.NewHeader(HeaderChunkChecksum, s.checksum.Header(part)),
			event.NewHeader(HeaderChunkHash, s.hash.Header(part)),
			event.NewHeader(HeaderOriginalChecksum, originalChecksum),
			event.NewHeader(HeaderOriginalHash, originalHash),
		)
		chunks = append(chunks, event.New(headers, evt.Key(), part))
	}
	return chunks
}

// SplittingSink splits events before sending them to its delegate.
type SplittingSink[K any] struct {
	splitter *Splitter
	delegate sink.Sink[*event.Event[K, []byte]]
}

// NewSplittingSink wraps delegate.
func NewSplittingSink[K any](splitter *Splitter, delegate sink.Sink[*event.Event[K, []byte]]) *SplittingSink[K] {
	return &SplittingSink[K]{splitter: splitter, delegate: delegate}
}

// Send splits evt and sends each chunk in order.
func (s *SplittingSink[K]) Send(ctx context.Context, evt *event.Event[K, []byte]) error {
	for _, c := range Split(s.splitter, evt) {
		if err := s.delegate.Send(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the delegate.
func (s *SplittingSink[K]) Close() error {
	return s.delegate.Close()
}
