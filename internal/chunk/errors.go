package chunk

import (
	"errors"

	"github.com/lsm/projector/internal/source"
)

// ErrBadChunk matches every chunk protocol violation.
var ErrBadChunk = errors.New("bad chunk")

// BadChunkError describes why a chunk was rejected. It matches both
// ErrBadChunk and source.ErrEventSource with errors.Is.
type BadChunkError struct {
	SplitID string
	Reason  string
}

func (e *BadChunkError) Error() string {
	if e.SplitID == "" {
		return "bad chunk: " + e.Reason
	}
	return "bad chunk in split " + e.SplitID + ": " + e.Reason
}

func (e *BadChunkError) Unwrap() []error {
	return []error{ErrBadChunk, source.ErrEventSource}
}
