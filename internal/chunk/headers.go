// Package chunk splits large payloads into chunk events and reassembles them,
// verifying order, completeness and integrity on the way back.
package chunk

import (
	"fmt"
	"strings"
)

// Chunk protocol headers.
const (
	HeaderSplitID          = "Split-ID"
	HeaderChunkID          = "Chunk-ID"
	HeaderChunkTotal       = "Chunk-Total"
	HeaderChunkChecksum    = "Chunk-Checksum"
	HeaderChunkHash        = "Chunk-Hash"
	HeaderOriginalChecksum = "Original-Checksum"
	HeaderOriginalHash     = "Original-Hash"

	// HeaderDeadLetterReason carries the diagnostic on dead-lettered events.
	HeaderDeadLetterReason = "Dead-Letter-Reason"
)

// ProtocolHeaders lists every header the chunk protocol attaches. None of them
// survive reassembly.
var ProtocolHeaders = []string{
	HeaderSplitID,
	HeaderChunkID,
	HeaderChunkTotal,
	HeaderChunkChecksum,
	HeaderChunkHash,
	HeaderOriginalChecksum,
	HeaderOriginalHash,
}

// integrity is a parsed "<algorithm-id>:<value>" header.
type integrity struct {
	algorithm string
	value     string
}

func (i integrity) String() string { return i.algorithm + ":" + i.value }

func formatIntegrity(algorithm, value string) string {
	return algorithm + ":" + value
}

// parseIntegrity splits a header value. expected names the algorithm already
// recorded for the split, if any, and only shapes the error message.
func parseIntegrity(header, raw, expected string) (integrity, error) {
	alg, value, ok := strings.Cut(raw, ":")
	if !ok || alg == "" || value == "" {
		prefix := "<algorithm-id>:"
		if expected != "" {
			prefix = expected + ":"
		}
		return integrity{}, fmt.Errorf("%s header value %q does not have required '%s' prefix", header, raw, prefix)
	}
	return integrity{algorithm: alg, value: value}, nil
}
