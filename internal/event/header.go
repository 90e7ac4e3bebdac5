package event

import "bytes"

// Header is a single event header. Multiple headers may share a key.
type Header struct {
	key   string
	value []byte
}

// NewHeader creates a header with a string value.
func NewHeader(key, value string) Header {
	return Header{key: key, value: []byte(value)}
}

// NewRawHeader creates a header with a raw byte value. The bytes are copied.
func NewRawHeader(key string, value []byte) Header {
	return Header{key: key, value: bytes.Clone(value)}
}

// Key returns the header key.
func (h Header) Key() string { return h.key }

// Value returns the header value as a string.
func (h Header) Value() string { return string(h.value) }

// RawValue returns a copy of the header value bytes.
func (h Header) RawValue() []byte { return bytes.Clone(h.value) }

// Equal reports whether two headers have the same key and byte value.
func (h Header) Equal(other Header) bool {
	return h.key == other.key && bytes.Equal(h.value, other.value)
}

func (h Header) String() string {
	return h.key + "=" + string(h.value)
}

// HeadersEqual reports whether two header sequences are equal in order.
func HeadersEqual(a, b []Header) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
