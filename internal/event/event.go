// Package event defines the immutable headered key/value records that flow
// through sources, combiners, projectors and sinks.
package event

import (
	"bytes"
	"fmt"
	"slices"
)

// Acknowledger receives acknowledgements for events it produced.
// It is the only thing an event knows about the source it came from.
type Acknowledger[K, V any] interface {
	Processed(events ...*Event[K, V])
}

// Event is an immutable record with ordered headers, a key and a value.
// Operations that "modify" an event return a new one.
type Event[K, V any] struct {
	headers []Header
	key     K
	value   V
	source  Acknowledger[K, V]
}

// New creates an event. The headers slice is copied.
func New[K, V any](headers []Header, key K, value V) *Event[K, V] {
	return &Event[K, V]{
		headers: slices.Clone(headers),
		key:     key,
		value:   value,
	}
}

// WithSource returns a copy of the event that acknowledges through src.
func (e *Event[K, V]) WithSource(src Acknowledger[K, V]) *Event[K, V] {
	c := *e
	c.source = src
	return &c
}

// Headers returns a copy of the event headers in insertion order.
func (e *Event[K, V]) Headers() []Header { return slices.Clone(e.headers) }

// Key returns the event key.
func (e *Event[K, V]) Key() K { return e.key }

// Value returns the event value.
func (e *Event[K, V]) Value() V { return e.value }

// Source returns the acknowledger the event came from, or nil.
func (e *Event[K, V]) Source() Acknowledger[K, V] { return e.source }

// HasHeader reports whether at least one header with the key is present.
func (e *Event[K, V]) HasHeader(key string) bool {
	for _, h := range e.headers {
		if h.key == key {
			return true
		}
	}
	return false
}

// LastHeader returns the value of the last header with the given key.
func (e *Event[K, V]) LastHeader(key string) (string, bool) {
	for i := len(e.headers) - 1; i >= 0; i-- {
		if e.headers[i].key == key {
			return e.headers[i].Value(), true
		}
	}
	return "", false
}

// HeaderValues returns every value for key, in order.
func (e *Event[K, V]) HeaderValues(key string) []string {
	var out []string
	for _, h := range e.headers {
		if h.key == key {
			out = append(out, h.Value())
		}
	}
	return out
}

// AddHeaders returns a new event with the headers appended.
func (e *Event[K, V]) AddHeaders(headers ...Header) *Event[K, V] {
	c := *e
	c.headers = append(slices.Clone(e.headers), headers...)
	return &c
}

// ReplaceHeaders returns a new event carrying exactly the given headers.
func (e *Event[K, V]) ReplaceHeaders(headers []Header) *Event[K, V] {
	c := *e
	c.headers = slices.Clone(headers)
	return &c
}

// WithoutHeaders returns a new event with every header matching one of keys removed.
func (e *Event[K, V]) WithoutHeaders(keys ...string) *Event[K, V] {
	c := *e
	c.headers = slices.DeleteFunc(slices.Clone(e.headers), func(h Header) bool {
		return slices.Contains(keys, h.key)
	})
	return &c
}

// ReplaceKey returns a new event with a different key.
func (e *Event[K, V]) ReplaceKey(key K) *Event[K, V] {
	c := *e
	c.key = key
	return &c
}

// ReplaceValue returns a new event with the same headers and key but a value of
// a possibly different type. The source reference is dropped when the value
// type changes because the origin can no longer acknowledge it.
func ReplaceValue[K, V, NV any](e *Event[K, V], value NV) *Event[K, NV] {
	out := &Event[K, NV]{
		headers: slices.Clone(e.headers),
		key:     e.key,
		value:   value,
	}
	if src, ok := any(e.source).(Acknowledger[K, NV]); ok {
		out.source = src
	}
	return out
}

// Equal compares headers, key and value. The source is not compared.
func (e *Event[K, V]) Equal(other *Event[K, V], keyEq func(a, b K) bool, valueEq func(a, b V) bool) bool {
	if e == nil || other == nil {
		return e == other
	}
	return HeadersEqual(e.headers, other.headers) && keyEq(e.key, other.key) && valueEq(e.value, other.value)
}

// EqualBytes compares two byte-keyed, byte-valued events structurally.
func EqualBytes(a, b *Event[[]byte, []byte]) bool {
	return a.Equal(b, bytes.Equal, bytes.Equal)
}

func (e *Event[K, V]) String() string {
	return fmt.Sprintf("Event{headers=%v key=%v value=%v}", e.headers, e.key, e.value)
}
