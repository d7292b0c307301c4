// Package ami reads the Asterisk Manager Interface protocol.
package ami

import (
	"strings"
)

// Event is one AMI message as an ordered set of key-value pairs. Actions
// sent to Asterisk use the same shape.
type Event struct {
	headers []Header
}

// Header is a single "Key: Value" line.
type Header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from alternating keys and values.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, Header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	for _, h := range e.headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// Headers returns all headers in wire order.
func (e Event) Headers() []Header {
	return e.headers
}

// IsResponse returns true if this is an AMI response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// String renders the message in wire format, terminated by a blank line.
func (e Event) String() string {
	var b strings.Builder
	for _, h := range e.headers {
		if h.Key != "" {
			b.WriteString(h.Key)
			b.WriteString(": ")
		}
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
