package ami

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// Parser reads an AMI byte stream and emits Events.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Parser{scanner: s}
}

// Next reads the next event from the stream.
// Returns the event and true if an event was read, or a zero Event and false at EOF.
func (p *Parser) Next() (Event, bool) {
	var headers []Header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line marks end of an event block
		if line == "" {
			if len(headers) > 0 {
				return Event{headers: headers}, true
			}
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			// The banner has no key; skip it outside of an event.
			if len(headers) == 0 {
				continue
			}
			headers = append(headers, Header{Value: line})
			continue
		}
		headers = append(headers, Header{Key: key, Value: value})
	}

	// EOF: return any pending event
	if len(headers) > 0 {
		return Event{headers: headers}, true
	}
	return Event{}, false
}

// Err returns the first non-EOF read error.
func (p *Parser) Err() error {
	return p.scanner.Err()
}

// ParseAll reads all events from the stream and returns them.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all events from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(bytes.NewReader(data)).ParseAll()
}
