package publisher

import (
	"context"
	"strings"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher records publishes in memory. Tests use it in place of the
// MQTT broker.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
	err      error
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all recorded messages.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Topics returns the recorded topics in publish order.
func (m *MockPublisher) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, len(m.messages))
	for i, msg := range m.messages {
		topics[i] = msg.Topic
	}
	return topics
}

// ForTicket returns the messages published about one ticket.
func (m *MockPublisher) ForTicket(ticketID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if strings.Contains(msg.Topic, "/ticket/"+ticketID+"/") {
			out = append(out, msg)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError makes Publish fail with err until cleared with nil.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
