package publisher

import (
	"context"
	"errors"
	"testing"
)

func TestMockRecordsPerTicket(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	for _, topic := range []string{
		"asterisk/ticket/7/incoming",
		"asterisk/ticket/12/incoming",
		"asterisk/ticket/7/hangup",
	} {
		if err := m.Publish(ctx, topic, []byte(`{}`)); err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	}

	if got := m.Topics(); len(got) != 3 || got[1] != "asterisk/ticket/12/incoming" {
		t.Errorf("unexpected topics %v", got)
	}

	seven := m.ForTicket("7")
	if len(seven) != 2 {
		t.Fatalf("expected 2 messages for ticket 7, got %d", len(seven))
	}
	if seven[1].Topic != "asterisk/ticket/7/hangup" {
		t.Errorf("unexpected topic %s", seven[1].Topic)
	}
	if len(m.ForTicket("1")) != 0 {
		t.Error("ticket 1 must not match ticket 12")
	}
}

func TestMockPayloadIsCopied(t *testing.T) {
	m := NewMockPublisher()

	payload := []byte(`{"event":"accepted"}`)
	if err := m.Publish(context.Background(), "asterisk/ticket/1/accepted", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload[2] = 'X'

	if got := string(m.Messages()[0].Payload); got != `{"event":"accepted"}` {
		t.Errorf("recorded payload changed with caller buffer: %s", got)
	}
}

func TestMockClose(t *testing.T) {
	m := NewMockPublisher()
	if m.Closed() {
		t.Fatal("expected not closed initially")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Closed() {
		t.Fatal("expected closed after Close()")
	}
}

func TestMockSetError(t *testing.T) {
	m := NewMockPublisher()
	brokerDown := errors.New("broker down")
	m.SetError(brokerDown)

	if err := m.Publish(context.Background(), "asterisk/ticket/1/hangup", nil); !errors.Is(err, brokerDown) {
		t.Fatalf("expected %v, got %v", brokerDown, err)
	}
	if len(m.Messages()) != 0 {
		t.Errorf("failed publish was recorded")
	}

	m.SetError(nil)
	if err := m.Publish(context.Background(), "asterisk/ticket/1/hangup", nil); err != nil {
		t.Fatalf("unexpected error after clearing: %v", err)
	}
	if len(m.Messages()) != 1 {
		t.Errorf("expected 1 message, got %d", len(m.Messages()))
	}
}
