package correlator_test

import (
	"testing"

	"github.com/sweeney/asterisk-tickets/internal/ami"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/correlator"
)

// inboundAnswered is an inbound trunk call picked up by Ana and hung up by
// the caller, trimmed to the events the correlator looks at plus noise.
const inboundAnswered = "Asterisk Call Manager/5.0.1\r\n" +
	"\r\n" +
	"Event: Newchannel\r\n" +
	"Channel: SIP/trunk-00000001\r\n" +
	"Context: from-trunk\r\n" +
	"CallerIDNum: 030123456\r\n" +
	"Exten: 200\r\n" +
	"Uniqueid: 1700000000.1\r\n" +
	"Linkedid: 1700000000.1\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: SIP/trunk-00000001\r\n" +
	"ChannelStateDesc: Ring\r\n" +
	"Context: from-trunk\r\n" +
	"CallerIDNum: 030123456\r\n" +
	"Exten: 200\r\n" +
	"Uniqueid: 1700000000.1\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: SIP/201-00000002\r\n" +
	"ChannelStateDesc: Ringing\r\n" +
	"Context: from-internal\r\n" +
	"CallerIDNum: 201\r\n" +
	"Exten: 201\r\n" +
	"Uniqueid: 1700000000.2\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: SIP/trunk-00000001\r\n" +
	"ChannelStateDesc: Up\r\n" +
	"Context: from-trunk\r\n" +
	"CallerIDNum: 030123456\r\n" +
	"ConnectedLineName: Ana Lopez\r\n" +
	"Exten: 200\r\n" +
	"Uniqueid: 1700000000.1\r\n" +
	"\r\n" +
	"Event: Newstate\r\n" +
	"Channel: SIP/trunk-00000001\r\n" +
	"ChannelStateDesc: Up\r\n" +
	"Context: from-trunk\r\n" +
	"CallerIDNum: 030123456\r\n" +
	"ConnectedLineName: Ana Lopez\r\n" +
	"Exten: 200\r\n" +
	"Uniqueid: 1700000000.1\r\n" +
	"\r\n" +
	"Event: Hangup\r\n" +
	"Channel: SIP/201-00000002\r\n" +
	"Context: from-internal\r\n" +
	"Uniqueid: 1700000000.2\r\n" +
	"Cause: 16\r\n" +
	"\r\n" +
	"Event: Hangup\r\n" +
	"Channel: SIP/trunk-00000001\r\n" +
	"Context: from-trunk\r\n" +
	"CallerIDNum: 030123456\r\n" +
	"Uniqueid: 1700000000.1\r\n" +
	"Cause: 16\r\n" +
	"\r\n"

func processAll(t *testing.T, c *correlator.Correlator, events []ami.Event) []callevent.Event {
	t.Helper()
	var out []callevent.Event
	for _, evt := range events {
		out = append(out, c.Process(evt)...)
	}
	return out
}

func assertEvent(t *testing.T, got callevent.Event, kind callevent.Kind, callID, agent string) {
	t.Helper()
	if got.Kind != kind {
		t.Errorf("expected kind %s, got %s", kind, got.Kind)
	}
	if got.CallID != callID {
		t.Errorf("expected call id %q, got %q", callID, got.CallID)
	}
	if got.Agent != agent {
		t.Errorf("expected agent %q, got %q", agent, got.Agent)
	}
}

func TestInboundAnsweredCall(t *testing.T) {
	c := correlator.New()
	events := processAll(t, c, ami.ParseBytes([]byte(inboundAnswered)))

	if len(events) != 3 {
		t.Fatalf("expected 3 call events, got %d: %+v", len(events), events)
	}

	assertEvent(t, events[0], callevent.RingIncoming, "1700000000.1", "")
	if events[0].CallerNumber != "030123456" {
		t.Errorf("expected caller 030123456, got %q", events[0].CallerNumber)
	}
	if events[0].DialedNumber != "200" {
		t.Errorf("expected dialed 200, got %q", events[0].DialedNumber)
	}

	assertEvent(t, events[1], callevent.Accepted, "1700000000.1", "ana")
	assertEvent(t, events[2], callevent.Hangup, "1700000000.1", "")

	if c.ActiveCalls() != 0 {
		t.Errorf("expected no active calls, got %d", c.ActiveCalls())
	}
}

func TestRepeatedRingIsSuppressed(t *testing.T) {
	c := correlator.New()
	ring := ami.NewEvent(
		"Event", "Newstate",
		"ChannelStateDesc", "Ring",
		"Context", "from-trunk",
		"Channel", "SIP/trunk-1",
		"Uniqueid", "1.1",
	)

	if got := c.Process(ring); len(got) != 1 {
		t.Fatalf("expected first ring to emit, got %d events", len(got))
	}
	if got := c.Process(ring); len(got) != 0 {
		t.Errorf("expected repeated ring to be suppressed, got %+v", got)
	}
	if c.ActiveCalls() != 1 {
		t.Errorf("expected 1 active call, got %d", c.ActiveCalls())
	}
}

func TestOutgoingCall(t *testing.T) {
	c := correlator.New()

	internal := ami.NewEvent(
		"Event", "Newstate",
		"ChannelStateDesc", "Ring",
		"Context", "from-internal",
		"CallerIDName", "Ben Meyer",
		"Exten", "202",
		"Uniqueid", "2.1",
	)
	if got := c.Process(internal); len(got) != 0 {
		t.Errorf("expected short internal dial to be ignored, got %+v", got)
	}

	external := ami.NewEvent(
		"Event", "Newstate",
		"ChannelStateDesc", "Ring",
		"Context", "from-internal",
		"CallerIDName", "Ben Meyer",
		"Exten", "030987654",
		"Uniqueid", "2.2",
	)
	got := c.Process(external)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	assertEvent(t, got[0], callevent.RingOutgoing, "2.2", "ben")
	if got[0].CallerNumber != "030987654" {
		t.Errorf("expected remote 030987654, got %q", got[0].CallerNumber)
	}

	// Tracked outgoing calls hang up outside the incoming context.
	hangup := ami.NewEvent("Event", "Hangup", "Context", "from-internal", "Uniqueid", "2.2")
	got = c.Process(hangup)
	if len(got) != 1 {
		t.Fatalf("expected hangup for tracked call, got %d events", len(got))
	}
	assertEvent(t, got[0], callevent.Hangup, "2.2", "")
}

func TestUntrackedInternalHangupIgnored(t *testing.T) {
	c := correlator.New()
	got := c.Process(ami.NewEvent("Event", "Hangup", "Context", "from-internal", "Uniqueid", "9.9"))
	if len(got) != 0 {
		t.Errorf("expected no events, got %+v", got)
	}
}

func TestAcceptWithUnknownConnectedLine(t *testing.T) {
	c := correlator.New()
	got := c.Process(ami.NewEvent(
		"Event", "Newstate",
		"ChannelStateDesc", "Up",
		"Context", "from-trunk",
		"ConnectedLineName", "<unknown>",
		"Uniqueid", "3.1",
	))
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	assertEvent(t, got[0], callevent.Accepted, "3.1", "")
}

func TestAttendedTransfer(t *testing.T) {
	c := correlator.New()
	got := c.Process(ami.NewEvent(
		"Event", "AttendedTransfer",
		"TransfereeUniqueid", "1700000000.1",
		"TransferTargetCallerIDName", "Ben Meyer",
	))
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	assertEvent(t, got[0], callevent.Transfer, "1700000000.1", "ben")
}

func TestTrunkChannelPrefix(t *testing.T) {
	rules := correlator.DefaultRules
	rules.TrunkChannelPrefix = "SIP/provider-"
	c := correlator.NewWithOptions(correlator.WithRules(rules))

	other := ami.NewEvent("Event", "Newstate", "ChannelStateDesc", "Ring", "Context", "from-trunk",
		"Channel", "SIP/backup-1", "Uniqueid", "4.1")
	if got := c.Process(other); len(got) != 0 {
		t.Errorf("expected ring on other trunk to be ignored, got %+v", got)
	}

	mine := ami.NewEvent("Event", "Newstate", "ChannelStateDesc", "Ring", "Context", "from-trunk",
		"Channel", "SIP/provider-1", "Uniqueid", "4.2")
	if got := c.Process(mine); len(got) != 1 {
		t.Errorf("expected ring on configured trunk, got %d events", len(got))
	}
}

func TestResponsesIgnored(t *testing.T) {
	c := correlator.New()
	got := c.Process(ami.NewEvent("Response", "Success", "Message", "Authentication accepted"))
	if len(got) != 0 {
		t.Errorf("expected no events, got %+v", got)
	}
}
