// Package correlator turns a raw AMI event stream into call events.
package correlator

import (
	"strings"

	"github.com/sweeney/asterisk-tickets/internal/ami"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
)

// Correlator tracks AMI events and emits callevent.Events when calls
// ring, are answered, transferred or hung up.
type Correlator struct {
	calls map[string]*callState // keyed by Uniqueid
	rules Rules
}

// New creates a Correlator with DefaultRules.
func New() *Correlator {
	return &Correlator{
		calls: make(map[string]*callState),
		rules: DefaultRules,
	}
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithRules replaces the default matching rules.
func WithRules(r Rules) Option {
	return func(c *Correlator) { c.rules = r }
}

// NewWithOptions creates a Correlator with the given options.
func NewWithOptions(opts ...Option) *Correlator {
	c := New()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process ingests an AMI event and returns any resulting call events.
func (c *Correlator) Process(evt ami.Event) []callevent.Event {
	if evt.IsResponse() {
		return nil
	}

	switch evt.Type() {
	case "Newstate":
		return c.handleNewstate(evt)
	case "Hangup":
		return c.handleHangup(evt)
	case "AttendedTransfer":
		return c.handleTransfer(evt)
	default:
		return nil
	}
}

// ActiveCalls returns the number of calls currently being tracked.
func (c *Correlator) ActiveCalls() int {
	return len(c.calls)
}

func (c *Correlator) handleNewstate(evt ami.Event) []callevent.Event {
	uniqueID := evt.Get("Uniqueid")
	if uniqueID == "" {
		return nil
	}

	switch evt.Get("ChannelStateDesc") {
	case "Ring":
		return c.handleRing(evt, uniqueID)
	case "Up":
		return c.handleUp(evt, uniqueID)
	}
	return nil
}

func (c *Correlator) handleRing(evt ami.Event, uniqueID string) []callevent.Event {
	if _, exists := c.calls[uniqueID]; exists {
		return nil
	}

	context := evt.Get("Context")
	switch {
	case context == c.rules.IncomingContext && strings.HasPrefix(evt.Get("Channel"), c.rules.TrunkChannelPrefix):
		c.calls[uniqueID] = &callState{uniqueID: uniqueID, incoming: true}
		return []callevent.Event{{
			Kind:         callevent.RingIncoming,
			CallID:       uniqueID,
			CallerNumber: evt.Get("CallerIDNum"),
			DialedNumber: evt.Get("Exten"),
		}}

	case context == c.rules.OutgoingContext && digits(evt.Get("Exten")) >= c.rules.MinOutgoingDigits:
		c.calls[uniqueID] = &callState{uniqueID: uniqueID}
		return []callevent.Event{{
			Kind:         callevent.RingOutgoing,
			CallID:       uniqueID,
			CallerNumber: evt.Get("Exten"),
			Agent:        agentName(evt.Get("CallerIDName")),
		}}
	}
	return nil
}

func (c *Correlator) handleUp(evt ami.Event, uniqueID string) []callevent.Event {
	if evt.Get("Context") != c.rules.IncomingContext {
		return nil
	}
	cs := c.calls[uniqueID]
	if cs == nil {
		cs = &callState{uniqueID: uniqueID, incoming: true}
		c.calls[uniqueID] = cs
	}
	if cs.accepted {
		return nil
	}
	cs.accepted = true

	return []callevent.Event{{
		Kind:         callevent.Accepted,
		CallID:       uniqueID,
		CallerNumber: evt.Get("CallerIDNum"),
		DialedNumber: evt.Get("Exten"),
		Agent:        agentName(evt.Get("ConnectedLineName")),
	}}
}

func (c *Correlator) handleHangup(evt ami.Event) []callevent.Event {
	uniqueID := evt.Get("Uniqueid")
	if uniqueID == "" {
		return nil
	}

	_, tracked := c.calls[uniqueID]
	if !tracked && evt.Get("Context") != c.rules.IncomingContext {
		return nil
	}
	delete(c.calls, uniqueID)

	return []callevent.Event{{
		Kind:         callevent.Hangup,
		CallID:       uniqueID,
		CallerNumber: evt.Get("CallerIDNum"),
	}}
}

func (c *Correlator) handleTransfer(evt ami.Event) []callevent.Event {
	uniqueID := evt.Get("TransfereeUniqueid")
	if uniqueID == "" {
		return nil
	}
	return []callevent.Event{{
		Kind:   callevent.Transfer,
		CallID: uniqueID,
		Agent:  agentName(evt.Get("TransferTargetCallerIDName")),
	}}
}
