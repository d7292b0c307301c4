package callevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind identifies what happened on the phone system.
type Kind int

const (
	RingIncoming Kind = iota + 1
	RingOutgoing
	Accepted
	Transfer
	Hangup
)

var (
	ErrUnknownKind   = errors.New("unknown call event")
	ErrMissingCallID = errors.New("call event without callid")
)

var wireNames = map[Kind]string{
	RingIncoming: "Incoming Call",
	RingOutgoing: "Outgoing Call",
	Accepted:     "Accepted Call",
	Transfer:     "Transfer Call",
	Hangup:       "Hangup",
}

// String returns the webhook name of the kind.
func (k Kind) String() string {
	if s, ok := wireNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Slug is a lowercase, space-free form of the kind for topics and logs.
func (k Kind) Slug() string {
	switch k {
	case RingIncoming:
		return "incoming"
	case RingOutgoing:
		return "outgoing"
	case Accepted:
		return "accepted"
	case Transfer:
		return "transfer"
	case Hangup:
		return "hangup"
	}
	return "unknown"
}

// IsRing reports whether the kind starts a call.
func (k Kind) IsRing() bool {
	return k == RingIncoming || k == RingOutgoing
}

// ParseKind maps a webhook event name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range wireNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Event is a single notification from the phone system.
type Event struct {
	Kind         Kind
	CallID       string
	CallerNumber string
	DialedNumber string
	// Agent is the handling agent. For Transfer it is the new agent.
	Agent string
}

// payload is the JSON body posted by the phone system.
type payload struct {
	Event   string `json:"event"`
	CallID  string `json:"callid"`
	Remote  string `json:"remote,omitempty"`
	Dialed  string `json:"dialed,omitempty"`
	User    string `json:"user,omitempty"`
	NewUser string `json:"newuser,omitempty"`
}

// Decode reads one event from r. newuser wins over user when both are set.
func Decode(r io.Reader) (Event, error) {
	var p payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return Event{}, fmt.Errorf("decoding call event: %w", err)
	}
	return p.event()
}

// Unmarshal is Decode for an in-memory body.
func Unmarshal(data []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("decoding call event: %w", err)
	}
	return p.event()
}

func (p payload) event() (Event, error) {
	kind, err := ParseKind(strings.TrimSpace(p.Event))
	if err != nil {
		return Event{}, err
	}
	callID := strings.TrimSpace(p.CallID)
	if callID == "" {
		return Event{}, ErrMissingCallID
	}

	agent := strings.TrimSpace(p.User)
	if nu := strings.TrimSpace(p.NewUser); nu != "" {
		agent = nu
	}

	return Event{
		Kind:         kind,
		CallID:       callID,
		CallerNumber: strings.TrimSpace(p.Remote),
		DialedNumber: strings.TrimSpace(p.Dialed),
		Agent:        agent,
	}, nil
}

// Payload renders the event in webhook form.
func (e Event) Payload() ([]byte, error) {
	p := payload{
		Event:  e.Kind.String(),
		CallID: e.CallID,
		Remote: e.CallerNumber,
		Dialed: e.DialedNumber,
	}
	if e.Kind == Transfer {
		p.NewUser = e.Agent
	} else {
		p.User = e.Agent
	}
	return json.Marshal(p)
}
