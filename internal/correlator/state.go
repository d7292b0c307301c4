package correlator

import "strings"

// Rules select which AMI events describe calls the ticket system cares
// about.
type Rules struct {
	// IncomingContext is the dialplan context of calls arriving on the trunk.
	IncomingContext string `yaml:"incoming_context"`
	// OutgoingContext is the dialplan context of calls placed by agents.
	OutgoingContext string `yaml:"outgoing_context"`
	// TrunkChannelPrefix restricts incoming rings to matching channels.
	// Empty accepts every channel.
	TrunkChannelPrefix string `yaml:"trunk_channel_prefix"`
	// MinOutgoingDigits filters internal dialing from external calls.
	MinOutgoingDigits int `yaml:"min_outgoing_digits"`
}

// DefaultRules match a stock FreePBX dialplan.
var DefaultRules = Rules{
	IncomingContext:   "from-trunk",
	OutgoingContext:   "from-internal",
	MinOutgoingDigits: 5,
}

// callState tracks what has already been emitted for a channel.
type callState struct {
	uniqueID string
	incoming bool
	accepted bool
}

// agentName turns a caller ID name like "Ana Lopez" into the agent
// identifier "ana".
func agentName(callerIDName string) string {
	name := strings.TrimSpace(callerIDName)
	if name == "" || name == "<unknown>" {
		return ""
	}
	first, _, _ := strings.Cut(name, " ")
	return strings.ToLower(first)
}

func digits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
