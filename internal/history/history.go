// Package history reads and writes the per-call lines kept in a ticket
// description.
//
// An open call is recorded as
//
//	alice: Call start: 2030-03-30 10:00:00 (1700000000.42)
//
// and rewritten on hangup to
//
//	alice: Call start: 2030-03-30 10:00:00 Call End: 2030-03-30 10:12:40 "Duration: 12min"
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wall-clock format used in history lines and the
// ticket call start/end fields.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	startMarker  = ": Call start: "
	startPattern = ": Call start:"
)

var (
	ErrNoOpenLine    = errors.New("no open history line for call")
	ErrMalformedLine = errors.New("malformed history line")
)

// Timestamp formats t in loc.
func Timestamp(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TimestampLayout)
}

// OpenLine renders the line written when an agent picks up a call.
func OpenLine(agent, start, callID string) string {
	return agent + startMarker + start + " (" + callID + ")"
}

// ClosedLine renders the line an open line becomes on hangup.
func ClosedLine(agent, start, end string, minutes int) string {
	return fmt.Sprintf("%s%s%s Call End: %s \"Duration: %dmin\"", agent, startMarker, start, end, minutes)
}

// Append adds line at the end of the description.
func Append(description, line string) string {
	if description == "" {
		return line
	}
	return description + "\n" + line
}

func marker(callID string) string {
	return "(" + callID + ")"
}

// FindOpenLine returns the line carrying callID.
func FindOpenLine(description, callID string) (string, bool) {
	m := marker(callID)
	for _, line := range strings.Split(description, "\n") {
		if strings.Contains(line, m) {
			return line, true
		}
	}
	return "", false
}

// IsRecorded reports whether agent already has an open line for callID.
func IsRecorded(description, agent, callID string) bool {
	prefix := agent + startMarker
	m := marker(callID)
	for _, line := range strings.Split(description, "\n") {
		if strings.HasPrefix(line, prefix) && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// RunningCall returns the call id of agent's most recent line when that
// call has not ended yet.
func RunningCall(description, agent string) (string, bool) {
	if agent == "" {
		return "", false
	}
	prefix := agent + startPattern
	lines := strings.Split(description, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		if strings.Contains(line, "Call End") || !strings.HasSuffix(line, ")") {
			return "", false
		}
		open := strings.LastIndex(line, " (")
		if open < 0 {
			return "", false
		}
		return line[open+2 : len(line)-1], true
	}
	return "", false
}

// ParseOpenLine splits an open line into its agent and start timestamp.
func ParseOpenLine(line string) (agent, start string, err error) {
	i := strings.Index(line, startPattern)
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	agent = line[:i]

	j := strings.Index(line, startMarker)
	if j < 0 {
		return agent, "", fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	rest := line[j+len(startMarker):]
	k := strings.Index(rest, " (")
	if k < 0 {
		return agent, "", fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	return agent, rest[:k], nil
}

// ReplaceAgent rewrites the agent of the line carrying callID. The text up
// to the first ':' of that line is replaced.
func ReplaceAgent(description, callID, agent string) (string, error) {
	m := marker(callID)
	lines := strings.Split(description, "\n")
	for i, line := range lines {
		if !strings.Contains(line, m) {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			return description, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		lines[i] = agent + line[colon:]
		return strings.Join(lines, "\n"), nil
	}
	return description, ErrNoOpenLine
}

// Closed describes the result of CloseCall.
type Closed struct {
	Description string
	Agent       string
	Start       string
	Minutes     int
	// Estimated is set when the duration could not be computed and the
	// default was used.
	Estimated bool
}

// CloseCall rewrites the open line of callID into its closed form with the
// given end timestamp. When the duration cannot be computed from the two
// timestamps defaultMinutes is recorded instead.
func CloseCall(description, callID, end string, loc *time.Location, defaultMinutes int) (Closed, error) {
	line, ok := FindOpenLine(description, callID)
	if !ok {
		return Closed{Description: description}, ErrNoOpenLine
	}
	agent, start, err := ParseOpenLine(line)
	if err != nil {
		return Closed{Description: description, Agent: agent}, err
	}

	res := Closed{Agent: agent, Start: start}
	minutes, derr := Duration(start, end, loc)
	if derr != nil {
		minutes = defaultMinutes
		res.Estimated = true
	}
	res.Minutes = minutes
	res.Description = strings.Replace(description, line, ClosedLine(agent, start, end, minutes), 1)
	return res, nil
}

// Duration returns the whole minutes between two timestamps interpreted
// in loc, so daylight saving changes are accounted for.
func Duration(start, end string, loc *time.Location) (int, error) {
	if loc == nil {
		loc = time.Local
	}
	s, err := time.ParseInLocation(TimestampLayout, start, loc)
	if err != nil {
		return 0, fmt.Errorf("parsing call start: %w", err)
	}
	e, err := time.ParseInLocation(TimestampLayout, end, loc)
	if err != nil {
		return 0, fmt.Errorf("parsing call end: %w", err)
	}
	d := e.Sub(s)
	if d < 0 {
		return 0, fmt.Errorf("call end %s before start %s", end, start)
	}
	return int(d / time.Minute), nil
}
