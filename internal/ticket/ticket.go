package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the ticket workflow state.
type Status int

const (
	StatusNew Status = iota
	StatusInProgress
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusInProgress:
		return "in_progress"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus accepts the names produced by String.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new":
		return StatusNew, nil
	case "in_progress", "in progress":
		return StatusInProgress, nil
	case "closed":
		return StatusClosed, nil
	}
	return 0, fmt.Errorf("unknown ticket status %q", s)
}

// Open reports whether calls may still be attached to the ticket.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusInProgress
}

// Ticket is a backend work item tracking one caller's calls.
type Ticket struct {
	ID    string
	Title string
	// CallIDs is the tracking list, each entry followed by ", ".
	CallIDs  string
	Status   Status
	Assignee string
	// AssigneeName is the human-readable agent name behind Assignee.
	AssigneeName string
	Description  string
	CallerNumber string
	DialedNumber string
	// CallStart and CallEnd use the call history timestamp layout.
	CallStart string
	CallEnd   string
	Location  string
	CreatedAt time.Time
	// Version is the optimistic concurrency token of the last read.
	Version int64
}

// Clone returns an independent copy.
func (t *Ticket) Clone() *Ticket {
	c := *t
	return &c
}

// Close reasons understood by every backend.
const (
	ReasonClosed   = "closed"
	ReasonResolved = "resolved"
	ReasonTested   = "tested"
	ReasonRejected = "rejected"
)

var (
	ErrNotFound      = errors.New("ticket not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrConflict      = errors.New("ticket was modified concurrently")
)

// BackendError wraps a transport, timeout or protocol failure of a backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("ticket backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendError reports whether err came from a failing backend rather
// than from a missing ticket or agent.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// Title picks a ticket title for a caller: "company - name" when the
// address book knows them, else the number.
func Title(displayName, number string) string {
	if displayName != "" {
		return displayName
	}
	if number != "" {
		return number
	}
	return "Incoming call"
}
