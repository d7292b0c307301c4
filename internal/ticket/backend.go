package ticket

import (
	"context"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
)

// Backend is a ticket system. Lookups return ErrNotFound when nothing
// matches and never a nil ticket with a nil error. Transport problems are
// reported as *BackendError.
type Backend interface {
	// CreateTicket builds an unsaved ticket in status New for the call,
	// placed in the first routing destination of info or in the unknown
	// caller location.
	CreateTicket(ctx context.Context, info address.Info, evt callevent.Event) (*Ticket, error)
	// SaveTicket creates the ticket when it has no ID and updates it
	// otherwise. An update based on a stale Version fails with ErrConflict.
	// On success ID, Version and CreatedAt reflect the stored ticket.
	SaveTicket(ctx context.Context, t *Ticket) error
	// CloseTicket moves the ticket to its closed state, walking any
	// intermediate workflow steps the backend requires.
	CloseTicket(ctx context.Context, t *Ticket, reason string) error

	TicketByCallID(ctx context.Context, callID string) (*Ticket, error)
	TicketByCallIDContains(ctx context.Context, callID string) (*Ticket, error)
	TicketByID(ctx context.Context, id string) (*Ticket, error)
	TicketByPhoneNumber(ctx context.Context, number string) (*Ticket, error)
	// LatestInLocation returns the newest New or InProgress ticket.
	LatestInLocation(ctx context.Context, location string) (*Ticket, error)
	// LatestInLocationByName is LatestInLocation restricted to tickets whose
	// title contains name.
	LatestInLocationByName(ctx context.Context, location, name string) (*Ticket, error)
	// OpenTickets lists New and InProgress tickets, newest first.
	OpenTickets(ctx context.Context) ([]*Ticket, error)

	// ResolveAgent maps an agent name to the backend's assignee handle.
	// Unknown agents yield ErrAgentNotFound.
	ResolveAgent(ctx context.Context, name string) (string, error)
	AgentExists(ctx context.Context, name string) (bool, error)

	FormatCallID(id string) string
	AddCallID(existing, id string) string
	RemoveCallID(existing, id string) string
}
