package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sweeney/asterisk-tickets/internal/history"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

// ErrEmptyComment is returned by Comment for blank text.
var ErrEmptyComment = errors.New("comment is empty")

// Comment appends a free-text line to a ticket's description.
func (c *Controller) Comment(ctx context.Context, ticketID, text string) (*ticket.Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyComment
	}

	load := func(ctx context.Context) (*ticket.Ticket, error) {
		return c.tickets.TicketByID(ctx, ticketID)
	}
	mutate := func(t *ticket.Ticket) error {
		t.Description = history.Append(t.Description, text)
		return nil
	}

	t, err := ticket.Update(ctx, c.tickets, c.attempts, load, mutate)
	if err != nil {
		return nil, fmt.Errorf("commenting on ticket %s: %w", ticketID, err)
	}
	c.logger.Info("comment added", "ticket_id", t.ID)
	return t, nil
}

// Close closes a ticket. An empty reason means ticket.ReasonClosed.
func (c *Controller) Close(ctx context.Context, ticketID, reason string) (*ticket.Ticket, error) {
	if reason == "" {
		reason = ticket.ReasonClosed
	}

	load := func(ctx context.Context) (*ticket.Ticket, error) {
		return c.tickets.TicketByID(ctx, ticketID)
	}
	apply := func(ctx context.Context, t *ticket.Ticket) error {
		if t.Status == ticket.StatusClosed {
			return nil
		}
		return c.tickets.CloseTicket(ctx, t, reason)
	}

	t, err := ticket.Retry(ctx, c.attempts, load, apply)
	if err != nil {
		return nil, fmt.Errorf("closing ticket %s: %w", ticketID, err)
	}
	c.logger.Info("ticket closed", "ticket_id", t.ID, "reason", reason)
	return t, nil
}

// ErrEmptyLocation is returned by Move without a target location.
var ErrEmptyLocation = errors.New("location is empty")

// Move puts a ticket into another location, e.g. once an unknown caller
// turned out to be a customer.
func (c *Controller) Move(ctx context.Context, ticketID, location string) (*ticket.Ticket, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrEmptyLocation
	}

	load := func(ctx context.Context) (*ticket.Ticket, error) {
		return c.tickets.TicketByID(ctx, ticketID)
	}
	mutate := func(t *ticket.Ticket) error {
		t.Location = location
		return nil
	}

	t, err := ticket.Update(ctx, c.tickets, c.attempts, load, mutate)
	if err != nil {
		return nil, fmt.Errorf("moving ticket %s: %w", ticketID, err)
	}
	c.logger.Info("ticket moved", "ticket_id", t.ID, "location", location)
	return t, nil
}

// ActiveCall is the call an agent is currently on.
type ActiveCall struct {
	TicketID     string
	CallID       string
	Title        string
	CallerNumber string
	DialedNumber string
	Location     string
}

// Dashboard is what an agent's screen shows: the open tickets they work
// on or nobody picked up yet, and the call they are on right now.
type Dashboard struct {
	Agent   string
	Tickets []*ticket.Ticket
	Active  *ActiveCall
}

// Dashboard collects the open tickets relevant to agent. New tickets come
// first, then the rest newest first.
func (c *Controller) Dashboard(ctx context.Context, agent string) (Dashboard, error) {
	agent = strings.TrimSpace(agent)
	d := Dashboard{Agent: agent, Tickets: []*ticket.Ticket{}}

	open, err := c.tickets.OpenTickets(ctx)
	if err != nil {
		return d, fmt.Errorf("listing open tickets: %w", err)
	}

	for _, t := range open {
		if t.Status != ticket.StatusNew && !strings.EqualFold(t.AssigneeName, agent) {
			continue
		}
		d.Tickets = append(d.Tickets, t)

		if d.Active != nil || t.Status != ticket.StatusInProgress || t.CallIDs == "" {
			continue
		}
		if callID, ok := history.RunningCall(t.Description, agent); ok {
			d.Active = &ActiveCall{
				TicketID:     t.ID,
				CallID:       callID,
				Title:        t.Title,
				CallerNumber: t.CallerNumber,
				DialedNumber: t.DialedNumber,
				Location:     t.Location,
			}
		}
	}

	sort.SliceStable(d.Tickets, func(i, j int) bool {
		a, b := d.Tickets[i], d.Tickets[j]
		if (a.Status == ticket.StatusNew) != (b.Status == ticket.StatusNew) {
			return a.Status == ticket.StatusNew
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return d, nil
}

// FindByNumber returns the ticket for a caller's phone number.
func (c *Controller) FindByNumber(ctx context.Context, number string) (*ticket.Ticket, error) {
	return c.tickets.TicketByPhoneNumber(ctx, strings.TrimSpace(number))
}
