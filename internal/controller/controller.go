package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/history"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

// Result tells callers whether an event changed anything.
type Result int

const (
	Handled Result = iota
	Skipped
)

func (r Result) String() string {
	if r == Skipped {
		return "skipped"
	}
	return "handled"
}

// Outcome is the structured result of handling one event.
type Outcome struct {
	Result   Result
	Kind     callevent.Kind
	CallID   string
	TicketID string
	// Created is set when a ring opened a new ticket.
	Created bool
	// Reason explains a Skipped result.
	Reason string
}

var (
	// ErrTicketNotFound means a follow-up event has no ticket to attach to.
	ErrTicketNotFound = errors.New("no ticket for call")
	// ErrTicketCreation means a ring could neither find nor create a ticket.
	ErrTicketCreation = errors.New("ticket creation failed")
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Controller applies call events to tickets.
type Controller struct {
	tickets         ticket.Backend
	addresses       address.Lookup
	clock           Clock
	loc             *time.Location
	defaultMinutes  int
	unknownLocation string
	defaultAssignee string
	attempts        int
	logger          *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLocation sets the time zone history timestamps are written in.
func WithLocation(loc *time.Location) Option {
	return func(ctl *Controller) { ctl.loc = loc }
}

// WithDefaultDuration sets the minutes recorded when a call's duration
// cannot be computed.
func WithDefaultDuration(minutes int) Option {
	return func(ctl *Controller) { ctl.defaultMinutes = minutes }
}

// WithUnknownLocation sets where callers without routing destinations are
// searched for.
func WithUnknownLocation(location string) Option {
	return func(ctl *Controller) { ctl.unknownLocation = location }
}

// WithDefaultAssignee sets the agent new tickets are assigned to when the
// ringing call names nobody.
func WithDefaultAssignee(agent string) Option {
	return func(ctl *Controller) { ctl.defaultAssignee = agent }
}

// WithSaveAttempts bounds how often a save losing a version race is retried.
func WithSaveAttempts(n int) Option {
	return func(ctl *Controller) { ctl.attempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// New creates a Controller.
func New(tickets ticket.Backend, addresses address.Lookup, opts ...Option) *Controller {
	c := &Controller{
		tickets:        tickets,
		addresses:      addresses,
		clock:          time.Now,
		loc:            time.Local,
		defaultMinutes: 15,
		attempts:       3,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.addresses == nil {
		c.addresses = address.Nop
	}
	return c
}

// Handle processes one event to completion. Critical failures are
// returned as errors wrapping ErrTicketNotFound or ErrTicketCreation;
// events that are expected to be ignored come back as Skipped.
func (c *Controller) Handle(ctx context.Context, evt callevent.Event) (Outcome, error) {
	log := c.logger.With("event", evt.Kind.Slug(), "call_id", evt.CallID)

	var (
		out Outcome
		err error
	)
	switch {
	case evt.Kind.IsRing():
		out, err = c.ring(ctx, evt, log)
	case evt.Kind == callevent.Accepted:
		out, err = c.accepted(ctx, evt, log)
	case evt.Kind == callevent.Transfer:
		out, err = c.transfer(ctx, evt, log)
	case evt.Kind == callevent.Hangup:
		out, err = c.hangup(ctx, evt, log)
	default:
		return Outcome{Kind: evt.Kind, CallID: evt.CallID}, fmt.Errorf("%w: %v", callevent.ErrUnknownKind, evt.Kind)
	}

	switch {
	case err != nil:
		log.Error("call event failed", "error", err)
	case out.Result == Skipped:
		log.Warn("call event skipped", "reason", out.Reason)
	default:
		log.Info("call event handled", "ticket_id", out.TicketID, "created", out.Created)
	}
	return out, err
}

func newOutcome(evt callevent.Event) Outcome {
	return Outcome{Result: Handled, Kind: evt.Kind, CallID: evt.CallID}
}

func skip(out Outcome, reason string) Outcome {
	out.Result = Skipped
	out.Reason = reason
	return out
}

func (c *Controller) now() time.Time {
	return c.clock()
}

func (c *Controller) timestamp(t time.Time) string {
	return history.Timestamp(t, c.loc)
}

// knownAgent reports whether agent exists in the ticket backend.
func (c *Controller) knownAgent(ctx context.Context, agent string) (bool, error) {
	ok, err := c.tickets.AgentExists(ctx, agent)
	if err != nil {
		return false, fmt.Errorf("checking agent %q: %w", agent, err)
	}
	return ok, nil
}

// assign resolves agent and sets it as the ticket assignee.
func (c *Controller) assign(ctx context.Context, t *ticket.Ticket, agent string) error {
	handle, err := c.tickets.ResolveAgent(ctx, agent)
	if err != nil {
		return err
	}
	t.Assignee = handle
	t.AssigneeName = agent
	return nil
}

func (c *Controller) ring(ctx context.Context, evt callevent.Event, log *slog.Logger) (Outcome, error) {
	out := newOutcome(evt)

	if evt.Agent != "" {
		ok, err := c.knownAgent(ctx, evt.Agent)
		if err != nil {
			return out, err
		}
		if !ok {
			return skip(out, fmt.Sprintf("unknown agent %q", evt.Agent)), nil
		}
	}

	info, err := c.addresses.Lookup(ctx, evt.CallerNumber)
	if err != nil {
		log.Warn("address lookup failed, treating caller as unknown", "error", err)
		info = address.Info{}
	}

	load := func(ctx context.Context) (*ticket.Ticket, error) {
		t, err := c.findOpenTicket(ctx, info, evt)
		switch {
		case err == nil:
			out.Created = false
			return t, nil
		case !errors.Is(err, ticket.ErrNotFound):
			return nil, err
		}

		t, err = c.tickets.CreateTicket(ctx, info, evt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTicketCreation, err)
		}
		if t == nil {
			return nil, ErrTicketCreation
		}
		t.Title = ticket.Title(info.DisplayName(), evt.CallerNumber)
		out.Created = true
		return t, nil
	}

	mutate := func(t *ticket.Ticket) error {
		if !out.Created {
			t.CallIDs = c.tickets.AddCallID(t.CallIDs, evt.CallID)
		}
		switch {
		case evt.Agent != "":
			return c.assign(ctx, t, evt.Agent)
		case out.Created && c.defaultAssignee != "" && t.Assignee == "":
			err := c.assign(ctx, t, c.defaultAssignee)
			if errors.Is(err, ticket.ErrAgentNotFound) {
				log.Warn("default assignee not found, ticket left unassigned", "agent", c.defaultAssignee)
				return nil
			}
			return err
		}
		return nil
	}

	t, err := ticket.Update(ctx, c.tickets, c.attempts, load, mutate)
	if errors.Is(err, ticket.ErrAgentNotFound) {
		return skip(out, fmt.Sprintf("unknown agent %q", evt.Agent)), nil
	}
	if err != nil {
		return out, err
	}
	out.TicketID = t.ID
	return out, nil
}

// findOpenTicket looks for an open ticket the ringing call belongs to.
func (c *Controller) findOpenTicket(ctx context.Context, info address.Info, evt callevent.Event) (*ticket.Ticket, error) {
	if info.Known() {
		for _, location := range info.RoutingDestinations {
			t, err := c.tickets.LatestInLocation(ctx, location)
			if err == nil {
				return t, nil
			}
			if !errors.Is(err, ticket.ErrNotFound) {
				return nil, err
			}
		}
		return nil, ticket.ErrNotFound
	}

	for _, name := range []string{info.Name, evt.CallerNumber} {
		if name == "" {
			continue
		}
		t, err := c.tickets.LatestInLocationByName(ctx, c.unknownLocation, name)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ticket.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ticket.ErrNotFound
}

// existing wraps a lookup so that a missing ticket becomes critical.
func existing(lookup func(context.Context, string) (*ticket.Ticket, error), callID string) ticket.LoadFunc {
	return func(ctx context.Context) (*ticket.Ticket, error) {
		t, err := lookup(ctx, callID)
		if errors.Is(err, ticket.ErrNotFound) {
			return nil, fmt.Errorf("%w %s", ErrTicketNotFound, callID)
		}
		return t, err
	}
}

func (c *Controller) accepted(ctx context.Context, evt callevent.Event, log *slog.Logger) (Outcome, error) {
	out := newOutcome(evt)

	if evt.Agent != "" {
		ok, err := c.knownAgent(ctx, evt.Agent)
		if err != nil {
			return out, err
		}
		if !ok {
			return skip(out, fmt.Sprintf("unknown agent %q", evt.Agent)), nil
		}
	}

	start := c.timestamp(c.now())

	mutate := func(t *ticket.Ticket) error {
		agent := evt.Agent
		if agent == "" {
			agent = t.AssigneeName
		} else if err := c.assign(ctx, t, agent); err != nil {
			return err
		}

		if t.Status != ticket.StatusClosed {
			t.Status = ticket.StatusInProgress
		}
		if t.CallStart == "" {
			t.CallStart = start
		}

		switch {
		case agent == "":
			log.Warn("accepted call without agent, no history line written")
		case history.IsRecorded(t.Description, agent, evt.CallID):
			log.Debug("history line already recorded", "agent", agent)
		case hasOpenLine(t.Description, evt.CallID):
			log.Warn("call already has an open history line", "agent", agent)
		default:
			t.Description = history.Append(t.Description, history.OpenLine(agent, start, evt.CallID))
		}
		return nil
	}

	t, err := ticket.Update(ctx, c.tickets, c.attempts, existing(c.tickets.TicketByCallID, evt.CallID), mutate)
	if errors.Is(err, ticket.ErrAgentNotFound) {
		return skip(out, fmt.Sprintf("unknown agent %q", evt.Agent)), nil
	}
	if err != nil {
		return out, err
	}
	out.TicketID = t.ID
	return out, nil
}

func hasOpenLine(description, callID string) bool {
	_, ok := history.FindOpenLine(description, callID)
	return ok
}

func (c *Controller) transfer(ctx context.Context, evt callevent.Event, log *slog.Logger) (Outcome, error) {
	out := newOutcome(evt)

	if evt.Agent == "" {
		return skip(out, "transfer without target agent"), nil
	}
	ok, err := c.knownAgent(ctx, evt.Agent)
	if err != nil {
		return out, err
	}
	if !ok {
		return skip(out, fmt.Sprintf("unknown agent %q", evt.Agent)), nil
	}

	mutate := func(t *ticket.Ticket) error {
		if t.Status != ticket.StatusClosed {
			t.Status = ticket.StatusInProgress
		}
		if err := c.assign(ctx, t, evt.Agent); err != nil {
			return err
		}

		desc, err := history.ReplaceAgent(t.Description, evt.CallID, evt.Agent)
		if err != nil {
			log.Warn("no history line to move to new agent", "agent", evt.Agent, "error", err)
			return nil
		}
		t.Description = desc
		return nil
	}

	t, err := ticket.Update(ctx, c.tickets, c.attempts, existing(c.tickets.TicketByCallIDContains, evt.CallID), mutate)
	if errors.Is(err, ticket.ErrAgentNotFound) {
		return skip(out, fmt.Sprintf("unknown agent %q", evt.Agent)), nil
	}
	if err != nil {
		return out, err
	}
	out.TicketID = t.ID
	return out, nil
}

func (c *Controller) hangup(ctx context.Context, evt callevent.Event, log *slog.Logger) (Outcome, error) {
	out := newOutcome(evt)
	end := c.timestamp(c.now())

	mutate := func(t *ticket.Ticket) error {
		t.CallEnd = end

		closed, err := history.CloseCall(t.Description, evt.CallID, end, c.loc, c.defaultMinutes)
		switch {
		case err != nil:
			log.Warn("hangup without open history line", "error", err)
		case closed.Estimated:
			log.Warn("call duration unknown, recorded default", "agent", closed.Agent, "start", closed.Start, "minutes", closed.Minutes)
			t.Description = closed.Description
		default:
			t.Description = closed.Description
		}

		t.CallIDs = c.tickets.RemoveCallID(t.CallIDs, evt.CallID)
		return nil
	}

	t, err := ticket.Update(ctx, c.tickets, c.attempts, existing(c.tickets.TicketByCallIDContains, evt.CallID), mutate)
	if err != nil {
		return out, err
	}
	out.TicketID = t.ID
	return out, nil
}
