// Package tickettest provides an in-memory ticket.Backend for tests.
package tickettest

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

var epoch = time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)

// Backend stores tickets in a map and enforces versions like a real
// backend would.
type Backend struct {
	ticket.CallIDList

	UnknownLocation string

	mu        sync.Mutex
	tickets   map[string]*ticket.Ticket
	agents    map[string]string
	nextID    int
	conflicts int
	err       error
	saves     int
	closed    map[string]string
}

// New returns an empty backend with unknown callers going to location "unknown".
func New() *Backend {
	return &Backend{
		UnknownLocation: "unknown",
		tickets:         make(map[string]*ticket.Ticket),
		agents:          make(map[string]string),
		closed:          make(map[string]string),
	}
}

// AddAgent registers an agent name and its assignee handle.
func (b *Backend) AddAgent(name, handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[strings.ToLower(name)] = handle
}

// Put stores t as-is, assigning an ID and version when missing, and
// returns the stored copy.
func (b *Backend) Put(t ticket.Ticket) ticket.Ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insert(&t)
	return t
}

// Get returns a copy of a stored ticket.
func (b *Backend) Get(id string) (ticket.Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[id]
	if !ok {
		return ticket.Ticket{}, false
	}
	return *t, true
}

// Len returns the number of stored tickets.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tickets)
}

// Saves counts successful SaveTicket calls.
func (b *Backend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// ClosedWith returns the reason a ticket was closed with.
func (b *Backend) ClosedWith(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.closed[id]
	return r, ok
}

// ConflictNext makes the next n updates fail with ticket.ErrConflict, as
// if someone else had saved in between.
func (b *Backend) ConflictNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conflicts = n
}

// FailWith makes every call fail with a *ticket.BackendError wrapping err.
// Pass nil to clear.
func (b *Backend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *Backend) fail(op string) error {
	if b.err != nil {
		return &ticket.BackendError{Op: op, Err: b.err}
	}
	return nil
}

func (b *Backend) insert(t *ticket.Ticket) {
	if t.ID == "" {
		b.nextID++
		t.ID = strconv.Itoa(b.nextID)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = epoch.Add(time.Duration(len(b.tickets)) * time.Minute)
	}
	stored := *t
	b.tickets[t.ID] = &stored
}

func (b *Backend) CreateTicket(_ context.Context, info address.Info, evt callevent.Event) (*ticket.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("create"); err != nil {
		return nil, err
	}

	location := b.UnknownLocation
	if info.Known() {
		location = info.RoutingDestinations[0]
	}
	return &ticket.Ticket{
		Title:        ticket.Title(info.DisplayName(), evt.CallerNumber),
		CallIDs:      b.FormatCallID(evt.CallID),
		Status:       ticket.StatusNew,
		CallerNumber: evt.CallerNumber,
		DialedNumber: evt.DialedNumber,
		Location:     location,
	}, nil
}

func (b *Backend) SaveTicket(_ context.Context, t *ticket.Ticket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("save"); err != nil {
		return err
	}

	if t.ID == "" {
		t.Version = 0
		b.insert(t)
		b.saves++
		return nil
	}

	cur, ok := b.tickets[t.ID]
	if !ok {
		return ticket.ErrNotFound
	}
	if b.conflicts > 0 {
		b.conflicts--
		cur.Version++
		return ticket.ErrConflict
	}
	if cur.Version != t.Version {
		return ticket.ErrConflict
	}

	t.Version++
	t.CreatedAt = cur.CreatedAt
	stored := *t
	b.tickets[t.ID] = &stored
	b.saves++
	return nil
}

func (b *Backend) CloseTicket(_ context.Context, t *ticket.Ticket, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("close"); err != nil {
		return err
	}
	cur, ok := b.tickets[t.ID]
	if !ok {
		return ticket.ErrNotFound
	}
	if b.conflicts > 0 {
		b.conflicts--
		cur.Version++
		return ticket.ErrConflict
	}
	if cur.Version != t.Version {
		return ticket.ErrConflict
	}
	cur.Status = ticket.StatusClosed
	cur.Version++
	b.closed[t.ID] = reason
	*t = *cur
	return nil
}

func (b *Backend) find(op string, match func(*ticket.Ticket) bool) (*ticket.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail(op); err != nil {
		return nil, err
	}

	var found []*ticket.Ticket
	for _, t := range b.tickets {
		if match(t) {
			found = append(found, t)
		}
	}
	best := ticket.Preferred(found)
	if best == nil {
		return nil, ticket.ErrNotFound
	}
	return best.Clone(), nil
}

func (b *Backend) TicketByCallID(_ context.Context, callID string) (*ticket.Ticket, error) {
	return b.find("ticket by call id", func(t *ticket.Ticket) bool {
		return ticket.HasCallID(t.CallIDs, callID)
	})
}

func (b *Backend) TicketByCallIDContains(_ context.Context, callID string) (*ticket.Ticket, error) {
	return b.find("ticket by call id", func(t *ticket.Ticket) bool {
		return strings.Contains(t.CallIDs, callID)
	})
}

func (b *Backend) TicketByID(_ context.Context, id string) (*ticket.Ticket, error) {
	return b.find("ticket by id", func(t *ticket.Ticket) bool { return t.ID == id })
}

func (b *Backend) TicketByPhoneNumber(_ context.Context, number string) (*ticket.Ticket, error) {
	return b.find("ticket by number", func(t *ticket.Ticket) bool { return t.CallerNumber == number })
}

func (b *Backend) LatestInLocation(_ context.Context, location string) (*ticket.Ticket, error) {
	return b.find("latest in location", func(t *ticket.Ticket) bool {
		return t.Location == location && t.Status.Open()
	})
}

func (b *Backend) LatestInLocationByName(_ context.Context, location, name string) (*ticket.Ticket, error) {
	return b.find("latest in location", func(t *ticket.Ticket) bool {
		return t.Location == location && t.Status.Open() && name != "" && strings.Contains(t.Title, name)
	})
}

func (b *Backend) OpenTickets(_ context.Context) ([]*ticket.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("open tickets"); err != nil {
		return nil, err
	}

	var open []*ticket.Ticket
	for _, t := range b.tickets {
		if t.Status.Open() {
			open = append(open, t.Clone())
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })
	return open, nil
}

func (b *Backend) ResolveAgent(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("resolve agent"); err != nil {
		return "", err
	}
	h, ok := b.agents[strings.ToLower(name)]
	if !ok {
		return "", ticket.ErrAgentNotFound
	}
	return h, nil
}

func (b *Backend) AgentExists(ctx context.Context, name string) (bool, error) {
	_, err := b.ResolveAgent(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case err == ticket.ErrAgentNotFound:
		return false, nil
	}
	return false, err
}
