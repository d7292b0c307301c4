package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
	"github.com/sweeney/asterisk-tickets/internal/ticket/tickettest"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type harness struct {
	ctl     *Controller
	backend *tickettest.Backend
	clock   *fakeClock
	book    map[string]address.Info
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: tickettest.New(),
		clock:   &fakeClock{now: time.Date(2030, 3, 30, 10, 0, 0, 0, time.UTC)},
		book:    make(map[string]address.Info),
	}
	h.backend.AddAgent("ana", "/users/1")
	h.backend.AddAgent("ben", "/users/2")

	lookup := address.LookupFunc(func(_ context.Context, number string) (address.Info, error) {
		return h.book[number], nil
	})
	h.ctl = New(h.backend, lookup,
		WithClock(h.clock.Now),
		WithLocation(time.UTC),
		WithUnknownLocation("unknown"),
		WithDefaultDuration(15),
	)
	return h
}

func (h *harness) handle(t *testing.T, evt callevent.Event) Outcome {
	t.Helper()
	out, err := h.ctl.Handle(context.Background(), evt)
	require.NoError(t, err)
	return out
}

func (h *harness) ticket(t *testing.T, id string) ticket.Ticket {
	t.Helper()
	tk, ok := h.backend.Get(id)
	require.True(t, ok, "ticket %s not stored", id)
	return tk
}

func ring(callID, number string) callevent.Event {
	return callevent.Event{Kind: callevent.RingIncoming, CallID: callID, CallerNumber: number}
}

func accepted(callID, agent string) callevent.Event {
	return callevent.Event{Kind: callevent.Accepted, CallID: callID, Agent: agent}
}

func hangup(callID string) callevent.Event {
	return callevent.Event{Kind: callevent.Hangup, CallID: callID}
}

func TestRingNewUnknownCaller(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, ring("c1", "+4930123456"))
	assert.Equal(t, Handled, out.Result)
	assert.True(t, out.Created)

	tk := h.ticket(t, out.TicketID)
	assert.Equal(t, "unknown", tk.Location)
	assert.Equal(t, "+4930123456", tk.Title)
	assert.Equal(t, ticket.StatusNew, tk.Status)
	assert.Equal(t, "c1, ", tk.CallIDs)
}

func TestRingKnownCallerCreatesInFirstDestination(t *testing.T) {
	h := newHarness(t)
	h.book["+4940"] = address.Info{Name: "Jane Doe", CompanyName: "ACME", RoutingDestinations: []string{"7", "9"}}

	out := h.handle(t, ring("c1", "+4940"))
	tk := h.ticket(t, out.TicketID)
	assert.Equal(t, "7", tk.Location)
	assert.Equal(t, "ACME - Jane Doe", tk.Title)
}

func TestRingAttachesToOpenTicketInDestination(t *testing.T) {
	h := newHarness(t)
	h.book["+4940"] = address.Info{CompanyName: "ACME", RoutingDestinations: []string{"7", "9"}}
	open := h.backend.Put(ticket.Ticket{Title: "ACME", Location: "9", CallIDs: "old, "})

	out := h.handle(t, ring("c2", "+4940"))
	assert.False(t, out.Created)
	assert.Equal(t, open.ID, out.TicketID)
	assert.Equal(t, "old, c2, ", h.ticket(t, open.ID).CallIDs)
	assert.Equal(t, 1, h.backend.Len())
}

func TestRingUnknownCallerFoundByNumber(t *testing.T) {
	h := newHarness(t)
	prior := h.backend.Put(ticket.Ticket{Title: "+4930123456", Location: "unknown", Status: ticket.StatusInProgress})
	h.backend.Put(ticket.Ticket{Title: "+4930123456", Location: "unknown", Status: ticket.StatusClosed})

	out := h.handle(t, ring("c9", "+4930123456"))
	assert.Equal(t, prior.ID, out.TicketID)
	assert.Equal(t, "c9, ", h.ticket(t, prior.ID).CallIDs)
}

func TestRingWithAgentAssigns(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, callevent.Event{Kind: callevent.RingOutgoing, CallID: "c1", CallerNumber: "0301234", Agent: "ana"})
	tk := h.ticket(t, out.TicketID)
	assert.Equal(t, "/users/1", tk.Assignee)
	assert.Equal(t, "ana", tk.AssigneeName)
}

func TestRingUnknownAgentSkips(t *testing.T) {
	h := newHarness(t)

	out := h.handle(t, callevent.Event{Kind: callevent.RingIncoming, CallID: "c1", CallerNumber: "1", Agent: "zoe"})
	assert.Equal(t, Skipped, out.Result)
	assert.Contains(t, out.Reason, "zoe")
	assert.Equal(t, 0, h.backend.Len())
}

func TestRingAddressLookupFailureTreatsCallerAsUnknown(t *testing.T) {
	h := newHarness(t)
	h.ctl.addresses = address.LookupFunc(func(context.Context, string) (address.Info, error) {
		return address.Info{}, errors.New("carddav down")
	})

	out := h.handle(t, ring("c1", "+491"))
	assert.Equal(t, "unknown", h.ticket(t, out.TicketID).Location)
}

type failingCreate struct {
	*tickettest.Backend
}

func (failingCreate) CreateTicket(context.Context, address.Info, callevent.Event) (*ticket.Ticket, error) {
	return nil, &ticket.BackendError{Op: "create", Err: errors.New("500")}
}

func TestRingCreationFailureIsCritical(t *testing.T) {
	h := newHarness(t)
	ctl := New(failingCreate{h.backend}, nil)

	_, err := ctl.Handle(context.Background(), ring("c1", "1"))
	assert.ErrorIs(t, err, ErrTicketCreation)
	assert.True(t, ticket.IsBackendError(err))
}

func TestAcceptThenHangup(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{Title: "x", CallIDs: "c1, "})

	out := h.handle(t, accepted("c1", "ana"))
	assert.Equal(t, tk.ID, out.TicketID)

	got := h.ticket(t, tk.ID)
	assert.Equal(t, "ana: Call start: 2030-03-30 10:00:00 (c1)", got.Description)
	assert.Equal(t, ticket.StatusInProgress, got.Status)
	assert.Equal(t, "2030-03-30 10:00:00", got.CallStart)
	assert.Equal(t, "/users/1", got.Assignee)

	h.clock.Advance(15 * time.Minute)
	h.handle(t, hangup("c1"))

	got = h.ticket(t, tk.ID)
	assert.Equal(t, `ana: Call start: 2030-03-30 10:00:00 Call End: 2030-03-30 10:15:00 "Duration: 15min"`, got.Description)
	assert.Equal(t, "", got.CallIDs)
	assert.Equal(t, "2030-03-30 10:15:00", got.CallEnd)
	assert.Equal(t, ticket.StatusInProgress, got.Status)
}

func TestAcceptedTwiceWritesOneLine(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, "})

	h.handle(t, accepted("c1", "ana"))
	h.clock.Advance(time.Minute)
	h.handle(t, accepted("c1", "ana"))

	got := h.ticket(t, tk.ID)
	assert.Equal(t, "ana: Call start: 2030-03-30 10:00:00 (c1)", got.Description)
	assert.Equal(t, "2030-03-30 10:00:00", got.CallStart)
}

func TestAcceptedWithoutAgentUsesAssignee(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, ", Assignee: "/users/2", AssigneeName: "ben"})

	h.handle(t, accepted("c1", ""))
	assert.Equal(t, "ben: Call start: 2030-03-30 10:00:00 (c1)", h.ticket(t, tk.ID).Description)
}

func TestAcceptedKeepsClosedStatus(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, ", Status: ticket.StatusClosed})

	h.handle(t, accepted("c1", "ana"))
	assert.Equal(t, ticket.StatusClosed, h.ticket(t, tk.ID).Status)
}

func TestAcceptedUnknownAgentSkips(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, "})

	out := h.handle(t, accepted("c1", "zoe"))
	assert.Equal(t, Skipped, out.Result)
	assert.Equal(t, "", h.ticket(t, tk.ID).Description)
	assert.Equal(t, 0, h.backend.Saves())
}

func TestAcceptedWithoutTicketIsCritical(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctl.Handle(context.Background(), accepted("missing", "ana"))
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.False(t, ticket.IsBackendError(err))
	assert.Equal(t, 0, h.backend.Len())
}

func TestAcceptedRetriesOnConflict(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, "})
	h.backend.ConflictNext(1)

	h.handle(t, accepted("c1", "ana"))
	assert.Equal(t, "ana: Call start: 2030-03-30 10:00:00 (c1)", h.ticket(t, tk.ID).Description)
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, "})
	h.handle(t, accepted("c1", "ana"))

	h.clock.Advance(5 * time.Minute)
	h.handle(t, callevent.Event{Kind: callevent.Transfer, CallID: "c1", Agent: "ben"})

	got := h.ticket(t, tk.ID)
	assert.Equal(t, "/users/2", got.Assignee)
	assert.Equal(t, "ben", got.AssigneeName)
	assert.Equal(t, "ben: Call start: 2030-03-30 10:00:00 (c1)", got.Description)
	assert.Equal(t, "c1, ", got.CallIDs)
}

func TestTransferWithoutOpenLineStillAssigns(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, ", Description: "note"})

	h.handle(t, callevent.Event{Kind: callevent.Transfer, CallID: "c1", Agent: "ben"})
	got := h.ticket(t, tk.ID)
	assert.Equal(t, "/users/2", got.Assignee)
	assert.Equal(t, "note", got.Description)
	assert.Equal(t, ticket.StatusInProgress, got.Status)
}

func TestTransferSkips(t *testing.T) {
	h := newHarness(t)
	h.backend.Put(ticket.Ticket{CallIDs: "c1, "})

	out := h.handle(t, callevent.Event{Kind: callevent.Transfer, CallID: "c1"})
	assert.Equal(t, Skipped, out.Result)

	out = h.handle(t, callevent.Event{Kind: callevent.Transfer, CallID: "c1", Agent: "zoe"})
	assert.Equal(t, Skipped, out.Result)
	assert.Equal(t, 0, h.backend.Saves())
}

func TestTransferWithoutTicketIsCritical(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctl.Handle(context.Background(), callevent.Event{Kind: callevent.Transfer, CallID: "c1", Agent: "ben"})
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestHangupWithoutTicketIsCritical(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctl.Handle(context.Background(), hangup("c1"))
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestHangupWithoutOpenLine(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, c2, ", Description: "note"})

	h.handle(t, hangup("c1"))
	got := h.ticket(t, tk.ID)
	assert.Equal(t, "c2, ", got.CallIDs)
	assert.Equal(t, "note", got.Description)
	assert.Equal(t, "2030-03-30 10:00:00", got.CallEnd)
}

func TestHangupWithUnparsableStartUsesDefault(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallIDs: "c1, ", Description: "ana: Call start: sometime (c1)"})

	h.handle(t, hangup("c1"))
	assert.Equal(t, `ana: Call start: sometime Call End: 2030-03-30 10:00:00 "Duration: 15min"`, h.ticket(t, tk.ID).Description)
}

func TestTwoCallsOnOneTicketStayIndependent(t *testing.T) {
	h := newHarness(t)
	h.book["+4940"] = address.Info{CompanyName: "ACME", RoutingDestinations: []string{"7"}}

	first := h.handle(t, ring("c1", "+4940"))
	second := h.handle(t, ring("c2", "+4940"))
	require.Equal(t, first.TicketID, second.TicketID)

	h.handle(t, accepted("c1", "ana"))
	h.clock.Advance(2 * time.Minute)
	h.handle(t, accepted("c2", "ben"))

	h.clock.Advance(10 * time.Minute)
	h.handle(t, hangup("c1"))

	got := h.ticket(t, first.TicketID)
	assert.Equal(t, "c2, ", got.CallIDs)
	assert.Equal(t,
		"ana: Call start: 2030-03-30 10:00:00 Call End: 2030-03-30 10:12:00 \"Duration: 12min\"\n"+
			"ben: Call start: 2030-03-30 10:02:00 (c2)",
		got.Description)
}

func TestBackendFailureIsNotCritical(t *testing.T) {
	h := newHarness(t)
	h.backend.Put(ticket.Ticket{CallIDs: "c1, "})
	h.backend.FailWith(errors.New("connection refused"))

	_, err := h.ctl.Handle(context.Background(), hangup("c1"))
	require.Error(t, err)
	assert.True(t, ticket.IsBackendError(err))
	assert.False(t, errors.Is(err, ErrTicketNotFound))
}

func TestHandleUnknownKind(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Handle(context.Background(), callevent.Event{CallID: "c1"})
	assert.ErrorIs(t, err, callevent.ErrUnknownKind)
}

func TestComment(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{Description: "ana: Call start: 2030-03-30 10:00:00 (c1)"})

	_, err := h.ctl.Comment(context.Background(), tk.ID, "  wants a quote  ")
	require.NoError(t, err)
	assert.Equal(t, "ana: Call start: 2030-03-30 10:00:00 (c1)\nwants a quote", h.ticket(t, tk.ID).Description)

	_, err = h.ctl.Comment(context.Background(), tk.ID, " ")
	assert.ErrorIs(t, err, ErrEmptyComment)

	_, err = h.ctl.Comment(context.Background(), "404", "hi")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{})

	got, err := h.ctl.Close(context.Background(), tk.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusClosed, got.Status)
	reason, ok := h.backend.ClosedWith(tk.ID)
	require.True(t, ok)
	assert.Equal(t, ticket.ReasonClosed, reason)
}

func TestFindByNumber(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{CallerNumber: "+4930"})

	got, err := h.ctl.FindByNumber(context.Background(), " +4930 ")
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
}

func TestAcceptedReplayAfterTransferKeepsOneOpenLine(t *testing.T) {
	h := newHarness(t)
	out := h.handle(t, ring("c1", "+4930123456"))

	h.handle(t, accepted("c1", "ana"))
	h.handle(t, callevent.Event{Kind: callevent.Transfer, CallID: "c1", Agent: "ben"})
	h.handle(t, accepted("c1", "ana"))

	got := h.ticket(t, out.TicketID)
	assert.Equal(t, "ben: Call start: 2030-03-30 10:00:00 (c1)", got.Description)

	h.clock.Advance(3 * time.Minute)
	h.handle(t, hangup("c1"))
	assert.Equal(t,
		`ben: Call start: 2030-03-30 10:00:00 Call End: 2030-03-30 10:03:00 "Duration: 3min"`,
		h.ticket(t, out.TicketID).Description)
}

func TestRingUnknownCallerFoundByContactName(t *testing.T) {
	h := newHarness(t)
	h.book["+4930123456"] = address.Info{Name: "Jane Doe", CompanyName: "ACME"}
	prior := h.backend.Put(ticket.Ticket{Title: "Jane Doe", Location: "unknown", Status: ticket.StatusNew})

	out := h.handle(t, ring("c1", "+4930123456"))
	assert.False(t, out.Created)
	assert.Equal(t, prior.ID, out.TicketID)
}

func TestRingAssignsDefaultAgentToNewTickets(t *testing.T) {
	h := newHarness(t)
	WithDefaultAssignee("ben")(h.ctl)

	out := h.handle(t, ring("c1", "+4930123456"))
	tk := h.ticket(t, out.TicketID)
	assert.Equal(t, "/users/2", tk.Assignee)
	assert.Equal(t, "ben", tk.AssigneeName)

	out = h.handle(t, callevent.Event{Kind: callevent.RingOutgoing, CallID: "c2", CallerNumber: "+4940555", Agent: "ana"})
	assert.Equal(t, "ana", h.ticket(t, out.TicketID).AssigneeName)
}

func TestRingDefaultAgentLeavesExistingTicketAlone(t *testing.T) {
	h := newHarness(t)
	WithDefaultAssignee("ben")(h.ctl)
	prior := h.backend.Put(ticket.Ticket{Title: "+4930123456", Location: "unknown", Status: ticket.StatusInProgress, AssigneeName: "ana", Assignee: "/users/1"})

	h.handle(t, ring("c1", "+4930123456"))
	assert.Equal(t, "ana", h.ticket(t, prior.ID).AssigneeName)
}

func TestRingUnknownDefaultAgentStillCreates(t *testing.T) {
	h := newHarness(t)
	WithDefaultAssignee("zoe")(h.ctl)

	out := h.handle(t, ring("c1", "+4930123456"))
	assert.Equal(t, Handled, out.Result)
	assert.True(t, out.Created)
	assert.Equal(t, "", h.ticket(t, out.TicketID).Assignee)
}

func TestCloseRetriesOnConflict(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{})
	h.backend.ConflictNext(1)

	got, err := h.ctl.Close(context.Background(), tk.ID, ticket.ReasonResolved)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusClosed, got.Status)
	reason, ok := h.backend.ClosedWith(tk.ID)
	require.True(t, ok)
	assert.Equal(t, ticket.ReasonResolved, reason)
}

func TestCloseGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{})
	h.backend.ConflictNext(10)

	_, err := h.ctl.Close(context.Background(), tk.ID, "")
	assert.ErrorIs(t, err, ticket.ErrConflict)
	_, ok := h.backend.ClosedWith(tk.ID)
	assert.False(t, ok)
}

func TestMove(t *testing.T) {
	h := newHarness(t)
	tk := h.backend.Put(ticket.Ticket{Location: "unknown"})

	got, err := h.ctl.Move(context.Background(), tk.ID, " 7 ")
	require.NoError(t, err)
	assert.Equal(t, "7", got.Location)
	assert.Equal(t, "7", h.ticket(t, tk.ID).Location)

	_, err = h.ctl.Move(context.Background(), tk.ID, "")
	assert.ErrorIs(t, err, ErrEmptyLocation)

	_, err = h.ctl.Move(context.Background(), "404", "7")
	assert.ErrorIs(t, err, ticket.ErrNotFound)
}

func TestDashboard(t *testing.T) {
	h := newHarness(t)
	fresh := h.backend.Put(ticket.Ticket{Title: "new one", Status: ticket.StatusNew})
	mine := h.backend.Put(ticket.Ticket{Title: "ACME", Status: ticket.StatusInProgress, AssigneeName: "Ana"})
	h.backend.Put(ticket.Ticket{Title: "theirs", Status: ticket.StatusInProgress, AssigneeName: "ben"})
	h.backend.Put(ticket.Ticket{Title: "done", Status: ticket.StatusClosed, AssigneeName: "ana"})
	oncall := h.backend.Put(ticket.Ticket{
		Title:        "Globex",
		Status:       ticket.StatusInProgress,
		AssigneeName: "ana",
		CallIDs:      "c7, ",
		CallerNumber: "+4940",
		Location:     "7",
		Description:  "ben: Call start: 2030-03-30 09:00:00 (c7)\nana: Call start: 2030-03-30 09:05:00 (c7)",
	})

	d, err := h.ctl.Dashboard(context.Background(), "ana")
	require.NoError(t, err)

	var ids []string
	for _, tk := range d.Tickets {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{fresh.ID, oncall.ID, mine.ID}, ids)
	require.NotNil(t, d.Active)
	assert.Equal(t, ActiveCall{TicketID: oncall.ID, CallID: "c7", Title: "Globex", CallerNumber: "+4940", Location: "7"}, *d.Active)
}

func TestDashboardWithoutRunningCall(t *testing.T) {
	h := newHarness(t)
	h.backend.Put(ticket.Ticket{
		Status:       ticket.StatusInProgress,
		AssigneeName: "ana",
		CallIDs:      "c1, ",
		Description:  `ana: Call start: 2030-03-30 09:00:00 Call End: 2030-03-30 09:10:00 "Duration: 10min"`,
	})

	d, err := h.ctl.Dashboard(context.Background(), "ana")
	require.NoError(t, err)
	assert.Len(t, d.Tickets, 1)
	assert.Nil(t, d.Active)

	h.backend.FailWith(errors.New("connection refused"))
	_, err = h.ctl.Dashboard(context.Background(), "ana")
	assert.True(t, ticket.IsBackendError(err))
}
