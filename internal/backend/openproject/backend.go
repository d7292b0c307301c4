package openproject

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

type condition struct {
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

type filter map[string]condition

func where(field, operator string, values ...string) filter {
	return filter{field: {Operator: operator, Values: values}}
}

// search lists work packages matching all filters, newest first.
func (c *Client) search(ctx context.Context, op string, filters ...filter) ([]*ticket.Ticket, error) {
	if c.cfg.TypeID != "" {
		filters = append(filters, where("type", "=", c.cfg.TypeID))
	}
	encoded, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("filters", string(encoded))
	params.Set("sortBy", `[["createdAt","desc"]]`)
	params.Set("pageSize", "50")

	var res collection
	if err := c.do(ctx, http.MethodGet, "work_packages", params, nil, &res); err != nil {
		return nil, classify(op, err)
	}

	tickets := make([]*ticket.Ticket, 0, len(res.Embedded.Elements))
	for i := range res.Embedded.Elements {
		tickets = append(tickets, c.toTicket(&res.Embedded.Elements[i]))
	}
	return tickets, nil
}

func (c *Client) preferred(ctx context.Context, op string, keep func(*ticket.Ticket) bool, filters ...filter) (*ticket.Ticket, error) {
	found, err := c.search(ctx, op, filters...)
	if err != nil {
		return nil, err
	}
	if keep != nil {
		kept := found[:0]
		for _, t := range found {
			if keep(t) {
				kept = append(kept, t)
			}
		}
		found = kept
	}
	best := ticket.Preferred(found)
	if best == nil {
		return nil, ticket.ErrNotFound
	}
	return best, nil
}

func (c *Client) openStatuses() filter {
	return where("status", "=", c.cfg.Statuses.New, c.cfg.Statuses.InProgress)
}

func (c *Client) CreateTicket(_ context.Context, info address.Info, evt callevent.Event) (*ticket.Ticket, error) {
	location := c.cfg.UnknownLocation
	if info.Known() {
		location = info.RoutingDestinations[0]
	}
	if location == "" {
		return nil, &ticket.BackendError{Op: "create", Err: fmt.Errorf("no project for caller %q", evt.CallerNumber)}
	}

	return &ticket.Ticket{
		Title:        ticket.Title(info.DisplayName(), evt.CallerNumber),
		CallIDs:      c.FormatCallID(evt.CallID),
		Status:       ticket.StatusNew,
		CallerNumber: evt.CallerNumber,
		DialedNumber: evt.DialedNumber,
		Location:     location,
	}, nil
}

func (c *Client) SaveTicket(ctx context.Context, t *ticket.Ticket) error {
	var (
		wp  workPackage
		err error
	)
	if t.ID == "" {
		err = c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(t.Location)+"/work_packages", nil, c.payload(t), &wp)
	} else {
		err = c.do(ctx, http.MethodPatch, "work_packages/"+url.PathEscape(t.ID), nil, c.payload(t), &wp)
	}
	if err != nil {
		return classify("save", err)
	}

	t.ID = strconv.FormatInt(wp.ID, 10)
	t.Version = wp.LockVersion
	t.CreatedAt = wp.CreatedAt
	return nil
}

// patchStatus moves a work package to statusID and refreshes t.Version.
func (c *Client) patchStatus(ctx context.Context, t *ticket.Ticket, statusID string) error {
	body := map[string]any{
		"lockVersion": t.Version,
		"_links":      map[string]any{"status": link{Href: c.statusHref(statusID)}},
	}
	var wp workPackage
	if err := c.do(ctx, http.MethodPatch, "work_packages/"+url.PathEscape(t.ID), nil, body, &wp); err != nil {
		return classify("close", err)
	}
	t.Version = wp.LockVersion
	return nil
}

func (c *Client) closeStatusID(reason string) string {
	s := c.cfg.Statuses
	switch reason {
	case ticket.ReasonResolved, ticket.ReasonTested:
		if s.Resolved != "" {
			return s.Resolved
		}
	case ticket.ReasonRejected:
		if s.Rejected != "" {
			return s.Rejected
		}
	}
	return s.Closed
}

// CloseTicket closes a work package. The workflow does not allow New to go
// straight to a closed state, so New tickets pass through InProgress.
func (c *Client) CloseTicket(ctx context.Context, t *ticket.Ticket, reason string) error {
	if t.Status == ticket.StatusNew {
		if err := c.patchStatus(ctx, t, c.cfg.Statuses.InProgress); err != nil {
			return err
		}
		t.Status = ticket.StatusInProgress
		c.logger.Debug("moved ticket to in progress before closing", "ticket_id", t.ID, "lock_version", t.Version)
	}
	if err := c.patchStatus(ctx, t, c.closeStatusID(reason)); err != nil {
		return err
	}
	t.Status = ticket.StatusClosed
	return nil
}

func (c *Client) TicketByCallID(ctx context.Context, callID string) (*ticket.Ticket, error) {
	return c.preferred(ctx, "ticket by call id",
		func(t *ticket.Ticket) bool { return ticket.HasCallID(t.CallIDs, callID) },
		where(c.cfg.Fields.CallID, "~", callID))
}

func (c *Client) TicketByCallIDContains(ctx context.Context, callID string) (*ticket.Ticket, error) {
	return c.preferred(ctx, "ticket by call id", nil, where(c.cfg.Fields.CallID, "~", callID))
}

func (c *Client) TicketByID(ctx context.Context, id string) (*ticket.Ticket, error) {
	var wp workPackage
	if err := c.do(ctx, http.MethodGet, "work_packages/"+url.PathEscape(id), nil, nil, &wp); err != nil {
		return nil, classify("ticket by id", err)
	}
	return c.toTicket(&wp), nil
}

func (c *Client) TicketByPhoneNumber(ctx context.Context, number string) (*ticket.Ticket, error) {
	if c.cfg.Fields.CallerNumber == "" {
		return nil, ticket.ErrNotFound
	}
	return c.preferred(ctx, "ticket by number", nil, where(c.cfg.Fields.CallerNumber, "=", number))
}

func (c *Client) LatestInLocation(ctx context.Context, location string) (*ticket.Ticket, error) {
	return c.preferred(ctx, "latest in location", nil,
		where("project", "=", location), c.openStatuses())
}

func (c *Client) LatestInLocationByName(ctx context.Context, location, name string) (*ticket.Ticket, error) {
	return c.preferred(ctx, "latest in location", nil,
		where("project", "=", location), c.openStatuses(), where("subject", "~", name))
}

func (c *Client) OpenTickets(ctx context.Context) ([]*ticket.Ticket, error) {
	return c.search(ctx, "open tickets", c.openStatuses())
}

func (c *Client) findUser(ctx context.Context, name string) (*user, error) {
	encoded, err := json.Marshal([]filter{where("login", "=", strings.ToLower(name))})
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("filters", string(encoded))

	var res userCollection
	if err := c.do(ctx, http.MethodGet, "users", params, nil, &res); err != nil {
		return nil, classify("resolve agent", err)
	}
	if len(res.Embedded.Elements) == 0 {
		return nil, nil
	}
	return &res.Embedded.Elements[0], nil
}

func (c *Client) ResolveAgent(ctx context.Context, name string) (string, error) {
	u, err := c.findUser(ctx, name)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("%w: %s", ticket.ErrAgentNotFound, name)
	}
	return c.userHref(u.ID), nil
}

func (c *Client) AgentExists(ctx context.Context, name string) (bool, error) {
	u, err := c.findUser(ctx, name)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}
