package openproject

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

type link struct {
	Href  string `json:"href,omitempty"`
	Title string `json:"title,omitempty"`
}

type formattable struct {
	Format string `json:"format,omitempty"`
	Raw    string `json:"raw"`
}

type workPackageLinks struct {
	Status   link `json:"status"`
	Assignee link `json:"assignee"`
	Project  link `json:"project"`
}

type workPackage struct {
	ID          int64            `json:"id"`
	LockVersion int64            `json:"lockVersion"`
	Subject     string           `json:"subject"`
	Description formattable      `json:"description"`
	CreatedAt   time.Time        `json:"createdAt"`
	Links       workPackageLinks `json:"_links"`

	custom map[string]json.RawMessage
}

func (wp *workPackage) UnmarshalJSON(data []byte) error {
	type plain workPackage
	if err := json.Unmarshal(data, (*plain)(wp)); err != nil {
		return err
	}
	return json.Unmarshal(data, &wp.custom)
}

// customString reads a custom field; missing and null fields are "".
func (wp *workPackage) customString(name string) string {
	if name == "" {
		return ""
	}
	raw, ok := wp.custom[name]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

type collection struct {
	Total    int `json:"total"`
	Embedded struct {
		Elements []workPackage `json:"elements"`
	} `json:"_embedded"`
}

type user struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

type userCollection struct {
	Embedded struct {
		Elements []user `json:"elements"`
	} `json:"_embedded"`
}

// hrefID returns the last path segment of a HAL href.
func hrefID(href string) string {
	if href == "" {
		return ""
	}
	return path.Base(href)
}

func (c *Client) statusHref(id string) string {
	return c.baseURL.Path + "/statuses/" + id
}

func (c *Client) projectHref(id string) string {
	return c.baseURL.Path + "/projects/" + id
}

func (c *Client) userHref(id int64) string {
	return c.baseURL.Path + "/users/" + strconv.FormatInt(id, 10)
}

func (c *Client) typeHref(id string) string {
	return c.baseURL.Path + "/types/" + id
}

func (c *Client) status(href string) ticket.Status {
	switch hrefID(href) {
	case c.cfg.Statuses.New:
		return ticket.StatusNew
	case c.cfg.Statuses.InProgress:
		return ticket.StatusInProgress
	}
	return ticket.StatusClosed
}

func (c *Client) statusID(s ticket.Status) string {
	switch s {
	case ticket.StatusNew:
		return c.cfg.Statuses.New
	case ticket.StatusInProgress:
		return c.cfg.Statuses.InProgress
	}
	return c.cfg.Statuses.Closed
}

// agentName turns an assignee title ("Ana Smith") into the agent name used
// by the phone system ("ana").
func agentName(title string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(title), " ")
	return strings.ToLower(first)
}

func (c *Client) toTicket(wp *workPackage) *ticket.Ticket {
	f := c.cfg.Fields
	return &ticket.Ticket{
		ID:           strconv.FormatInt(wp.ID, 10),
		Title:        wp.Subject,
		CallIDs:      wp.customString(f.CallID),
		Status:       c.status(wp.Links.Status.Href),
		Assignee:     wp.Links.Assignee.Href,
		AssigneeName: agentName(wp.Links.Assignee.Title),
		Description:  wp.Description.Raw,
		CallerNumber: wp.customString(f.CallerNumber),
		DialedNumber: wp.customString(f.CalledNumber),
		CallStart:    wp.customString(f.CallStart),
		CallEnd:      wp.customString(f.CallEnd),
		Location:     hrefID(wp.Links.Project.Href),
		CreatedAt:    wp.CreatedAt,
		Version:      wp.LockVersion,
	}
}

// payload renders the writable part of a ticket as a work package body.
func (c *Client) payload(t *ticket.Ticket) map[string]any {
	body := map[string]any{
		"subject":     t.Title,
		"description": formattable{Format: "markdown", Raw: t.Description},
	}

	f := c.cfg.Fields
	for name, value := range map[string]string{
		f.CallID:       t.CallIDs,
		f.CallerNumber: t.CallerNumber,
		f.CalledNumber: t.DialedNumber,
		f.CallStart:    t.CallStart,
		f.CallEnd:      t.CallEnd,
	} {
		if name != "" {
			body[name] = value
		}
	}

	links := map[string]any{
		"status": link{Href: c.statusHref(c.statusID(t.Status))},
	}
	if t.Assignee != "" {
		links["assignee"] = link{Href: t.Assignee}
	}
	if t.ID == "" {
		if c.cfg.TypeID != "" {
			links["type"] = link{Href: c.typeHref(c.cfg.TypeID)}
		}
	} else {
		body["lockVersion"] = t.Version
		if t.Location != "" {
			links["project"] = link{Href: c.projectHref(t.Location)}
		}
	}
	body["_links"] = links
	return body
}
