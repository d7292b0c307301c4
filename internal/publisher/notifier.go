package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/controller"
)

// Handler processes call events. *controller.Controller implements it.
type Handler interface {
	Handle(ctx context.Context, evt callevent.Event) (controller.Outcome, error)
}

// payload is the JSON structure published per ticket change.
type payload struct {
	Event       string `json:"event"`
	Description string `json:"description"`
	CallID      string `json:"call_id"`
	TicketID    string `json:"ticket_id"`
	Created     bool   `json:"created,omitempty"`
	Timestamp   string `json:"timestamp"`
}

var eventDescriptions = map[callevent.Kind]string{
	callevent.RingIncoming: "An incoming call was attached to the ticket",
	callevent.RingOutgoing: "An outgoing call was attached to the ticket",
	callevent.Accepted:     "An agent answered the call",
	callevent.Transfer:     "The call was transferred to another agent",
	callevent.Hangup:       "The call has ended",
}

// Topic returns the topic an outcome is published on.
func Topic(prefix string, out controller.Outcome) string {
	return fmt.Sprintf("%s/ticket/%s/%s", prefix, out.TicketID, out.Kind.Slug())
}

// Notifier wraps a Handler and publishes every outcome that changed a
// ticket. Publish failures are logged; they never fail the event.
type Notifier struct {
	next   Handler
	pub    Publisher
	prefix string
	clock  func() time.Time
	logger *slog.Logger
}

// NewNotifier creates a Notifier publishing under prefix.
func NewNotifier(next Handler, pub Publisher, prefix string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{next: next, pub: pub, prefix: prefix, clock: time.Now, logger: logger}
}

func (n *Notifier) Handle(ctx context.Context, evt callevent.Event) (controller.Outcome, error) {
	out, err := n.next.Handle(ctx, evt)
	if err != nil || out.Result != controller.Handled || out.TicketID == "" {
		return out, err
	}
	if perr := n.publish(ctx, out); perr != nil {
		n.logger.Error("publish failed", "ticket_id", out.TicketID, "call_id", out.CallID, "error", perr)
	}
	return out, nil
}

func (n *Notifier) publish(ctx context.Context, out controller.Outcome) error {
	topic := Topic(n.prefix, out)

	data, err := json.Marshal(payload{
		Event:       out.Kind.Slug(),
		Description: eventDescriptions[out.Kind],
		CallID:      out.CallID,
		TicketID:    out.TicketID,
		Created:     out.Created,
		Timestamp:   n.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	n.logger.Debug("publishing", "topic", topic)
	return n.pub.Publish(ctx, topic, data)
}
