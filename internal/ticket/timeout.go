package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
)

type timeoutBackend struct {
	Backend
	d time.Duration
}

// WithTimeout bounds every context-taking call on b by d. An exceeded
// deadline surfaces as *BackendError.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{Backend: b, d: d}
}

func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsBackendError(err) {
		return v, &BackendError{Op: op, Err: err}
	}
	return v, err
}

func (b *timeoutBackend) CreateTicket(ctx context.Context, info address.Info, evt callevent.Event) (*Ticket, error) {
	return bounded(ctx, b.d, "create", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.CreateTicket(ctx, info, evt)
	})
}

func (b *timeoutBackend) SaveTicket(ctx context.Context, t *Ticket) error {
	_, err := bounded(ctx, b.d, "save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Backend.SaveTicket(ctx, t)
	})
	return err
}

func (b *timeoutBackend) CloseTicket(ctx context.Context, t *Ticket, reason string) error {
	_, err := bounded(ctx, b.d, "close", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Backend.CloseTicket(ctx, t, reason)
	})
	return err
}

func (b *timeoutBackend) TicketByCallID(ctx context.Context, callID string) (*Ticket, error) {
	return bounded(ctx, b.d, "ticket by call id", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.TicketByCallID(ctx, callID)
	})
}

func (b *timeoutBackend) TicketByCallIDContains(ctx context.Context, callID string) (*Ticket, error) {
	return bounded(ctx, b.d, "ticket by call id", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.TicketByCallIDContains(ctx, callID)
	})
}

func (b *timeoutBackend) TicketByID(ctx context.Context, id string) (*Ticket, error) {
	return bounded(ctx, b.d, "ticket by id", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.TicketByID(ctx, id)
	})
}

func (b *timeoutBackend) TicketByPhoneNumber(ctx context.Context, number string) (*Ticket, error) {
	return bounded(ctx, b.d, "ticket by number", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.TicketByPhoneNumber(ctx, number)
	})
}

func (b *timeoutBackend) LatestInLocation(ctx context.Context, location string) (*Ticket, error) {
	return bounded(ctx, b.d, "latest in location", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.LatestInLocation(ctx, location)
	})
}

func (b *timeoutBackend) LatestInLocationByName(ctx context.Context, location, name string) (*Ticket, error) {
	return bounded(ctx, b.d, "latest in location", func(ctx context.Context) (*Ticket, error) {
		return b.Backend.LatestInLocationByName(ctx, location, name)
	})
}

func (b *timeoutBackend) OpenTickets(ctx context.Context) ([]*Ticket, error) {
	return bounded(ctx, b.d, "open tickets", func(ctx context.Context) ([]*Ticket, error) {
		return b.Backend.OpenTickets(ctx)
	})
}

func (b *timeoutBackend) ResolveAgent(ctx context.Context, name string) (string, error) {
	return bounded(ctx, b.d, "resolve agent", func(ctx context.Context) (string, error) {
		return b.Backend.ResolveAgent(ctx, name)
	})
}

func (b *timeoutBackend) AgentExists(ctx context.Context, name string) (bool, error) {
	return bounded(ctx, b.d, "agent exists", func(ctx context.Context) (bool, error) {
		return b.Backend.AgentExists(ctx, name)
	})
}
