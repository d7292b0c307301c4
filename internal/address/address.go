package address

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Info is what the address book knows about a phone number.
type Info struct {
	Name                string   `json:"name,omitempty"`
	CompanyName         string   `json:"company_name,omitempty"`
	PhoneNumbers        []string `json:"phone_numbers,omitempty"`
	RoutingDestinations []string `json:"routing_destinations,omitempty"`
	IsCompany           bool     `json:"is_company,omitempty"`
}

// Known reports whether the contact routes to at least one ticket location.
func (i Info) Known() bool {
	return len(i.RoutingDestinations) > 0
}

// Empty reports whether the lookup found nothing at all.
func (i Info) Empty() bool {
	return i.Name == "" && i.CompanyName == "" && len(i.PhoneNumbers) == 0 && len(i.RoutingDestinations) == 0
}

// DisplayName is the "company - name" label used for ticket titles.
// Missing parts are left out.
func (i Info) DisplayName() string {
	switch {
	case i.CompanyName != "" && i.Name != "" && i.CompanyName != i.Name:
		return i.CompanyName + " - " + i.Name
	case i.CompanyName != "":
		return i.CompanyName
	default:
		return i.Name
	}
}

// Lookup resolves phone numbers to contacts. A number nobody knows
// yields an empty Info and a nil error.
type Lookup interface {
	Lookup(ctx context.Context, number string) (Info, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, number string) (Info, error)

func (f LookupFunc) Lookup(ctx context.Context, number string) (Info, error) {
	return f(ctx, number)
}

// Nop is a Lookup that never knows anyone.
var Nop Lookup = LookupFunc(func(context.Context, string) (Info, error) { return Info{}, nil })

// ErrTimeout is returned when a lookup exceeds its deadline.
var ErrTimeout = errors.New("address lookup timed out")

type timeoutLookup struct {
	next Lookup
	d    time.Duration
}

// WithTimeout bounds every lookup on next by d.
func WithTimeout(next Lookup, d time.Duration) Lookup {
	if d <= 0 {
		return next
	}
	return &timeoutLookup{next: next, d: d}
}

func (t *timeoutLookup) Lookup(ctx context.Context, number string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	info, err := t.next.Lookup(ctx, number)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Info{}, fmt.Errorf("%w after %s: %w", ErrTimeout, t.d, err)
	}
	return info, err
}
