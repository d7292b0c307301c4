package ticket

import (
	"context"
	"errors"
	"fmt"
)

// LoadFunc fetches (or builds) the ticket an update applies to.
type LoadFunc func(ctx context.Context) (*Ticket, error)

// MutateFunc applies a change to a freshly loaded ticket. It may run more
// than once and must not depend on state left by an earlier run.
type MutateFunc func(t *Ticket) error

// ApplyFunc writes a change for a loaded ticket to the backend. It returns
// ErrConflict when the ticket changed since it was loaded.
type ApplyFunc func(ctx context.Context, t *Ticket) error

// Update loads a ticket, mutates it and saves it. When the save loses a
// version race the ticket is loaded again and the mutation re-applied, up
// to attempts times in total. The last conflict is returned when every
// attempt lost.
func Update(ctx context.Context, b Backend, attempts int, load LoadFunc, mutate MutateFunc) (*Ticket, error) {
	return Retry(ctx, attempts, load, func(ctx context.Context, t *Ticket) error {
		if err := mutate(t); err != nil {
			return err
		}
		return b.SaveTicket(ctx, t)
	})
}

// Retry runs load then apply, starting over with a fresh load whenever
// apply reports ErrConflict, up to attempts times in total.
func Retry(ctx context.Context, attempts int, load LoadFunc, apply ApplyFunc) (*Ticket, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t, err := load(ctx)
		if err != nil {
			return nil, err
		}

		err = apply(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("saving ticket failed after %d attempts: %w", attempts, lastErr)
}
