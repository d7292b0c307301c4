// Package pgstore keeps call tickets in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sweeney/asterisk-tickets/internal/address"
	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

// Schema creates the tables the store needs.
const Schema = `
CREATE TABLE IF NOT EXISTS tickets (
    id            BIGSERIAL PRIMARY KEY,
    title         TEXT NOT NULL,
    call_ids      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'new',
    assignee      TEXT NOT NULL DEFAULT '',
    assignee_name TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    caller_number TEXT NOT NULL DEFAULT '',
    dialed_number TEXT NOT NULL DEFAULT '',
    call_start    TEXT NOT NULL DEFAULT '',
    call_end      TEXT NOT NULL DEFAULT '',
    location      TEXT NOT NULL,
    close_reason  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version       BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS tickets_location_status ON tickets (location, status, created_at DESC);
CREATE TABLE IF NOT EXISTS agents (
    name   TEXT PRIMARY KEY,
    handle TEXT NOT NULL
);
`

const columns = "id, title, call_ids, status, assignee, assignee_name, description, " +
	"caller_number, dialed_number, call_start, call_end, location, created_at, version"

const searchLimit = 50

// Open connects through the pgx driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)

	return db, nil
}

// Store is a ticket.Backend on a *sql.DB.
type Store struct {
	ticket.CallIDList

	db              *sql.DB
	unknownLocation string
	logger          *slog.Logger
}

// New wraps db. Callers without routing destinations go to unknownLocation.
func New(db *sql.DB, unknownLocation string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, unknownLocation: unknownLocation, logger: logger.With("backend", "postgres")}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func backendErr(op string, err error) error {
	return &ticket.BackendError{Op: op, Err: err}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*ticket.Ticket, error) {
	var (
		t      ticket.Ticket
		id     int64
		status string
	)
	err := row.Scan(&id, &t.Title, &t.CallIDs, &status, &t.Assignee, &t.AssigneeName, &t.Description,
		&t.CallerNumber, &t.DialedNumber, &t.CallStart, &t.CallEnd, &t.Location, &t.CreatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	t.ID = strconv.FormatInt(id, 10)
	if t.Status, err = ticket.ParseStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}

// list runs a ticket SELECT, newest first.
func (s *Store) list(ctx context.Context, op, where string, args ...any) ([]*ticket.Ticket, error) {
	q := fmt.Sprintf("SELECT %s FROM tickets WHERE %s ORDER BY created_at DESC LIMIT %d", columns, where, searchLimit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, backendErr(op, err)
	}
	defer rows.Close()

	var found []*ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, backendErr(op, err)
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr(op, err)
	}
	return found, nil
}

// query returns the preferred row among those keep accepts.
func (s *Store) query(ctx context.Context, op string, keep func(*ticket.Ticket) bool, where string, args ...any) (*ticket.Ticket, error) {
	found, err := s.list(ctx, op, where, args...)
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

func (s *Store) CreateTicket(_ context.Context, info address.Info, evt callevent.Event) (*ticket.Ticket, error) {
	location := s.unknownLocation
	if info.Known() {
		location = info.RoutingDestinations[0]
	}
	return &ticket.Ticket{
		Title:        ticket.Title(info.DisplayName(), evt.CallerNumber),
		CallIDs:      s.FormatCallID(evt.CallID),
		Status:       ticket.StatusNew,
		CallerNumber: evt.CallerNumber,
		DialedNumber: evt.DialedNumber,
		Location:     location,
	}, nil
}

func (s *Store) SaveTicket(ctx context.Context, t *ticket.Ticket) error {
	if t.ID == "" {
		return s.insert(ctx, t)
	}
	return s.update(ctx, t)
}

func (s *Store) insert(ctx context.Context, t *ticket.Ticket) error {
	query := `
        INSERT INTO tickets (title, call_ids, status, assignee, assignee_name, description,
            caller_number, dialed_number, call_start, call_end, location, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
        RETURNING id, created_at, version
    `
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		t.Title, t.CallIDs, t.Status.String(), t.Assignee, t.AssigneeName, t.Description,
		t.CallerNumber, t.DialedNumber, t.CallStart, t.CallEnd, t.Location,
	).Scan(&id, &t.CreatedAt, &t.Version)
	if err != nil {
		return backendErr("save", err)
	}
	t.ID = strconv.FormatInt(id, 10)
	return nil
}

// update writes t guarded by its version.
func (s *Store) update(ctx context.Context, t *ticket.Ticket) error {
	id, err := strconv.ParseInt(t.ID, 10, 64)
	if err != nil {
		return ticket.ErrNotFound
	}

	query := `
        UPDATE tickets
        SET title=$1, call_ids=$2, status=$3, assignee=$4, assignee_name=$5, description=$6,
            caller_number=$7, dialed_number=$8, call_start=$9, call_end=$10, location=$11,
            updated_at=NOW(), version=version+1
        WHERE id=$12 AND version=$13
        RETURNING version
    `
	var version int64
	err = s.db.QueryRowContext(ctx, query,
		t.Title, t.CallIDs, t.Status.String(), t.Assignee, t.AssigneeName, t.Description,
		t.CallerNumber, t.DialedNumber, t.CallStart, t.CallEnd, t.Location,
		id, t.Version,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return backendErr("save", err)
	}
	t.Version = version
	return nil
}

func (s *Store) missingOrConflict(ctx context.Context, id int64) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id=$1)`, id).Scan(&exists)
	if err != nil {
		return backendErr("save", err)
	}
	if !exists {
		return ticket.ErrNotFound
	}
	return ticket.ErrConflict
}

// CloseTicket sets the closed status directly; there is no workflow to
// walk.
func (s *Store) CloseTicket(ctx context.Context, t *ticket.Ticket, reason string) error {
	id, err := strconv.ParseInt(t.ID, 10, 64)
	if err != nil {
		return ticket.ErrNotFound
	}
	query := `
        UPDATE tickets
        SET status=$1, close_reason=$2, updated_at=NOW(), version=version+1
        WHERE id=$3
        RETURNING version
    `
	var version int64
	err = s.db.QueryRowContext(ctx, query, ticket.StatusClosed.String(), reason, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ticket.ErrNotFound
	}
	if err != nil {
		return backendErr("close", err)
	}
	t.Status = ticket.StatusClosed
	t.Version = version
	return nil
}

func (s *Store) TicketByCallID(ctx context.Context, callID string) (*ticket.Ticket, error) {
	return s.query(ctx, "ticket by call id",
		func(t *ticket.Ticket) bool { return ticket.HasCallID(t.CallIDs, callID) },
		"strpos(call_ids, $1) > 0", callID)
}

func (s *Store) TicketByCallIDContains(ctx context.Context, callID string) (*ticket.Ticket, error) {
	return s.query(ctx, "ticket by call id", nil, "strpos(call_ids, $1) > 0", callID)
}

func (s *Store) TicketByID(ctx context.Context, id string) (*ticket.Ticket, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, ticket.ErrNotFound
	}
	return s.query(ctx, "ticket by id", nil, "id = $1", n)
}

func (s *Store) TicketByPhoneNumber(ctx context.Context, number string) (*ticket.Ticket, error) {
	return s.query(ctx, "ticket by number", nil, "caller_number = $1", number)
}

func (s *Store) LatestInLocation(ctx context.Context, location string) (*ticket.Ticket, error) {
	return s.query(ctx, "latest in location", nil,
		"location = $1 AND status IN ('new', 'in_progress')", location)
}

func (s *Store) LatestInLocationByName(ctx context.Context, location, name string) (*ticket.Ticket, error) {
	return s.query(ctx, "latest in location", nil,
		"location = $1 AND status IN ('new', 'in_progress') AND strpos(title, $2) > 0", location, name)
}

func (s *Store) OpenTickets(ctx context.Context) ([]*ticket.Ticket, error) {
	return s.list(ctx, "open tickets", "status IN ('new', 'in_progress')")
}

func (s *Store) ResolveAgent(ctx context.Context, name string) (string, error) {
	var handle string
	err := s.db.QueryRowContext(ctx, `SELECT handle FROM agents WHERE lower(name) = lower($1)`, name).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ticket.ErrAgentNotFound, name)
	}
	if err != nil {
		return "", backendErr("resolve agent", err)
	}
	return handle, nil
}

func (s *Store) AgentExists(ctx context.Context, name string) (bool, error) {
	_, err := s.ResolveAgent(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ticket.ErrAgentNotFound):
		return false, nil
	}
	return false, err
}

// AddAgent registers or renames an agent.
func (s *Store) AddAgent(ctx context.Context, name, handle string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, handle) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET handle = EXCLUDED.handle`,
		name, handle)
	if err != nil {
		return backendErr("add agent", err)
	}
	return nil
}
