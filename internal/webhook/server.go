// Package webhook exposes the controller over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sweeney/asterisk-tickets/internal/callevent"
	"github.com/sweeney/asterisk-tickets/internal/controller"
	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

const maxBodyBytes = 1 << 20

// CallHandler applies call events.
type CallHandler interface {
	Handle(ctx context.Context, evt callevent.Event) (controller.Outcome, error)
}

// Actions are the ticket operations outside the call flow.
type Actions interface {
	Comment(ctx context.Context, ticketID, text string) (*ticket.Ticket, error)
	Close(ctx context.Context, ticketID, reason string) (*ticket.Ticket, error)
	FindByNumber(ctx context.Context, number string) (*ticket.Ticket, error)
	Move(ctx context.Context, ticketID, location string) (*ticket.Ticket, error)
	Dashboard(ctx context.Context, agent string) (controller.Dashboard, error)
}

// Server routes webhook requests.
type Server struct {
	calls   CallHandler
	actions Actions
	logger  *slog.Logger
	router  *mux.Router
}

// New creates a Server. calls is usually the controller, possibly wrapped
// by a publisher.Notifier.
func New(calls CallHandler, actions Actions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{calls: calls, actions: actions, logger: logger, router: mux.NewRouter()}
	s.SetupRoutes(s.router)
	return s
}

// SetupRoutes registers the webhook routes on router.
func (s *Server) SetupRoutes(router *mux.Router) {
	router.Use(s.requestID)
	router.HandleFunc("/call", s.handleCall).Methods("POST")
	router.HandleFunc("/tickets/by-number/{number}", s.handleFindByNumber).Methods("GET")
	router.HandleFunc("/tickets/active/{agent}", s.handleDashboard).Methods("GET")
	router.HandleFunc("/tickets/{id}/comment", s.handleComment).Methods("POST")
	router.HandleFunc("/tickets/{id}/close", s.handleClose).Methods("POST")
	router.HandleFunc("/tickets/{id}/move", s.handleMove).Methods("POST")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type loggerKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		logger := s.logger.With("request_id", id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger)))
		logger.Debug("request served", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) log(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

type outcomeResponse struct {
	Result   string `json:"result"`
	Event    string `json:"event"`
	CallID   string `json:"call_id"`
	TicketID string `json:"ticket_id,omitempty"`
	Created  bool   `json:"created,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ticketResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Assignee     string `json:"assignee,omitempty"`
	CallerNumber string `json:"caller_number,omitempty"`
	CallIDs      string `json:"call_ids,omitempty"`
	Location     string `json:"location,omitempty"`
	Description  string `json:"description,omitempty"`
}

func toTicketResponse(t *ticket.Ticket) ticketResponse {
	return ticketResponse{
		ID:           t.ID,
		Title:        t.Title,
		Status:       t.Status.String(),
		Assignee:     t.AssigneeName,
		CallerNumber: t.CallerNumber,
		CallIDs:      t.CallIDs,
		Location:     t.Location,
		Description:  t.Description,
	}
}

type activeCallResponse struct {
	TicketID     string `json:"ticket_id"`
	CallID       string `json:"call_id"`
	Title        string `json:"title"`
	CallerNumber string `json:"caller_number,omitempty"`
	DialedNumber string `json:"dialed_number,omitempty"`
	Location     string `json:"location,omitempty"`
}

type dashboardResponse struct {
	Agent   string              `json:"agent"`
	Tickets []ticketResponse    `json:"tickets"`
	Active  *activeCallResponse `json:"active,omitempty"`
}

func toDashboardResponse(d controller.Dashboard) dashboardResponse {
	res := dashboardResponse{Agent: d.Agent, Tickets: make([]ticketResponse, 0, len(d.Tickets))}
	for _, t := range d.Tickets {
		res.Tickets = append(res.Tickets, toTicketResponse(t))
	}
	if a := d.Active; a != nil {
		res.Active = &activeCallResponse{
			TicketID:     a.TicketID,
			CallID:       a.CallID,
			Title:        a.Title,
			CallerNumber: a.CallerNumber,
			DialedNumber: a.DialedNumber,
			Location:     a.Location,
		}
	}
	return res
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log(r).Error("request failed", "status", status, "error", err)
	} else {
		s.log(r).Warn("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps controller and backend errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrTicketNotFound), errors.Is(err, controller.ErrTicketCreation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ticket.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ticket.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrEmptyComment), errors.Is(err, controller.ErrEmptyLocation):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), ticket.IsBackendError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	evt, err := callevent.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	out, err := s.calls.Handle(r.Context(), evt)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, outcomeResponse{
		Result:   out.Result.String(),
		Event:    out.Kind.Slug(),
		CallID:   out.CallID,
		TicketID: out.TicketID,
		Created:  out.Created,
		Reason:   out.Reason,
	})
}

type commentRequest struct {
	Comment string `json:"comment"`
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	t, err := s.actions.Comment(r.Context(), mux.Vars(r)["id"], req.Comment)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketResponse(t))
}

type closeRequest struct {
	Reason string `json:"reason"`
}

var closeReasons = map[string]bool{
	"":                    true,
	ticket.ReasonClosed:   true,
	ticket.ReasonResolved: true,
	ticket.ReasonTested:   true,
	ticket.ReasonRejected: true,
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	// An empty body closes with the default reason.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	if !closeReasons[req.Reason] {
		s.writeError(w, r, http.StatusBadRequest, errors.New("unknown close reason "+req.Reason))
		return
	}

	t, err := s.actions.Close(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketResponse(t))
}

func (s *Server) handleFindByNumber(w http.ResponseWriter, r *http.Request) {
	t, err := s.actions.FindByNumber(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketResponse(t))
}

type moveRequest struct {
	Location string `json:"location"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	t, err := s.actions.Move(r.Context(), mux.Vars(r)["id"], req.Location)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketResponse(t))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.actions.Dashboard(r.Context(), mux.Vars(r)["agent"])
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardResponse(d))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
