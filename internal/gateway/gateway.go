// Package gateway exposes the broker over HTTP: a JSON API for enqueue and
// task lifecycle operations, the agent long-poll, and an event stream for UI
// subscribers.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/go-herd/internal/bus"
	"github.com/basket/go-herd/internal/dispatcher"
	"github.com/basket/go-herd/internal/persistence"
)

// Config holds the gateway's collaborators.
type Config struct {
	Store      *persistence.Store
	Dispatcher *dispatcher.Dispatcher
	Bus        *bus.Bus
	Logger     *slog.Logger

	// AuthToken, when set, is required as a bearer token on every request
	// except /healthz.
	AuthToken string
}

// Server is the HTTP gateway.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New builds the gateway and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := compileEnqueueSchema(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /api/v1/agents/register", s.auth(s.handleRegisterAgent))
	s.mux.HandleFunc("GET /api/v1/agents", s.auth(s.handleListAgents))
	s.mux.HandleFunc("POST /api/v1/agents/{id}/evict", s.auth(s.handleEvict))
	s.mux.HandleFunc("POST /api/v1/poll", s.auth(s.handlePoll))

	s.mux.HandleFunc("POST /api/v1/tasks", s.auth(s.handleEnqueue))
	s.mux.HandleFunc("GET /api/v1/tasks", s.auth(s.handleListTasks))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}", s.auth(s.handleGetTask))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/ack", s.auth(s.handleAck))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/progress", s.auth(s.handleProgress))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/response", s.auth(s.handleResponse))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/approve", s.auth(s.handleApprove))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/reject", s.auth(s.handleReject))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/block", s.auth(s.handleBlock))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/answer", s.auth(s.handleAnswer))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.auth(s.handleCancel))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/retry", s.auth(s.handleRetry))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/messages", s.auth(s.handleReadMessages))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/messages", s.auth(s.handlePostComment))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/wait", s.auth(s.handleWaitCompletion))

	s.mux.HandleFunc("GET /api/v1/activity", s.auth(s.handleActivity))
	s.mux.HandleFunc("POST /api/v1/schedules", s.auth(s.handleCreateSchedule))
	s.mux.HandleFunc("GET /api/v1/schedules", s.auth(s.handleListSchedules))

	s.mux.HandleFunc("GET /api/v1/events", s.auth(s.handleEventsWS))
	s.mux.HandleFunc("GET /api/v1/events/sse", s.auth(s.handleEventsSSE))

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps dispatcher error kinds onto HTTP statuses and emits the
// fixed user-facing message.
func writeError(w http.ResponseWriter, err error) {
	var de *dispatcher.Error
	if errors.As(err, &de) {
		code := http.StatusInternalServerError
		switch de.Kind {
		case dispatcher.KindNotFound:
			code = http.StatusNotFound
		case dispatcher.KindInvalidTransition, dispatcher.KindWrongAgent, dispatcher.KindDependencyUnmet:
			code = http.StatusConflict
		case dispatcher.KindPolicyBlocked:
			code = http.StatusForbidden
		}
		writeJSON(w, code, map[string]string{"error": de.Message, "kind": string(de.Kind)})
		return
	}
	if errors.Is(err, persistence.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Task not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// taskView is the wire shape of a task.
type taskView struct {
	ID           string                   `json:"id"`
	Title        string                   `json:"title,omitempty"`
	Prompt       string                   `json:"prompt"`
	From         persistence.Origin       `json:"from"`
	To           persistence.Route        `json:"to"`
	Priority     persistence.Priority     `json:"priority"`
	Status       persistence.TaskStatus   `json:"status"`
	Dependencies []string                 `json:"dependencies,omitempty"`
	AssignedTo   string                   `json:"assigned_to,omitempty"`
	Response     *persistence.Response    `json:"response,omitempty"`
	History      []persistence.Transition `json:"history"`
	Context      map[string]string        `json:"context,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
}

func viewOf(t *persistence.Task) taskView {
	return taskView{
		ID:           t.ID,
		Title:        t.Title,
		Prompt:       t.Prompt,
		From:         t.From,
		To:           t.To,
		Priority:     t.Priority,
		Status:       t.Status,
		Dependencies: t.Dependencies,
		AssignedTo:   t.AssignedTo,
		Response:     t.Response,
		History:      t.History,
		Context:      t.Context,
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}
}
