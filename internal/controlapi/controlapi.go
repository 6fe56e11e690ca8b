// Package controlapi exposes the session control surface over HTTP: start,
// pause, resume, cancel, resume-from-token, status queries, and a streamed
// view of the lifecycle events. It is a thin JSON layer over the actor
// manager; no engine logic lives here.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattercrawl/engine/internal/actor"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

// SessionManager is the slice of the actor manager the control surface
// drives.
type SessionManager interface {
	Start(ctx context.Context, intent planner.Intent) (string, error)
	ResumeFromToken(ctx context.Context, token string, intent planner.Intent) (string, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Info(id string) (actor.SessionInfo, error)
	List() []actor.SessionInfo
}

// Server serves the control surface.
type Server struct {
	manager SessionManager
	bus     *events.Bus
	logger  *telemetrylog.Logger
}

// New builds a Server over the process's manager and bus.
func New(manager SessionManager, bus *events.Bus, logger *telemetrylog.Logger) *Server {
	return &Server{manager: manager, bus: bus, logger: logger}
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Post("/resume", s.handleResumeFromToken)
		r.Get("/", s.handleList)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/pause", s.handleCommand(s.manager.Pause))
			r.Post("/resume", s.handleCommand(s.manager.Resume))
			r.Post("/cancel", s.handleCommand(s.manager.Cancel))
			r.Get("/events", s.handleEvents)
		})
	})

	return otelhttp.NewHandler(r, "controlapi")
}

type startRequest struct {
	Intent string `json:"intent"`
}

func parseIntent(raw string) (planner.Intent, error) {
	switch planner.Intent(raw) {
	case planner.IntentFull, planner.IntentIncremental, planner.IntentRecovery:
		return planner.Intent(raw), nil
	case "":
		return planner.IntentFull, nil
	default:
		return "", fmt.Errorf("unknown intent %q", raw)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	// an empty body means the default intent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	intent, err := parseIntent(req.Intent)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.manager.Start(r.Context(), intent)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

type resumeRequest struct {
	Token  string `json:"token"`
	Intent string `json:"intent"`
}

func (s *Server) handleResumeFromToken(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	intent, err := parseIntent(req.Intent)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.manager.ResumeFromToken(r.Context(), req.Token, intent)
	if err != nil {
		if errors.Is(err, crawlerr.ErrReplanRequired) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "replan required"})
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleCommand(cmd func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if err := cmd(id); err != nil {
			status := http.StatusConflict
			if errors.Is(err, actor.ErrTerminal) {
				status = http.StatusGone
			}
			s.writeError(w, status, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Info(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.List())
}

// handleEvents streams lifecycle events for one session as server-sent
// events until the client disconnects or the session's bus subscription is
// dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ch, unsub := s.bus.Subscribe(events.FilterSession(sessionID))
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encoding response", telemetrylog.Fields{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
