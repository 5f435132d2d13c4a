package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petrelhq/petrel/internal/budget"
	"github.com/petrelhq/petrel/internal/engine"
	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/subagent"
)

type Server struct {
	Engine       *engine.Engine
	Sessions     *session.Store
	Subagents    *subagent.Manager
	Bus          *eventbus.Bus
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Info         DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/subagents", s.handleSubagents)
	mux.HandleFunc("/api/subagents/", s.handleSubagentItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/", s.handleStreams)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		items, err := s.Sessions.ListSessions(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload struct {
			ChannelID string `json:"channel_id"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sess, err := s.Sessions.CreateSession(r.Context(), payload.ChannelID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		sess, err := s.Sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		turns, err := s.Sessions.History(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "turns": turns})
		return
	}

	action := segments[1]
	switch action {
	case "messages":
		s.handleSessionMessage(w, r, sessionID)
	case "facts":
		s.handleSessionFacts(w, r, sessionID)
	case "checkpoints":
		s.handleSessionCheckpoints(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Engine.Run(r.Context(), sessionID, payload.Message)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":        result.Text,
		"iterations":  result.Iterations,
		"corrections": result.Corrections,
	})
}

func (s *Server) handleSessionFacts(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	facts, err := s.Sessions.ListFacts(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

func (s *Server) handleSessionCheckpoints(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	checkpoints, err := s.Sessions.ListCheckpoints(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

func (s *Server) handleSubagents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		items, err := s.Subagents.List(r.Context(), subagent.ListFilter{
			Status: subagent.Status(status),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var spec subagent.Spec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := s.Subagents.Spawn(r.Context(), spec)
		if err != nil {
			if errors.Is(err, subagent.ErrCapacity) {
				writeError(w, http.StatusTooManyRequests, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSubagentItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/subagents/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("subagent"))
		return
	}
	id := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		task, err := s.Subagents.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch segments[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if err := s.Subagents.Cancel(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, subagent.ErrNotFound):
				writeError(w, http.StatusNotFound, err)
			case errors.Is(err, subagent.ErrInvalidStatusTransition):
				writeError(w, http.StatusConflict, err)
			default:
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, errNotFound("subagent action"))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Stream    string         `json:"stream"`
		ScopeType string         `json:"scope_type"`
		ScopeID   string         `json:"scope_id"`
		Subject   string         `json:"subject"`
		Body      string         `json:"body"`
		Metadata  map[string]any `json:"metadata"`
		Payload   map[string]any `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := s.Bus.Push(r.Context(), eventbus.EventInput{
		Stream:    payload.Stream,
		ScopeType: payload.ScopeType,
		ScopeID:   payload.ScopeID,
		Subject:   payload.Subject,
		Body:      payload.Body,
		Metadata:  payload.Metadata,
		Payload:   payload.Payload,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("stream"))
		return
	}
	stream := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		items, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{
			Limit:     parseInt(r.URL.Query().Get("limit"), 50),
			Order:     r.URL.Query().Get("order"),
			ScopeType: r.URL.Query().Get("scope_type"),
			ScopeID:   r.URL.Query().Get("scope_id"),
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}
	switch segments[1] {
	case "read":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var payload struct {
			IDs []string `json:"ids"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		events, err := s.Bus.Read(r.Context(), stream, payload.IDs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	default:
		writeError(w, http.StatusNotFound, errNotFound("stream action"))
	}
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	streamsParam := r.URL.Query().Get("streams")
	if streamsParam == "" {
		streamsParam = "replies,errors"
	}
	streamList := splitComma(streamsParam)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, streamList)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		header := r.Header.Get("X-Restart-Token")
		if header != token {
			writeError(w, http.StatusUnauthorized, errNotFound("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, budget.ErrBudgetExceeded):
		writeError(w, http.StatusTooManyRequests, err)
	default:
		var runErr *engine.RunError
		if errors.As(err, &runErr) && runErr.Phase == engine.PhaseAborted {
			writeError(w, http.StatusRequestTimeout, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
