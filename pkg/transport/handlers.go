package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/go-chi/chi/v5"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status            string `json:"status"`
	ConnectedSessions int    `json:"connectedSessions"`
	PendingCommands   int    `json:"pendingCommands"`
}

// ExecuteRequest is the POST /execute body.
type ExecuteRequest struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Backend   string         `json:"backend,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))

	var windowID *int
	if raw := strings.TrimSpace(q.Get("windowId")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "windowId must be an integer")
			return
		}
		windowID = &n
	}

	select {
	case <-s.done:
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	s.accept(ws, sessionID, windowID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{
		Status:            "ok",
		ConnectedSessions: len(s.registry.ConnectedSessions()),
	}
	if s.correlator != nil {
		status.PendingCommands = s.correlator.Pending()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.CloseSession(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Infof("Session %s closed over HTTP", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleExecute runs one action. With ?format=tool the result is returned
// as content blocks instead of the plain result shape.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	backend, err := execution.ParseBackend(body.Backend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.executor.Run(r.Context(), execution.Request{
		Action:    body.Action,
		Params:    body.Params,
		SessionID: body.SessionID,
		Backend:   backend,
	})

	if r.URL.Query().Get("format") == "tool" {
		writeJSON(w, http.StatusOK, execution.ToToolResult(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
