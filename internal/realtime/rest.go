package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"termbridge/internal/activity"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errCode maps registry errors to protocol error codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, session.ErrAlreadyExists):
		return protocol.ErrAlreadyExists
	case errors.Is(err, session.ErrNotRunning):
		return protocol.ErrNotRunning
	case errors.Is(err, session.ErrInvalidInput):
		return protocol.ErrInvalidMessage
	default:
		return protocol.ErrMuxFailure
	}
}

// errStatus maps registry errors to HTTP status codes. Unknown and
// not-running both surface as 404 on session-scoped routes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	writeError(w, errStatus(err), errCode(err), err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.registry.List()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type createSessionRequest struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "command is required")
		return
	}

	sum, err := s.registry.Create(r.Context(), session.CreateSpec{
		Name:    req.Name,
		Command: req.Command,
		Cwd:     req.Cwd,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

type sessionDetail struct {
	session.Summary
	Output string `json:"output"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	sum, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "session not found: "+name)
		return
	}
	tail, _ := s.registry.OutputTail(name)
	writeJSON(w, http.StatusOK, sessionDetail{Summary: sum, Output: string(tail)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	ok, err := s.registry.Kill(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrMuxFailure, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "session not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

type sendRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "data is required")
		return
	}

	if err := s.registry.Write(r.Context(), name, []byte(req.Data)); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if err := s.registry.Resize(r.Context(), name, req.Cols, req.Rows); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

type pollResponse struct {
	Data   string         `json:"data"`
	Offset int64          `json:"offset"`
	Status session.Status `json:"status"`
}

// handlePollOutput is the HTTP fallback for clients that cannot hold
// a WebSocket: each poll returns the output since the offset cursor,
// the next cursor, and the session status.
func (s *Server) handlePollOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")

	var offset int64
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid offset")
			return
		}
		offset = n
	}

	data, next, status, err := s.registry.ReadOutput(name, offset)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Data: string(data), Offset: next, Status: status})
}

type activityRequest struct {
	State string `json:"state"`
	Event string `json:"event"`
	Tool  string `json:"tool"`
}

// handleActivity is the direct activity override, bypassing event
// name mapping.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	var state session.ActivityState
	switch session.ActivityState(req.State) {
	case session.ActivityIdle, session.ActivityBusy, session.ActivityExited:
		state = session.ActivityState(req.State)
	default:
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid state: "+req.State)
		return
	}

	if err := s.registry.SetActivityState(name, state, req.Event, req.Tool); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	task, err := s.registry.TaskStatus(name)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type hookResponse struct {
	Applied []string `json:"applied"`
}

// handleHook ingests out-of-band lifecycle events from the hook
// script. An explicit session id wins over the cwd hint; a hook with
// neither is rejected.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var hook activity.Hook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	applied, err := s.registry.ApplyHook(hook)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if applied == nil {
		applied = []string{}
	}
	writeJSON(w, http.StatusOK, hookResponse{Applied: applied})
}
