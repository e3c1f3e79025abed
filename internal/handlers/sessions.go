package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/termkeep/internal/logging"
	"github.com/go-chi/chi/v5"
)

const (
	defaultTailLines = 100
	maxTailLines     = 10000
)

type createSessionRequest struct {
	Name             string `json:"name"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory"`
	Cols             uint16 `json:"terminal_cols"`
	Rows             uint16 `json:"terminal_rows"`
}

type updateSessionRequest struct {
	Name *string `json:"name"`
	Cols *uint16 `json:"terminal_cols"`
	Rows *uint16 `json:"terminal_rows"`
}

func requireSessions(w http.ResponseWriter) bool {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return false
	}
	return true
}

// ListSessions returns every session, oldest first.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": Sessions.List(),
	})
}

// CreateSession handles POST /api/v1/sessions. The body is optional.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	info := Sessions.CreateNew(req.Name, req.Command, req.WorkingDirectory)
	if req.Cols > 0 && req.Rows > 0 {
		resized, err := Sessions.Resize(info.ID, req.Cols, req.Rows)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		info = resized
	}
	writeJSON(w, http.StatusCreated, info)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	info, err := Sessions.FindByID(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// UpdateSession handles PATCH /api/v1/sessions/{sessionId}: rename and/or
// resize.
func UpdateSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	id := chi.URLParam(r, "sessionId")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == nil && req.Cols == nil && req.Rows == nil {
		writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}
	if req.Name != nil && *req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name must not be empty")
		return
	}

	info, err := Sessions.FindByID(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if req.Name != nil {
		if info, err = Sessions.Rename(id, *req.Name); err != nil {
			writeSessionError(w, err)
			return
		}
	}
	if req.Cols != nil || req.Rows != nil {
		cols, rows := info.Cols, info.Rows
		if req.Cols != nil {
			cols = *req.Cols
		}
		if req.Rows != nil {
			rows = *req.Rows
		}
		if info, err = Sessions.Resize(id, cols, rows); err != nil {
			writeSessionError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteSession destroys a session, closing its connection if attached.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	id := chi.URLParam(r, "sessionId")

	existed, err := Sessions.HandleExplicitClose(id)
	if err != nil && !existed {
		writeSessionError(w, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if TerminalBackend != nil {
		TerminalBackend.Release(id)
	}
	if err != nil {
		// The session is gone; only its checkpoint file lingers.
		log.Printf("[sessions] session %s closed with error: %v", logging.Sanitize(id), err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// SaveSession checkpoints one session immediately.
func SaveSession(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	id := chi.URLParam(r, "sessionId")
	if err := Sessions.Save(id); err != nil {
		writeSessionError(w, err)
		return
	}
	info, err := Sessions.FindByID(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetSessionTail returns the most recent output lines of a session.
func GetSessionTail(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	lines := defaultTailLines
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid lines")
			return
		}
		lines = min(n, maxTailLines)
	}

	id := chi.URLParam(r, "sessionId")
	out, err := Sessions.Tail(id, lines)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"lines":      out,
	})
}

func GetStats(w http.ResponseWriter, r *http.Request) {
	if !requireSessions(w) {
		return
	}
	writeJSON(w, http.StatusOK, Sessions.Stats())
}
