package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/sessionaudit"
)

// Audit is set from main.go during init.
var Audit *sessionaudit.Auditor

// GetSessionEvents handles GET /api/v1/events.
// Query parameters:
//   - session_id (optional): filter by session
//   - event_type (optional): filter by event type
//   - since, until (optional): RFC 3339 time bounds
//   - limit (optional): number of entries per page (default 50, max 1000)
//   - offset (optional): pagination offset
func GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	if Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit trail not initialized")
		return
	}

	q := r.URL.Query()
	opts := sessionaudit.QueryOptions{
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
	}

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		s := q.Get(bound.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+bound.name)
			return
		}
		*bound.dst = &t
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	result, err := Audit.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query session events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
