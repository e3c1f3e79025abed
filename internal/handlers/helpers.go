package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gluk-w/claworc/termkeep/internal/termsession"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeSessionError maps registry errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, termsession.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid session ID")
	case errors.Is(err, termsession.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
