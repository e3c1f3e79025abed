package handlers

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/database"
	"github.com/gluk-w/claworc/termkeep/internal/sessionaudit"
	"github.com/gluk-w/claworc/termkeep/internal/termsession"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm/logger"
)

// setupTestServer wires a registry, loopback backend and audit trail into
// the package globals and serves the full route table.
func setupTestServer(t *testing.T) (*termsession.Registry, *httptest.Server) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.Default.LogMode(logger.Silent))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	auditor, err := sessionaudit.NewAuditor(db, 0)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}

	reg, err := termsession.NewRegistry(termsession.Options{
		StateDir:          t.TempDir(),
		DefaultWorkingDir: "/srv/work",
		ReplayDelay:       -1,
		Events:            auditor,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	prevSessions, prevBackend, prevAudit, prevDB := Sessions, TerminalBackend, Audit, database.DB
	Sessions = reg
	TerminalBackend = NewLoopbackBackend(reg)
	Audit = auditor
	database.DB = db

	mux := chi.NewRouter()
	RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		reg.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		Sessions, TerminalBackend, Audit, database.DB = prevSessions, prevBackend, prevAudit, prevDB
	})
	return reg, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/terminal"
	if query != "" {
		u += "?" + query
	}
	return u
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
