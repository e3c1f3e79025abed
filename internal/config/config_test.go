package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
)

func TestParse_Defaults(t *testing.T) {
	s, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.MaxSessions != 100 {
		t.Errorf("MaxSessions = %d, want 100", s.MaxSessions)
	}
	if s.MaxInactiveAge != 7*24*time.Hour {
		t.Errorf("MaxInactiveAge = %v, want 168h", s.MaxInactiveAge)
	}
	if s.SaveInterval != 30*time.Second || s.CleanupInterval != time.Hour {
		t.Errorf("intervals = %v/%v", s.SaveInterval, s.CleanupInterval)
	}
	if s.BufferSize != 1<<20 || s.HistoryLines != 1000 {
		t.Errorf("buffer = %d/%d", s.BufferSize, s.HistoryLines)
	}
	if s.ReplayChunkSize != 8192 || s.ReplayDelay != time.Millisecond {
		t.Errorf("replay = %d/%v", s.ReplayChunkSize, s.ReplayDelay)
	}
	if s.MaintenanceSchedule != "@every 1s" {
		t.Errorf("MaintenanceSchedule = %q", s.MaintenanceSchedule)
	}
	if s.Encoding() != checkpoint.EncodingNone {
		t.Errorf("Encoding() = %q", s.Encoding())
	}
}

func TestParse_EnvironmentAndFile(t *testing.T) {
	t.Setenv("TERMKEEP_MAX_SESSIONS", "7")
	t.Setenv("TERMKEEP_STATE_DIR", "/from/env")
	t.Setenv("TERMKEEP_COMPRESSION", "lz4")

	path := filepath.Join(t.TempDir(), "termkeep.yaml")
	yml := "state_dir: /from/file\nsave_interval: 5s\ncompression: zstd\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.MaxSessions != 7 {
		t.Errorf("env value lost: MaxSessions = %d", s.MaxSessions)
	}
	if s.StateDir != "/from/file" {
		t.Errorf("file should override env: StateDir = %q", s.StateDir)
	}
	if s.SaveInterval != 5*time.Second {
		t.Errorf("SaveInterval = %v, want 5s", s.SaveInterval)
	}
	if s.Encoding() != checkpoint.EncodingZstd {
		t.Errorf("Encoding() = %q, want zstd", s.Encoding())
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Setenv("TERMKEEP_COMPRESSION", "brotli")
	t.Setenv("TERMKEEP_MAX_SESSIONS", "0")
	_, err := Parse("")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"brotli", "max_sessions"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestParse_MissingFile(t *testing.T) {
	if _, err := Parse(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_SetsGlobal(t *testing.T) {
	t.Setenv("TERMKEEP_LISTEN_ADDR", "127.0.0.1:9999")
	if err := Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if Cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("Cfg.ListenAddr = %q", Cfg.ListenAddr)
	}
}
