package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
	"github.com/gluk-w/claworc/termkeep/internal/config"
	"github.com/gluk-w/claworc/termkeep/internal/termsession"
)

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s, err := config.Parse("")
	if err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	s.StateDir = t.TempDir()
	return s
}

func TestApplyFlags(t *testing.T) {
	s := testSettings(t)
	fs, f, err := parseFlags([]string{"--listen", "127.0.0.1:9000", "--list-sessions"})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	stateDir := s.StateDir
	if err := applyFlags(fs, f, &s); err != nil {
		t.Fatalf("apply flags: %v", err)
	}
	if s.ListenAddr != "127.0.0.1:9000" || !f.listSessions {
		t.Errorf("listen = %q, list = %v", s.ListenAddr, f.listSessions)
	}
	if s.StateDir != stateDir {
		t.Errorf("unset --state-dir changed StateDir to %q", s.StateDir)
	}

	fs, f, _ = parseFlags([]string{"--state-dir="})
	if err := applyFlags(fs, f, &s); err == nil {
		t.Error("empty --state-dir should fail validation")
	}
}

func TestRegistryOptions(t *testing.T) {
	s := testSettings(t)
	s.Compression = "zstd"
	s.BufferSize = 4096

	opts := registryOptions(s, nil)
	if opts.StateDir != s.StateDir || opts.BufferCapacity != 4096 || opts.MaxSessions != s.MaxSessions {
		t.Errorf("options = %+v", opts)
	}
	if opts.Encoding != checkpoint.EncodingZstd {
		t.Errorf("encoding = %q", opts.Encoding)
	}
	if opts.ReplayDelay != time.Millisecond {
		t.Errorf("replay delay = %v, want 1ms", opts.ReplayDelay)
	}

	s.ReplayDelay = 0
	if d := registryOptions(s, nil).ReplayDelay; d >= 0 {
		t.Errorf("zero config delay mapped to %v, want disabled", d)
	}
}

func TestScheduler_MaintenanceJob(t *testing.T) {
	s := testSettings(t)
	reg, err := termsession.NewRegistry(registryOptions(s, nil))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	sched, err := newScheduler(s, reg, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if n := len(sched.cron.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1 without an auditor", n)
	}

	info := reg.CreateNew("pending", "", "")
	sched.cron.Entry(sched.maintenance).WrappedJob.Run()

	got, err := reg.FindByID(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NeedsSave || got.SaveCount != 1 {
		t.Errorf("maintenance did not checkpoint: %+v", got)
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := testSettings(t)
	s.MaintenanceSchedule = "every second"
	reg, err := termsession.NewRegistry(registryOptions(s, nil))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if _, err := newScheduler(s, reg, nil); err == nil || !strings.Contains(err.Error(), "maintenance schedule") {
		t.Errorf("expected maintenance schedule error, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	if err := listSessions(&out, filepath.Join(dir, "missing")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No sessions") {
		t.Errorf("missing dir output = %q", out.String())
	}

	store, err := checkpoint.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	store.Save(&checkpoint.Record{
		ID:           "550e8400-e29b-41d4-a716-446655440000",
		Name:         "build\nbox",
		CreatedAt:    time.Unix(1760000000, 0),
		LastAccessed: time.Unix(1760000300, 0),
		Cols:         80,
		Rows:         24,
		SaveCount:    2,
		Buffer:       []byte("hello"),
	})

	out.Reset()
	if err := listSessions(&out, dir); err != nil {
		t.Fatalf("listSessions: %v", err)
	}
	text := out.String()
	for _, want := range []string{"550e8400-e29b-41d4-a716-446655440000", "build box", "2025-10-09T08:53:20Z"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}
