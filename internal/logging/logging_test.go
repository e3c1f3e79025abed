package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"two\nlines", "two lines"},
		{"cr\r\nlf", "cr  lf"},
		{"tab\there", "tab here"},
		{"bell\x07 and del\x7f", "bell and del"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitAndReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "termkeep.log")
	Init(path)
	t.Cleanup(func() {
		Close()
		log.SetOutput(os.Stderr)
	})

	if Path() != path {
		t.Fatalf("Path() = %q, want %q", Path(), path)
	}
	for _, msg := range []string{"first", "second", "third"} {
		log.Print(msg)
	}

	tail, err := ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), tail)
	}
	if !strings.HasSuffix(lines[0], "second") || !strings.HasSuffix(lines[1], "third") {
		t.Errorf("unexpected tail: %q", tail)
	}
}

func TestReadTailWithoutFile(t *testing.T) {
	Close()
	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty tail, got %q", tail)
	}
}
