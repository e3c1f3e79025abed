package termsession

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidateID(t *testing.T) {
	valid := []string{
		"550e8400-e29b-41d4-a716-446655440000",
		"550E8400-E29B-41D4-A716-446655440000",
		"session_123_1",
		"abc-session",
		"x",
		strings.Repeat("a", MaxIDLength),
	}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("a", 80),
		strings.Repeat("a", MaxIDLength+1),
		"has space",
		"../etc/passwd",
		"semi;colon",
		"dot.ted",
		"550e8400-e29b-41d4-a716-44665544000!",
	}
	for _, id := range invalid {
		err := ValidateID(id)
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if err := ValidateID(id); err != nil {
			t.Fatalf("NewID() produced invalid id %q: %v", id, err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("uuid.Parse(%q): %v", id, err)
		}
		if parsed.Version() != 4 || parsed.Variant() != uuid.RFC4122 {
			t.Fatalf("id %q: version=%d variant=%v", id, parsed.Version(), parsed.Variant())
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewID_EntropyFailureFallsBack(t *testing.T) {
	orig := newRandomUUID
	newRandomUUID = func() (uuid.UUID, error) {
		return uuid.Nil, errors.New("entropy source unavailable")
	}
	defer func() { newRandomUUID = orig }()

	a, b := NewID(), NewID()
	if a == b {
		t.Errorf("fallback ids collided: %q", a)
	}
	for _, id := range []string{a, b} {
		if len(id) != uuidLength {
			t.Errorf("fallback id %q has length %d, want %d", id, len(id), uuidLength)
		}
		if err := ValidateID(id); err != nil {
			t.Errorf("fallback id %q rejected: %v", id, err)
		}
	}
}

func TestFallbackID_VersionBits(t *testing.T) {
	id := fallbackID(time.Unix(1760000000, 123456789), 4242, 7)
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("uuid.Parse(%q): %v", id, err)
	}
	if parsed.Version() != 4 {
		t.Errorf("version = %d, want 4", parsed.Version())
	}
	if parsed.Variant() != uuid.RFC4122 {
		t.Errorf("variant = %v, want RFC4122", parsed.Variant())
	}
}
