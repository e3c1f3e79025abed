package termsession

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// uuidLength is the length of a canonical textual UUID.
	uuidLength = 36
	// MaxIDLength is the longest accepted legacy session id.
	MaxIDLength = 64
)

// newRandomUUID is swapped in tests to simulate entropy failure.
var newRandomUUID = uuid.NewRandom

var fallbackCounter atomic.Uint32

// NewID returns a fresh RFC 4122 version 4 session id. If the system
// entropy source fails it falls back to an id derived from the clock and
// process id, still shaped like a v4 UUID so it passes ValidateID.
func NewID() string {
	id, err := newRandomUUID()
	if err == nil {
		return id.String()
	}
	log.Printf("[registry] random session id unavailable, using time-based fallback: %v", err)
	return fallbackID(time.Now(), os.Getpid(), fallbackCounter.Add(1))
}

func fallbackID(now time.Time, pid int, counter uint32) string {
	sec := uint32(now.Unix())
	nsec := uint32(now.Nanosecond())
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%08x%04x",
		sec,
		uint16(nsec>>16),
		0x4000|uint16(counter&0x0fff),
		0x8000|uint16(pid&0x3fff),
		nsec,
		uint16(pid),
	)
}

// ValidateID accepts a 36-character UUID-shaped id (hex digits with hyphens
// at positions 8, 13, 18 and 23) or a legacy token of 1 to 64 characters
// from [A-Za-z0-9_-].
func ValidateID(id string) error {
	if isUUIDShaped(id) || isLegacyID(id) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidID, truncateForError(id))
}

func isUUIDShaped(id string) bool {
	if len(id) != uuidLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(c) {
				return false
			}
		}
	}
	return true
}

func isLegacyID(id string) bool {
	if len(id) == 0 || len(id) > MaxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func truncateForError(s string) string {
	if len(s) > MaxIDLength {
		return s[:MaxIDLength] + "..."
	}
	return s
}
