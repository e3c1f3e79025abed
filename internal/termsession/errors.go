package termsession

import (
	"errors"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
)

var (
	// ErrInvalidID is returned for a missing or malformed session id.
	ErrInvalidID = errors.New("invalid session id")
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrIO wraps checkpoint and state directory failures.
	ErrIO = checkpoint.ErrIO
	// ErrCorruptedState is returned when a checkpoint cannot be decoded.
	ErrCorruptedState = checkpoint.ErrCorruptedState
)
