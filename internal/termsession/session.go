package termsession

import (
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
)

// EnvVar is one entry of a session's ordered environment.
type EnvVar = checkpoint.EnvVar

// State is the lifecycle state of a session as seen from outside.
type State string

const (
	// StateCreated means no connection has ever been attached.
	StateCreated State = "created"
	// StateAttached means a live connection is bound to the session.
	StateAttached State = "attached"
	// StateDetached means the session has been attached before and is now
	// waiting for a reconnect.
	StateDetached State = "detached"
)

// Terminal size limits applied by Resize.
const (
	DefaultCols = 80
	DefaultRows = 24
	MaxCols     = 500
	MaxRows     = 200
)

// DefaultName is given to sessions created without a name.
const DefaultName = "Unnamed Session"

// SessionInfo is a point-in-time copy of a session's metadata. It is the
// only form in which sessions leave the Registry.
type SessionInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Command        string    `json:"command"`
	WorkingDir     string    `json:"working_directory"`
	Env            []EnvVar  `json:"environment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed"`
	LastSaved      time.Time `json:"last_saved"`
	Active         bool      `json:"is_active"`
	State          State     `json:"state"`
	NeedsSave      bool      `json:"needs_save"`
	PID            int       `json:"process_pid"`
	Cols           uint16    `json:"terminal_cols"`
	Rows           uint16    `json:"terminal_rows"`
	BufferSize     int       `json:"buffer_size"`
	BufferCapacity int       `json:"buffer_capacity"`
	TotalBytes     uint64    `json:"total_bytes_written"`
	SaveCount      uint64    `json:"save_count"`
	ConnectionID   string    `json:"connection_id,omitempty"`
}

// session is the registry-owned record of one terminal. All fields are
// guarded by Registry.mu.
type session struct {
	id         string
	name       string
	command    string
	workingDir string
	env        []EnvVar

	createdAt    time.Time
	lastAccessed time.Time
	lastSaved    time.Time

	cols, rows uint16
	pid        int

	buffer *Buffer

	attachment   *Attachment
	everAttached bool

	dirty bool
	// version is bumped on every change so a checkpoint that raced with a
	// mutation does not clear the dirty flag.
	version uint64

	totalBytes uint64
	saveCount  uint64
}

func (s *session) active() bool { return s.attachment != nil }

// touch records an access at now and marks the session dirty.
func (s *session) touch(now time.Time) {
	s.lastAccessed = now
	s.markDirty()
}

func (s *session) markDirty() {
	s.dirty = true
	s.version++
}

func (s *session) needsSaving(now time.Time, interval time.Duration) bool {
	return s.dirty || now.Sub(s.lastSaved) > interval
}

func (s *session) state() State {
	switch {
	case s.attachment != nil:
		return StateAttached
	case s.everAttached:
		return StateDetached
	default:
		return StateCreated
	}
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:             s.id,
		Name:           s.name,
		Command:        s.command,
		WorkingDir:     s.workingDir,
		Env:            append([]EnvVar(nil), s.env...),
		CreatedAt:      s.createdAt,
		LastAccessed:   s.lastAccessed,
		LastSaved:      s.lastSaved,
		Active:         s.active(),
		State:          s.state(),
		NeedsSave:      s.dirty,
		PID:            s.pid,
		Cols:           s.cols,
		Rows:           s.rows,
		BufferSize:     s.buffer.Len(),
		BufferCapacity: s.buffer.Cap(),
		TotalBytes:     s.totalBytes,
		SaveCount:      s.saveCount,
	}
	if s.attachment != nil {
		info.ConnectionID = s.attachment.conn.ID()
	}
	return info
}

// record snapshots the session for a checkpoint. The save counter in the
// record already counts the write it is about to be used for.
func (s *session) record() *checkpoint.Record {
	return &checkpoint.Record{
		ID:             s.id,
		Name:           s.name,
		Command:        s.command,
		WorkingDir:     s.workingDir,
		Env:            append([]EnvVar(nil), s.env...),
		CreatedAt:      s.createdAt,
		LastAccessed:   s.lastAccessed,
		Cols:           s.cols,
		Rows:           s.rows,
		PID:            s.pid,
		TotalBytes:     s.totalBytes,
		SaveCount:      s.saveCount + 1,
		Buffer:         s.buffer.Contents(),
		BufferCapacity: s.buffer.Cap(),
	}
}

func clampSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = 1
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows == 0 {
		rows = 1
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}
