package termsession

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
	"github.com/gluk-w/claworc/termkeep/internal/logging"
)

// Registry defaults.
const (
	DefaultMaxSessions     = 100
	DefaultMaxInactiveAge  = 7 * 24 * time.Hour
	DefaultSaveInterval    = 30 * time.Second
	DefaultCleanupInterval = time.Hour
	DefaultCommand         = "/bin/bash"
)

// Options configures a Registry. Zero fields take the package defaults.
type Options struct {
	// StateDir holds one <id>.state checkpoint per session. Required.
	StateDir string

	BufferCapacity int
	MaxLines       int

	// MaxSessions is the count above which inactive sessions are evicted,
	// least recently accessed first.
	MaxSessions int
	// MaxInactiveAge is how long an inactive session survives without
	// being accessed.
	MaxInactiveAge time.Duration
	// SaveInterval forces a checkpoint of sessions that have not been
	// saved for this long even if nothing changed.
	SaveInterval time.Duration
	// CleanupInterval is the minimum time between eviction passes run from
	// Maintenance.
	CleanupInterval time.Duration

	DefaultCommand    string
	DefaultWorkingDir string

	// ReplayChunkSize is the payload size of each replay frame.
	ReplayChunkSize int
	// ReplayDelay is the pause between replay frames. Negative disables it.
	ReplayDelay time.Duration

	// Encoding compresses checkpoint buffer sections.
	Encoding checkpoint.Encoding

	// Events, if set, receives lifecycle events.
	Events EventSink
}

func (o Options) withDefaults() Options {
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = DefaultBufferCapacity
	}
	if o.MaxLines <= 0 {
		o.MaxLines = DefaultMaxLines
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.MaxInactiveAge <= 0 {
		o.MaxInactiveAge = DefaultMaxInactiveAge
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = DefaultSaveInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.DefaultCommand == "" {
		o.DefaultCommand = DefaultCommand
	}
	if o.DefaultWorkingDir == "" {
		o.DefaultWorkingDir = homeDir()
	}
	if o.ReplayChunkSize <= 0 {
		o.ReplayChunkSize = DefaultReplayChunkSize
	}
	if o.ReplayDelay == 0 {
		o.ReplayDelay = DefaultReplayDelay
	}
	if o.Encoding == "" {
		o.Encoding = checkpoint.EncodingNone
	}
	return o
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/"
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Total        int       `json:"total_sessions"`
	Active       int       `json:"active_sessions"`
	Created      uint64    `json:"sessions_created"`
	Destroyed    uint64    `json:"sessions_destroyed"`
	Evicted      uint64    `json:"sessions_evicted"`
	Saves        uint64    `json:"save_operations"`
	SaveFailures uint64    `json:"save_failures"`
	Loads        uint64    `json:"load_operations"`
	LastCleanup  time.Time `json:"last_cleanup"`
	StateDir     string    `json:"state_directory"`
}

// Registry owns every session. Callers refer to sessions by id only and
// receive SessionInfo snapshots.
//
// Locking: mu guards the session map, every session and every buffer.
// ioMu serializes checkpoint writes with destroy and eviction so a file
// is never rewritten after its session was removed. ioMu is always taken
// before mu. Neither lock is held while talking to a connection.
type Registry struct {
	opts  Options
	store *checkpoint.Store

	ioMu sync.Mutex
	mu   sync.Mutex

	sessions    map[string]*session
	activeCount int
	lastCleanup time.Time

	created, destroyed, evicted uint64
	saves, saveFailures, loads  uint64

	events EventSink
	nowFn  func() time.Time
}

// NewRegistry opens the state directory and returns an empty registry.
// Call LoadFromDisk to restore checkpointed sessions.
func NewRegistry(opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	store, err := checkpoint.NewStore(opts.StateDir)
	if err != nil {
		return nil, err
	}
	store.Encoding = opts.Encoding
	if n, err := store.SweepTemp(); err != nil {
		log.Printf("[registry] sweep temp files in %s: %v", opts.StateDir, err)
	} else if n > 0 {
		log.Printf("[registry] removed %d interrupted checkpoint file(s) from %s", n, opts.StateDir)
	}

	r := &Registry{
		opts:     opts,
		store:    store,
		sessions: make(map[string]*session),
		events:   opts.Events,
		nowFn:    time.Now,
	}
	r.lastCleanup = r.now()
	return r, nil
}

// SetNowFunc overrides the clock. It is intended for tests.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = fn
	r.lastCleanup = r.nowLocked()
}

// now returns the current time at the one-second resolution used by
// checkpoints.
func (r *Registry) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowLocked()
}

func (r *Registry) nowLocked() time.Time {
	return r.nowFn().Truncate(time.Second)
}

// Options returns the effective options.
func (r *Registry) Options() Options { return r.opts }

// StateDir returns the checkpoint directory.
func (r *Registry) StateDir() string { return r.store.Dir() }

func (r *Registry) newSessionLocked(id, name, command, workingDir string, now time.Time) *session {
	if name == "" {
		name = DefaultName
	}
	if command == "" {
		command = r.opts.DefaultCommand
	}
	if workingDir == "" {
		workingDir = r.opts.DefaultWorkingDir
	}
	s := &session{
		id:           id,
		name:         name,
		command:      command,
		workingDir:   workingDir,
		createdAt:    now,
		lastAccessed: now,
		cols:         DefaultCols,
		rows:         DefaultRows,
		buffer:       NewBuffer(r.opts.BufferCapacity, r.opts.MaxLines),
	}
	s.markDirty()
	r.sessions[id] = s
	r.created++
	return s
}

// CreateNew creates a session with a fresh id. Empty arguments take the
// registry defaults.
func (r *Registry) CreateNew(name, command, workingDir string) SessionInfo {
	id := NewID()

	r.mu.Lock()
	for r.sessions[id] != nil {
		id = NewID()
	}
	s := r.newSessionLocked(id, name, command, workingDir, r.nowLocked())
	info := s.info()
	r.mu.Unlock()

	log.Printf("[registry] created session %s: name=%q command=%q cwd=%q",
		id, logging.Sanitize(info.Name), logging.Sanitize(info.Command), logging.Sanitize(info.WorkingDir))
	r.emit(Event{Kind: EventCreated, SessionID: id, SessionName: info.Name, At: info.CreatedAt})
	return info
}

// FindByID returns a snapshot of the session with the given id.
func (r *Registry) FindByID(id string) (SessionInfo, error) {
	if err := ValidateID(id); err != nil {
		return SessionInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.info(), nil
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of every session, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recountLocked()
	return Stats{
		Total:        len(r.sessions),
		Active:       r.activeCount,
		Created:      r.created,
		Destroyed:    r.destroyed,
		Evicted:      r.evicted,
		Saves:        r.saves,
		SaveFailures: r.saveFailures,
		Loads:        r.loads,
		LastCleanup:  r.lastCleanup,
		StateDir:     r.store.Dir(),
	}
}

// LogStats writes the registry counters to the log.
func (r *Registry) LogStats() {
	st := r.Stats()
	log.Printf("[registry] sessions total=%d active=%d created=%d destroyed=%d evicted=%d saves=%d save_failures=%d loads=%d dir=%s",
		st.Total, st.Active, st.Created, st.Destroyed, st.Evicted, st.Saves, st.SaveFailures, st.Loads, st.StateDir)
}

func (r *Registry) recountLocked() {
	n := 0
	for _, s := range r.sessions {
		if s.active() {
			n++
		}
	}
	r.activeCount = n
}

// update runs fn on the session with the given id under the registry lock.
func (r *Registry) update(id string, fn func(s *session, now time.Time)) (SessionInfo, error) {
	if err := ValidateID(id); err != nil {
		return SessionInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(s, r.nowLocked())
	return s.info(), nil
}

// Rename changes a session's display name.
func (r *Registry) Rename(id, name string) (SessionInfo, error) {
	if name == "" {
		return SessionInfo{}, errors.New("session name must not be empty")
	}
	info, err := r.update(id, func(s *session, now time.Time) {
		s.name = name
		s.touch(now)
	})
	if err != nil {
		return info, err
	}
	r.emit(Event{Kind: EventRenamed, SessionID: id, SessionName: name, At: info.LastAccessed})
	return info, nil
}

// Resize records the client's terminal size, clamped to 1..MaxCols by
// 1..MaxRows.
func (r *Registry) Resize(id string, cols, rows uint16) (SessionInfo, error) {
	cols, rows = clampSize(cols, rows)
	return r.update(id, func(s *session, now time.Time) {
		if s.cols == cols && s.rows == rows {
			return
		}
		s.cols, s.rows = cols, rows
		s.touch(now)
	})
}

// SetProcessID records the pid of the process backing the session. Zero
// means none.
func (r *Registry) SetProcessID(id string, pid int) (SessionInfo, error) {
	return r.update(id, func(s *session, _ time.Time) {
		if s.pid == pid {
			return
		}
		s.pid = pid
		s.markDirty()
	})
}

// SetEnvironment replaces the session's environment.
func (r *Registry) SetEnvironment(id string, env []EnvVar) (SessionInfo, error) {
	env = append([]EnvVar(nil), env...)
	return r.update(id, func(s *session, _ time.Time) {
		s.env = env
		s.markDirty()
	})
}

// Contents returns the session's buffered output, oldest first.
func (r *Registry) Contents(id string) ([]byte, error) {
	var out []byte
	_, err := r.update(id, func(s *session, _ time.Time) {
		out = s.buffer.Contents()
	})
	return out, err
}

// Tail returns up to n of the most recent output lines of a session.
func (r *Registry) Tail(id string, n int) ([]string, error) {
	var out []string
	_, err := r.update(id, func(s *session, _ time.Time) {
		for _, line := range s.buffer.Tail(n) {
			out = append(out, string(line))
		}
	})
	return out, err
}

// Destroy removes a session and its checkpoint and closes any attached
// connection. It reports whether the session existed.
func (r *Registry) Destroy(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}

	r.ioMu.Lock()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.ioMu.Unlock()
		return false, nil
	}
	delete(r.sessions, id)
	r.destroyed++
	att := s.attachment
	s.attachment = nil
	if att != nil {
		att.detach()
	}
	r.recountLocked()
	now := r.nowLocked()
	r.mu.Unlock()

	removeErr := r.store.Remove(id)
	r.ioMu.Unlock()

	if removeErr != nil {
		log.Printf("[registry] session %s: remove checkpoint: %v", id, removeErr)
	}
	if att != nil {
		if err := att.conn.Close(CloseNormal, "session closed"); err != nil {
			log.Printf("[registry] session %s: close connection %s: %v", id, logging.Sanitize(att.conn.ID()), err)
		}
	}
	log.Printf("[registry] destroyed session %s", id)
	r.emit(Event{Kind: EventDestroyed, SessionID: id, SessionName: s.name, At: now})
	return true, removeErr
}

// Save checkpoints one session.
func (r *Registry) Save(id string) error {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	return r.saveLocked(id)
}

// saveLocked writes the checkpoint for id. ioMu must be held.
func (r *Registry) saveLocked(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := s.record()
	version := s.version
	r.mu.Unlock()

	err := r.store.Save(rec)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.saveFailures++
		return fmt.Errorf("checkpoint session %s: %w", id, err)
	}
	r.saves++
	s.saveCount = rec.SaveCount
	s.lastSaved = r.nowLocked()
	if s.version == version {
		s.dirty = false
	}
	return nil
}

// SaveAll checkpoints every session that needs it. A failure for one
// session does not stop the others; all failures are joined into the
// returned error.
func (r *Registry) SaveAll() (int, error) {
	r.ioMu.Lock()
	defer r.ioMu.Unlock()

	var errs []error
	saved := 0
	for _, id := range r.pendingSaves() {
		if err := r.saveLocked(id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			log.Printf("[checkpoint] session %s: %v", id, err)
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

func (r *Registry) pendingSaves() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowLocked()
	var ids []string
	for id, s := range r.sessions {
		if s.needsSaving(now, r.opts.SaveInterval) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Maintenance is the periodic tick. It recounts active sessions,
// checkpoints every session that needs it and, once CleanupInterval has
// passed since the last pass, evicts stale sessions.
func (r *Registry) Maintenance() {
	r.mu.Lock()
	r.recountLocked()
	now := r.nowLocked()
	cleanupDue := now.Sub(r.lastCleanup) > r.opts.CleanupInterval
	r.mu.Unlock()

	if _, err := r.SaveAll(); err != nil {
		log.Printf("[registry] maintenance: checkpoint failures will be retried next tick")
	}
	if cleanupDue {
		if n := r.CleanupOld(); n > 0 {
			log.Printf("[registry] maintenance: evicted %d session(s)", n)
		}
	}
}

type eviction struct {
	s      *session
	rec    *checkpoint.Record
	reason string
}

// CleanupOld evicts inactive sessions that have not been accessed for
// MaxInactiveAge, then, while the registry holds more than MaxSessions,
// the least recently accessed inactive sessions. Attached sessions are
// never evicted. Each evicted session is checkpointed first if dirty and
// then its checkpoint is deleted. It returns the number evicted.
func (r *Registry) CleanupOld() int {
	r.ioMu.Lock()

	r.mu.Lock()
	now := r.nowLocked()
	r.lastCleanup = now

	var inactive []*session
	for _, s := range r.sessions {
		if !s.active() {
			inactive = append(inactive, s)
		}
	}
	sort.Slice(inactive, func(i, j int) bool {
		a, b := inactive[i], inactive[j]
		if !a.lastAccessed.Equal(b.lastAccessed) {
			return a.lastAccessed.Before(b.lastAccessed)
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.id < b.id
	})

	var victims []eviction
	remaining := len(r.sessions)
	for _, s := range inactive {
		var reason string
		switch {
		case now.Sub(s.lastAccessed) > r.opts.MaxInactiveAge:
			reason = fmt.Sprintf("inactive since %s", s.lastAccessed.UTC().Format(time.RFC3339))
		case remaining > r.opts.MaxSessions:
			reason = fmt.Sprintf("session limit %d exceeded", r.opts.MaxSessions)
		default:
			continue
		}
		ev := eviction{s: s, reason: reason}
		if s.dirty {
			ev.rec = s.record()
		}
		victims = append(victims, ev)
		delete(r.sessions, s.id)
		remaining--
		r.destroyed++
		r.evicted++
	}
	r.recountLocked()
	r.mu.Unlock()

	events := make([]Event, 0, len(victims))
	for _, v := range victims {
		if v.rec != nil {
			if err := r.store.Save(v.rec); err != nil {
				log.Printf("[checkpoint] session %s: final checkpoint before eviction: %v", v.s.id, err)
			}
		}
		if err := r.store.Remove(v.s.id); err != nil {
			log.Printf("[registry] session %s: remove checkpoint: %v", v.s.id, err)
		}
		log.Printf("[registry] evicted session %s: %s", v.s.id, v.reason)
		events = append(events, Event{Kind: EventEvicted, SessionID: v.s.id, SessionName: v.s.name, Detail: v.reason, At: now})
	}
	r.ioMu.Unlock()

	r.emit(events...)
	return len(victims)
}

// LoadFromDisk restores every checkpoint in the state directory whose id
// is not already held. Unreadable checkpoints are logged and skipped. It
// returns the number of sessions restored.
func (r *Registry) LoadFromDisk() (int, error) {
	ids, err := r.store.IDs()
	if err != nil {
		return 0, err
	}

	r.ioMu.Lock()
	var events []Event
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			log.Printf("[checkpoint] skipping state file %q: %v", logging.Sanitize(id), err)
			continue
		}
		info, err := r.loadLocked(id)
		if errors.Is(err, errAlreadyLoaded) {
			continue
		}
		if err != nil {
			log.Printf("[checkpoint] session %s: skipping checkpoint: %v", id, err)
			continue
		}
		events = append(events, Event{Kind: EventRestored, SessionID: id, SessionName: info.Name, At: info.LastSaved})
	}
	r.ioMu.Unlock()

	r.emit(events...)
	return len(events), nil
}

// LoadSession restores a single checkpoint. Unlike LoadFromDisk it
// reports ErrCorruptedState and ErrIO to the caller. Loading an id that
// is already held returns the live session unchanged.
func (r *Registry) LoadSession(id string) (SessionInfo, error) {
	if err := ValidateID(id); err != nil {
		return SessionInfo{}, err
	}
	r.ioMu.Lock()
	info, err := r.loadLocked(id)
	r.ioMu.Unlock()
	if errors.Is(err, errAlreadyLoaded) {
		return r.FindByID(id)
	}
	if err != nil {
		return SessionInfo{}, err
	}
	r.emit(Event{Kind: EventRestored, SessionID: id, SessionName: info.Name, At: info.LastSaved})
	return info, nil
}

var errAlreadyLoaded = errors.New("session already held")

// loadLocked reads the checkpoint for id and inserts the session. ioMu
// must be held.
func (r *Registry) loadLocked(id string) (SessionInfo, error) {
	r.mu.Lock()
	_, exists := r.sessions[id]
	r.mu.Unlock()
	if exists {
		return SessionInfo{}, errAlreadyLoaded
	}

	rec, err := r.store.Load(id)
	if err != nil {
		return SessionInfo{}, err
	}
	if rec.BufferErr != nil {
		log.Printf("[checkpoint] session %s: discarding buffer: %v", id, rec.BufferErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return SessionInfo{}, errAlreadyLoaded
	}
	s := r.sessionFromRecord(rec, r.nowLocked())
	r.sessions[id] = s
	r.loads++
	log.Printf("[checkpoint] loaded session %s: name=%q buffer=%d bytes", id, logging.Sanitize(s.name), s.buffer.Len())
	return s.info(), nil
}

func (r *Registry) sessionFromRecord(rec *checkpoint.Record, now time.Time) *session {
	s := &session{
		id:           rec.ID,
		name:         rec.Name,
		command:      rec.Command,
		workingDir:   rec.WorkingDir,
		env:          rec.Env,
		createdAt:    rec.CreatedAt,
		lastAccessed: rec.LastAccessed,
		lastSaved:    now,
		cols:         rec.Cols,
		rows:         rec.Rows,
		pid:          rec.PID,
		buffer:       NewBuffer(r.opts.BufferCapacity, r.opts.MaxLines),
		everAttached: true,
		totalBytes:   rec.TotalBytes,
		saveCount:    rec.SaveCount,
	}
	if s.command == "" {
		s.command = r.opts.DefaultCommand
	}
	if s.workingDir == "" {
		s.workingDir = r.opts.DefaultWorkingDir
	}
	if s.cols == 0 || s.rows == 0 {
		s.cols, s.rows = DefaultCols, DefaultRows
	}
	if s.createdAt.IsZero() {
		s.createdAt = now
	}
	if s.lastAccessed.IsZero() {
		s.lastAccessed = s.createdAt
	}
	s.buffer.Restore(rec.Buffer)
	// A checkpoint whose buffer was dropped is rewritten on the next tick.
	if rec.BufferErr != nil {
		s.markDirty()
	}
	return s
}

// Close checkpoints every session that needs it and closes all attached
// connections with CloseGoingAway. Sessions stay in memory, detached.
func (r *Registry) Close() error {
	r.mu.Lock()
	var atts []*Attachment
	var events []Event
	now := r.nowLocked()
	for _, s := range r.sessions {
		if s.attachment == nil {
			continue
		}
		att := s.attachment
		att.detach()
		s.attachment = nil
		s.touch(now)
		atts = append(atts, att)
		events = append(events, Event{Kind: EventDetached, SessionID: s.id, SessionName: s.name, ConnectionID: att.conn.ID(), Detail: "server shutdown", At: now})
	}
	r.recountLocked()
	r.mu.Unlock()

	_, err := r.SaveAll()

	var wg sync.WaitGroup
	for _, att := range atts {
		wg.Add(1)
		go func(att *Attachment) {
			defer wg.Done()
			att.conn.Close(CloseGoingAway, "server shutting down")
		}(att)
	}
	wg.Wait()

	r.emit(events...)
	return err
}
