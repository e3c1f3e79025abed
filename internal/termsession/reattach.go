package termsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/logging"
)

// Message tags. Every frame starts with one tag byte.
const (
	// TagOutput prefixes terminal output sent to the client, both replayed
	// history and live output.
	TagOutput byte = '0'

	// Client to server.
	TagInput  byte = '0'
	TagResize byte = '1'
	TagPause  byte = '2'
	TagResume byte = '3'
)

// Close codes passed to Conn.Close.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	// CloseSuperseded is sent to a connection whose session was taken over
	// by a newer connection.
	CloseSuperseded = 4409
)

// Replay defaults.
const (
	DefaultReplayChunkSize = 8 * 1024
	DefaultReplayDelay     = time.Millisecond
)

// ErrDetached is returned by Attachment.Send once the connection is no
// longer bound to its session.
var ErrDetached = errors.New("connection detached from session")

// Conn is a live client connection owned by the transport. The registry
// never reads from it and never keeps it after it is detached.
type Conn interface {
	// ID identifies the connection in logs and events.
	ID() string
	// Write sends one binary frame. It must be safe to call concurrently
	// with Close.
	Write(ctx context.Context, frame []byte) error
	// Close ends the connection with a status code and reason.
	Close(code int, reason string) error
}

// Attachment binds one Conn to one session. All frames to the connection
// go through Send, which serializes them.
type Attachment struct {
	sessionID string
	conn      Conn

	sendMu   sync.Mutex
	detached atomic.Bool
}

// SessionID returns the id of the session the connection is bound to.
func (a *Attachment) SessionID() string { return a.sessionID }

// Conn returns the bound connection.
func (a *Attachment) Conn() Conn { return a.conn }

// Attached reports whether the binding is still current.
func (a *Attachment) Attached() bool { return !a.detached.Load() }

func (a *Attachment) detach() { a.detached.Store(true) }

// Send writes data to the connection as one output frame. Frames sent
// through the same Attachment are delivered in call order, and never
// before the history replay that started the attachment.
func (a *Attachment) Send(ctx context.Context, data []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.detached.Load() {
		return ErrDetached
	}
	return a.conn.Write(ctx, outputFrame(data))
}

func outputFrame(data []byte) []byte {
	frame := make([]byte, 1+len(data))
	frame[0] = TagOutput
	copy(frame[1:], data)
	return frame
}

// HandleIncomingConnection binds conn to the session requestedID, creating
// it when the id is unknown. A new session takes requestedID as both id and
// name and cwdHint as its working directory. A connection already bound to
// the session is detached and closed with CloseSuperseded.
//
// The session's buffered output is then replayed to conn in chunks. A
// replay failure is returned but leaves the session and the binding in
// place; the caller is expected to report the disconnection.
func (r *Registry) HandleIncomingConnection(ctx context.Context, requestedID string, conn Conn, cwdHint string) (SessionInfo, error) {
	if err := ValidateID(requestedID); err != nil {
		return SessionInfo{}, err
	}

	var events []Event

	r.mu.Lock()
	now := r.nowLocked()
	s, ok := r.sessions[requestedID]
	if !ok {
		s = r.newSessionLocked(requestedID, requestedID, "", cwdHint, now)
		events = append(events, Event{Kind: EventCreated, SessionID: s.id, SessionName: s.name, Detail: "on reattach", At: now})
		log.Printf("[reattach] session %s unknown, created", requestedID)
	}

	prev := s.attachment
	if prev != nil {
		prev.detach()
		events = append(events, Event{Kind: EventSuperseded, SessionID: s.id, SessionName: s.name, ConnectionID: prev.conn.ID(), At: now})
	}
	att := &Attachment{sessionID: s.id, conn: conn}
	s.attachment = att
	s.everAttached = true
	s.touch(now)
	r.recountLocked()
	events = append(events, Event{Kind: EventAttached, SessionID: s.id, SessionName: s.name, ConnectionID: conn.ID(), At: now})

	info := s.info()
	history := s.buffer.Contents()
	// Output appended after this point is delivered through att and must
	// queue behind the replay.
	att.sendMu.Lock()
	r.mu.Unlock()
	defer att.sendMu.Unlock()

	if prev != nil && prev.conn != conn {
		log.Printf("[reattach] session %s: connection %s superseded by %s",
			requestedID, logging.Sanitize(prev.conn.ID()), logging.Sanitize(conn.ID()))
		go prev.conn.Close(CloseSuperseded, "session attached elsewhere")
	}
	r.emit(events...)

	if err := r.replay(ctx, att, history); err != nil {
		log.Printf("[reattach] session %s: replay to %s aborted: %v", requestedID, logging.Sanitize(conn.ID()), err)
		return info, err
	}
	log.Printf("[reattach] session %s attached to %s, replayed %d bytes", requestedID, logging.Sanitize(conn.ID()), len(history))
	return info, nil
}

// replay sends history in ReplayChunkSize frames, pausing ReplayDelay
// between frames. The caller holds att.sendMu.
func (r *Registry) replay(ctx context.Context, att *Attachment, history []byte) error {
	chunk := r.opts.ReplayChunkSize
	sent := 0
	for sent < len(history) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("after %d of %d bytes: %w", sent, len(history), err)
		}
		if att.detached.Load() {
			return fmt.Errorf("after %d of %d bytes: %w", sent, len(history), ErrDetached)
		}
		end := min(sent+chunk, len(history))
		if err := att.conn.Write(ctx, outputFrame(history[sent:end])); err != nil {
			return fmt.Errorf("after %d of %d bytes: %w", sent, len(history), err)
		}
		sent = end
		if sent < len(history) && r.opts.ReplayDelay > 0 {
			t := time.NewTimer(r.opts.ReplayDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("after %d of %d bytes: %w", sent, len(history), ctx.Err())
			case <-t.C:
			}
		}
	}
	return nil
}

// HandleOutput appends output produced by the session's process to its
// buffer. It does not deliver the bytes; it returns the current
// attachment, or nil when detached, for the caller to Send through.
func (r *Registry) HandleOutput(id string, data []byte) (*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(data) == 0 {
		return s.attachment, nil
	}
	s.buffer.Append(data)
	s.totalBytes += uint64(len(data))
	s.touch(r.nowLocked())
	return s.attachment, nil
}

// WriteOutput records output with HandleOutput and forwards it to the
// attached connection, if any. A delivery failure is returned after the
// output has been buffered.
func (r *Registry) WriteOutput(ctx context.Context, id string, data []byte) error {
	att, err := r.HandleOutput(id, data)
	if err != nil || att == nil || len(data) == 0 {
		return err
	}
	if err := att.Send(ctx, data); err != nil && !errors.Is(err, ErrDetached) {
		return fmt.Errorf("deliver output for session %s: %w", id, err)
	}
	return nil
}

// HandleDisconnection unbinds conn from session id and checkpoints the
// session. It reports whether conn was the attached connection; a late
// report from a superseded connection detaches nothing, so it cannot
// unbind its successor. Checkpoint failures are logged.
func (r *Registry) HandleDisconnection(id string, conn Conn) (bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	att := s.attachment
	if att == nil || att.conn != conn {
		r.mu.Unlock()
		return false, nil
	}
	att.detach()
	s.attachment = nil
	now := r.nowLocked()
	s.touch(now)
	r.recountLocked()
	name := s.name
	r.mu.Unlock()

	log.Printf("[reattach] session %s detached from %s", id, logging.Sanitize(conn.ID()))
	r.emit(Event{Kind: EventDetached, SessionID: id, SessionName: name, ConnectionID: conn.ID(), At: now})

	if err := r.Save(id); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("[checkpoint] session %s: save on disconnect: %v", id, err)
	}
	return true, nil
}

// HandleExplicitClose ends a session at the user's request. It is
// Destroy.
func (r *Registry) HandleExplicitClose(id string) (bool, error) {
	return r.Destroy(id)
}
