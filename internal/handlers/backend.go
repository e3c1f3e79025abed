package handlers

import (
	"context"
	"log"
	"sync"

	"github.com/gluk-w/claworc/termkeep/internal/termsession"
)

// Backend consumes terminal input for a session. Its output reaches the
// client through Registry.WriteOutput, so it is buffered and checkpointed
// whether or not a connection is attached.
type Backend interface {
	Input(ctx context.Context, sessionID string, data []byte) error
	Resize(sessionID string, cols, rows uint16) error
	// Pause stops output delivery until Resume.
	Pause(sessionID string)
	Resume(ctx context.Context, sessionID string) error
	// Release drops any state kept for a destroyed session.
	Release(sessionID string)
}

// maxPausedOutput caps the output a paused loopback session holds back.
const maxPausedOutput = 1024 * 1024

// LoopbackBackend echoes input back as output.
type LoopbackBackend struct {
	sessions *termsession.Registry

	mu     sync.Mutex
	paused map[string]*pausedOutput
}

type pausedOutput struct {
	chunks [][]byte
	size   int
}

// NewLoopbackBackend returns a backend that writes output through reg.
func NewLoopbackBackend(reg *termsession.Registry) *LoopbackBackend {
	return &LoopbackBackend{
		sessions: reg,
		paused:   make(map[string]*pausedOutput),
	}
}

// Input echoes data as session output, or queues it while the session is
// paused. Queued output past maxPausedOutput is dropped.
func (b *LoopbackBackend) Input(ctx context.Context, sessionID string, data []byte) error {
	b.mu.Lock()
	if p, ok := b.paused[sessionID]; ok {
		if p.size+len(data) > maxPausedOutput {
			b.mu.Unlock()
			log.Printf("[loopback] session %s: paused output over %d bytes, dropping %d bytes", sessionID, maxPausedOutput, len(data))
			return nil
		}
		p.chunks = append(p.chunks, append([]byte(nil), data...))
		p.size += len(data)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.sessions.WriteOutput(ctx, sessionID, data)
}

// Resize is a no-op; there is no process to signal.
func (b *LoopbackBackend) Resize(sessionID string, cols, rows uint16) error {
	return nil
}

// Pause holds back output for the session until Resume.
func (b *LoopbackBackend) Pause(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.paused[sessionID]; !ok {
		b.paused[sessionID] = &pausedOutput{}
	}
}

// Resume flushes held-back output in order.
func (b *LoopbackBackend) Resume(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	p, ok := b.paused[sessionID]
	delete(b.paused, sessionID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	for _, chunk := range p.chunks {
		if err := b.sessions.WriteOutput(ctx, sessionID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Release discards any output held back for the session.
func (b *LoopbackBackend) Release(sessionID string) {
	b.mu.Lock()
	delete(b.paused, sessionID)
	b.mu.Unlock()
}

// Paused reports whether output for the session is held back.
func (b *LoopbackBackend) Paused(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.paused[sessionID]
	return ok
}
