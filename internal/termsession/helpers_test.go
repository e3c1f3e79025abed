package termsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records frames and close calls.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	code   int
	reason string

	closed chan struct{}
	once   sync.Once

	// failAt, when positive, makes the failAt-th Write fail.
	failAt int
	writes int
	// block, when set, is waited on by the first Write.
	block   chan struct{}
	started chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, closed: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	c.writes++
	n := c.writes
	block := c.block
	c.mu.Unlock()

	if n == 1 && block != nil {
		close(c.started)
		<-block
	}
	if c.failAt > 0 && n >= c.failAt {
		return errors.New("write: broken pipe")
	}
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Payload concatenates all frames without their tag bytes.
func (c *fakeConn) Payload(t *testing.T) string {
	t.Helper()
	var out []byte
	for _, f := range c.Frames() {
		if len(f) == 0 || f[0] != TagOutput {
			t.Fatalf("frame %q lacks the output tag", f)
		}
		out = append(out, f[1:]...)
	}
	return string(out)
}

func (c *fakeConn) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s was not closed", c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1760000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventRecorder) SessionEvent(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventKind, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Kind
	}
	return out
}

// newTestRegistry builds a registry in a temp dir with a fake clock and no
// replay delay.
func newTestRegistry(t *testing.T, opts Options) (*Registry, *testClock) {
	t.Helper()
	if opts.StateDir == "" {
		opts.StateDir = t.TempDir()
	}
	if opts.ReplayDelay == 0 {
		opts.ReplayDelay = -1
	}
	if opts.DefaultWorkingDir == "" {
		opts.DefaultWorkingDir = "/srv/work"
	}
	reg, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	clock := newTestClock()
	reg.SetNowFunc(clock.Now)
	return reg, clock
}
