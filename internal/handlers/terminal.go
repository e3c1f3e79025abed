package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/claworc/termkeep/internal/logging"
	"github.com/gluk-w/claworc/termkeep/internal/termsession"
	"github.com/google/uuid"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// MaxInputMessageSize caps the payload of a single input frame.
const MaxInputMessageSize = 64 * 1024

// terminalReadLimit is the largest frame read from a client.
const terminalReadLimit = 1024 * 1024

// Sessions and TerminalBackend are set from main.go during init.
var (
	Sessions        *termsession.Registry
	TerminalBackend Backend
)

type termResizeMsg struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// wsConn adapts a WebSocket to termsession.Conn.
type wsConn struct {
	id     string
	remote string
	ws     *websocket.Conn
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// TerminalWS attaches a WebSocket client to a terminal session.
//
// Query parameters:
//   - session_id: (optional) session to attach to. An unknown id creates a
//     session with that id; an absent one creates a fresh session.
//   - cwd: (optional) working directory for a newly created session.
//
// The first message is a JSON text frame carrying the session id. The
// session's buffered output is then replayed, followed by live output.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	reg, backend := Sessions, TerminalBackend
	if reg == nil || backend == nil {
		http.Error(w, "Session registry not initialized", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = termsession.NewID()
	}
	if err := termsession.ValidateID(sessionID); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}
	cwd := r.URL.Query().Get("cwd")

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal-ws] Failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(terminalReadLimit)

	ctx := r.Context()
	conn := &wsConn{id: uuid.NewString(), remote: r.RemoteAddr, ws: clientConn}

	// Send session ID to client so it can reconnect later
	sessionInfo, _ := json.Marshal(map[string]string{
		"type":       "session_info",
		"session_id": sessionID,
	})
	if err := clientConn.Write(ctx, websocket.MessageText, sessionInfo); err != nil {
		return
	}

	if _, err := reg.HandleIncomingConnection(ctx, sessionID, conn, cwd); err != nil {
		log.Printf("[terminal-ws] session %s: attach from %s failed: %v", sessionID, logging.Sanitize(conn.remote), err)
		reg.HandleDisconnection(sessionID, conn)
		clientConn.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	log.Printf("[terminal-ws] session %s: connection %s from %s attached", sessionID, conn.id, logging.Sanitize(conn.remote))

	defer detachTerminal(reg, backend, sessionID, conn)

	relayTerminalInput(ctx, clientConn, reg, backend, sessionID)
	clientConn.Close(websocket.StatusNormalClosure, "")
}

// relayTerminalInput reads client frames until the connection fails or the
// session is destroyed.
func relayTerminalInput(ctx context.Context, clientConn *websocket.Conn, reg *termsession.Registry, backend Backend, sessionID string) {
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		msgType, data, err := clientConn.Read(ctx)
		if err != nil {
			return
		}

		// Rate limit: drop messages that exceed the allowed rate
		if !limiter.allow() {
			continue
		}
		if msgType != websocket.MessageBinary || len(data) == 0 {
			continue
		}

		payload := data[1:]
		switch data[0] {
		case termsession.TagInput:
			if len(payload) > MaxInputMessageSize {
				log.Printf("[terminal-ws] session %s: input message too large: size=%d limit=%d", sessionID, len(payload), MaxInputMessageSize)
				continue
			}
			if err := backend.Input(ctx, sessionID, payload); err != nil {
				if errors.Is(err, termsession.ErrNotFound) {
					return
				}
				log.Printf("[terminal-ws] session %s: input: %v", sessionID, err)
			}
		case termsession.TagResize:
			var msg termResizeMsg
			if err := json.Unmarshal(payload, &msg); err != nil || msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			info, err := reg.Resize(sessionID, msg.Cols, msg.Rows)
			if err != nil {
				return
			}
			if err := backend.Resize(sessionID, info.Cols, info.Rows); err != nil {
				log.Printf("[terminal-ws] session %s: resize: %v", sessionID, err)
			}
		case termsession.TagPause:
			backend.Pause(sessionID)
		case termsession.TagResume:
			if err := backend.Resume(ctx, sessionID); err != nil {
				log.Printf("[terminal-ws] session %s: resume: %v", sessionID, err)
			}
		}
	}
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
	now        func() time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := tb.now()
	refill := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens += refill
		if tb.tokens > tb.maxTokens {
			tb.tokens = tb.maxTokens
		}
		tb.lastRefill = now
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// detachTerminal unbinds conn after its socket has gone away. Output held
// back by a pause is flushed only when conn was still the attached
// connection; a superseded connection leaves the pause to its successor.
func detachTerminal(reg *termsession.Registry, backend Backend, sessionID string, conn *wsConn) {
	detached, err := reg.HandleDisconnection(sessionID, conn)
	if err != nil && !errors.Is(err, termsession.ErrNotFound) {
		log.Printf("[terminal-ws] session %s: disconnect: %v", sessionID, err)
	}
	if !detached {
		log.Printf("[terminal-ws] session %s: connection %s closed", sessionID, conn.id)
		return
	}
	if err := backend.Resume(context.Background(), sessionID); err != nil && !errors.Is(err, termsession.ErrNotFound) {
		log.Printf("[terminal-ws] session %s: flush paused output: %v", sessionID, err)
	}
	log.Printf("[terminal-ws] session %s: connection %s detached", sessionID, conn.id)
}
