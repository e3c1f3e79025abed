package termsession

import "time"

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventRestored   EventKind = "restored"
	EventAttached   EventKind = "attached"
	EventDetached   EventKind = "detached"
	EventSuperseded EventKind = "superseded"
	EventRenamed    EventKind = "renamed"
	EventDestroyed  EventKind = "destroyed"
	EventEvicted    EventKind = "evicted"
)

// Event describes one lifecycle transition of a session.
type Event struct {
	Kind         EventKind
	SessionID    string
	SessionName  string
	ConnectionID string
	Detail       string
	At           time.Time
}

// EventSink receives lifecycle events. SessionEvent is called without any
// registry lock held and may block; implementations that do slow work
// should hand off.
type EventSink interface {
	SessionEvent(Event)
}

func (r *Registry) emit(events ...Event) {
	if r.events == nil {
		return
	}
	for _, ev := range events {
		r.events.SessionEvent(ev)
	}
}
