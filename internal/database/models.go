package database

import "time"

// SessionEvent is one row of the session lifecycle audit trail.
type SessionEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"index;size:64;not null" json:"session_id"`
	SessionName  string    `json:"session_name"`
	EventType    string    `gorm:"index;size:32;not null" json:"event_type"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}
