package sessionaudit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/database"
	"github.com/gluk-w/claworc/termkeep/internal/logging"
	"github.com/gluk-w/claworc/termkeep/internal/termsession"
	"gorm.io/gorm"
)

// DefaultRetentionDays is the default number of days to keep events.
const DefaultRetentionDays = 90

// Entry contains the fields needed to record one event.
type Entry struct {
	SessionID    string
	SessionName  string
	EventType    string
	ConnectionID string
	Details      string
	At           time.Time
}

// Auditor records session lifecycle events in the database and the
// standard logger. It implements termsession.EventSink.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

var _ termsession.EventSink = (*Auditor)(nil)

// NewAuditor creates an Auditor writing to db, migrating its table if
// needed. If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&database.SessionEvent{}); err != nil {
		return nil, fmt.Errorf("migrate session events: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Log records an event.
func (a *Auditor) Log(entry Entry) error {
	at := entry.At
	if at.IsZero() {
		at = a.nowFn()
	}
	record := database.SessionEvent{
		SessionID:    entry.SessionID,
		SessionName:  entry.SessionName,
		EventType:    entry.EventType,
		ConnectionID: entry.ConnectionID,
		Details:      entry.Details,
		CreatedAt:    at,
	}

	a.mu.Lock()
	err := a.db.Create(&record).Error
	a.mu.Unlock()
	if err != nil {
		log.Printf("[session-audit] failed to write event: %v", err)
		return err
	}

	log.Printf("[session-audit] %s session=%s name=%s conn=%s details=%s",
		entry.EventType,
		entry.SessionID,
		logging.Sanitize(entry.SessionName),
		logging.Sanitize(entry.ConnectionID),
		logging.Sanitize(entry.Details),
	)
	return nil
}

// SessionEvent records a registry lifecycle event.
func (a *Auditor) SessionEvent(ev termsession.Event) {
	a.Log(Entry{
		SessionID:    ev.SessionID,
		SessionName:  ev.SessionName,
		EventType:    string(ev.Kind),
		ConnectionID: ev.ConnectionID,
		Details:      ev.Detail,
		At:           ev.At,
	})
}

// QueryOptions specifies filters for retrieving events.
type QueryOptions struct {
	SessionID string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains events and pagination metadata.
type QueryResult struct {
	Entries []database.SessionEvent `json:"entries"`
	Total   int64                   `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Query retrieves events matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.SessionEvent{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SessionEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes events older than days, or the configured
// retention period when days is 0. It returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionEvent{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[session-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[session-audit] purged %d events older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
