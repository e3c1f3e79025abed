// Package sessionaudit keeps a queryable history of session lifecycle
// events (created, restored, attached, detached, superseded, renamed,
// destroyed, evicted) in SQLite through GORM.
//
// An [Auditor] is passed to the registry as its EventSink. Old events are
// removed by [Auditor.PurgeOlderThan], which the server schedules daily.
package sessionaudit
