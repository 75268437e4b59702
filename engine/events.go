package engine

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/printernizer/printernizer/engine/db"
)

const coordinatorEventsMigration = `
CREATE TABLE IF NOT EXISTS coordinator_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    source TEXT NOT NULL,
    printer_id TEXT,
    event_type TEXT NOT NULL,
    external_id TEXT,
    external_name TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    details TEXT NOT NULL DEFAULT ''
) STRICT;

CREATE INDEX IF NOT EXISTS coordinator_events_source_created_idx
    ON coordinator_events (source, created);
CREATE INDEX IF NOT EXISTS coordinator_events_source_type_success_idx
    ON coordinator_events (source, event_type, success);
CREATE INDEX IF NOT EXISTS coordinator_events_printer_idx
    ON coordinator_events (printer_id);
`

// EventLogger records one row per notable occurrence in the connection,
// filepipeline, and autojob components: connect/disconnect, download
// outcome, auto-job creation. It is
// separate from the event bus: the bus is for live fan-out to subscribers,
// this is the durable audit trail consulted after the fact.
type EventLogger struct {
	db *sql.DB
}

// NewEventLogger creates an EventLogger and applies the coordinator_events
// table migration.
func NewEventLogger(database *sql.DB) *EventLogger {
	db.MustMigrate(database, coordinatorEventsMigration)
	return &EventLogger{db: database}
}

// LogEvent inserts one coordinator event.
//   - source: originating component ("connection", "filepipeline", "autojob", ...)
//   - printerID: empty string if the event isn't tied to one printer
//   - eventType: short event name ("connected", "download_failed", "job_created", ...)
//   - externalID: vendor-side identifier (serial number, filename) if any
//   - externalName: optional display name
//   - success: whether the operation succeeded
//   - details: free-form context, kept short
func (e *EventLogger) LogEvent(ctx context.Context, source, printerID, eventType, externalID, externalName string, success bool, details string) {
	if e == nil || e.db == nil {
		return
	}

	successInt := 0
	if success {
		successInt = 1
	}

	var printerPtr any
	if printerID != "" {
		printerPtr = printerID
	}

	var extIDPtr any
	if externalID != "" {
		extIDPtr = externalID
	}

	var extNamePtr any
	if externalName != "" {
		extNamePtr = externalName
	}

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO coordinator_events (source, printer_id, event_type, external_id, external_name, success, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		source, printerPtr, eventType, extIDPtr, extNamePtr, successInt, details)
	if err != nil {
		slog.Error("failed to log coordinator event", "error", err, "source", source, "eventType", eventType)
	}
}
