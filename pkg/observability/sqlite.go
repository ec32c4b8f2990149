package observability

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type    TEXT NOT NULL,
	trace_id      TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   REAL,
	error_message TEXT,
	attributes    TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON events (trace_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
`

// SQLiteSink appends events to a local database file, giving runs a
// queryable history without any external service.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening event database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Deliver(event StructuredEvent) error {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (event_type, trace_id, timestamp, status, duration_ms, error_message, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(event.EventType),
		event.TraceID,
		event.Timestamp,
		string(event.Status),
		event.DurationMS,
		event.ErrorMessage,
		string(attrs),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// EventCount reports rows stored for one trace, or all rows when traceID
// is empty.
func (s *SQLiteSink) EventCount(traceID string) (int, error) {
	var count int
	var err error
	if traceID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE trace_id = ?`, traceID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// NewSQLiteExporter is a queued exporter over a SQLiteSink.
func NewSQLiteExporter(path string) (Exporter, error) {
	sink, err := NewSQLiteSink(path)
	if err != nil {
		return nil, err
	}
	return NewQueuedExporter("sqlite", sink, DefaultQueueSize), nil
}
