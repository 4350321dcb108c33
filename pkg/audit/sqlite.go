package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
)

// SQLiteRecorder archives decision events in a sqlite database so the
// status surface can answer "what happened recently" without parsing
// the CSV trail.
type SQLiteRecorder struct {
	db     *sql.DB
	dbPath string
	logger *logx.Logger
}

// NewSQLiteRecorder opens (or creates) the archive at the given path.
func NewSQLiteRecorder(path string, logger *logx.Logger) (*SQLiteRecorder, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	r := &SQLiteRecorder{db: db, dbPath: path, logger: logger}
	if err := r.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return r, nil
}

func (r *SQLiteRecorder) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS decision_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_interface TEXT,
		to_interface TEXT,
		result TEXT,
		reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decision_events_timestamp ON decision_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decision_events_type ON decision_events(event_type);
	`

	_, err := r.db.Exec(createTableSQL)
	return err
}

// Record inserts one event. Timestamps are stored as RFC3339 UTC text
// so lexicographic and chronological order agree.
func (r *SQLiteRecorder) Record(event pkg.DecisionEvent) error {
	insertSQL := `
	INSERT INTO decision_events (timestamp, event_type, from_interface, to_interface, result, reason)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(insertSQL,
		event.Timestamp.UTC().Format(time.RFC3339),
		event.Type,
		event.From,
		event.To,
		event.Result,
		event.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to store decision event: %w", err)
	}

	return nil
}

// Recent returns up to limit events, newest first. Ordering by id
// keeps same-second events in insert order.
func (r *SQLiteRecorder) Recent(limit int) ([]pkg.DecisionEvent, error) {
	query := `
	SELECT timestamp, event_type, from_interface, to_interface, result, reason
	FROM decision_events
	ORDER BY id DESC
	LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []pkg.DecisionEvent
	for rows.Next() {
		var event pkg.DecisionEvent
		var stamp string

		if err := rows.Scan(&stamp, &event.Type, &event.From, &event.To, &event.Result, &event.Reason); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(time.RFC3339, stamp); err == nil {
			event.Timestamp = parsed
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// Prune deletes events older than the retention window and reports
// how many rows went away.
func (r *SQLiteRecorder) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)

	result, err := r.db.Exec("DELETE FROM decision_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decision events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		r.logger.Info("audit_retention_cleanup",
			"deleted_events", deleted,
			"cutoff", cutoff,
		)
	}

	return deleted, nil
}

// Close closes the database connection.
func (r *SQLiteRecorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
