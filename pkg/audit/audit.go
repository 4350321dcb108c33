// Package audit persists decision events so every failover, failback,
// and blocked trigger can be reconstructed after the fact. The CSV
// trail is the always-on record; the sqlite archive adds queryable
// history for the status surface.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
)

// csvHeader matches the column order written by Record.
var csvHeader = []string{"timestamp", "eventType", "fromInterface", "toInterface", "result", "reason"}

// CSVRecorder appends decision events to a CSV file, one row per
// event. The file is opened per write so external log rotation needs
// no coordination with the daemon.
type CSVRecorder struct {
	mu     sync.Mutex
	path   string
	logger *logx.Logger
}

// NewCSVRecorder creates a recorder appending to the given path. The
// file and its directory are created on first write.
func NewCSVRecorder(path string, logger *logx.Logger) *CSVRecorder {
	return &CSVRecorder{path: path, logger: logger}
}

// Record appends one event. The header row is written when the file
// does not exist yet.
func (r *CSVRecorder) Record(event pkg.DecisionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	needHeader := false
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		needHeader = true
	}

	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if needHeader {
		if err := writer.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	row := []string{
		event.Timestamp.UTC().Format(time.RFC3339),
		event.Type,
		event.From,
		event.To,
		event.Result,
		event.Reason,
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}

	writer.Flush()
	return writer.Error()
}
