// Package pidfile guards against concurrent monitor instances. The
// state file lock serializes single cycles; the pidfile pins the whole
// daemon lifetime and stays readable for operators and init scripts.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile pins one daemon instance to a path on disk.
type PIDFile struct {
	path string
	pid  int
}

// New creates a guard for the current process.
func New(path string) *PIDFile {
	return &PIDFile{
		path: path,
		pid:  os.Getpid(),
	}
}

// Path returns the pidfile location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire claims the pidfile. A live owner makes it fail; a stale file
// left behind by a crashed instance is replaced.
func (p *PIDFile) Acquire() error {
	if pid, err := p.read(); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("daemon already running with PID %d", pid)
		}
		if err := os.Remove(p.path); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	return nil
}

// Release removes the pidfile when this process owns it. A pidfile
// claimed by another PID is left alone.
func (p *PIDFile) Release() error {
	pid, err := p.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		// Unreadable content cannot belong to a live instance.
		return os.Remove(p.path)
	}
	if pid != p.pid {
		return fmt.Errorf("PID file contains PID %d, not %d, leaving it", pid, p.pid)
	}

	return os.Remove(p.path)
}

// CheckRunning reports whether a live instance owns the pidfile, and
// which PID it claims.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	return processAlive(pid), pid, nil
}

// ForceRemove deletes the pidfile regardless of ownership. For cleanup
// paths only.
func (p *PIDFile) ForceRemove() error {
	return os.Remove(p.path)
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}

	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %q", raw)
	}

	return pid, nil
}
