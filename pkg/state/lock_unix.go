//go:build !windows

package state

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock takes an exclusive advisory lock next to the state file. It
// blocks until any concurrent satfaild invocation finishes its cycle.
func (s *Store) Lock() error {
	if s.lockFile != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("failed to lock state: %w", err)
	}
	s.lockFile = f
	return nil
}

// Unlock releases the advisory lock.
func (s *Store) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	closeErr := s.lockFile.Close()
	s.lockFile = nil
	if err != nil {
		return fmt.Errorf("failed to unlock state: %w", err)
	}
	return closeErr
}
