// Package state persists the engine's FailoverState between cycles.
// The format is newline-delimited key=value so field techs can read and
// repair it with vi over ssh. Saves are atomic; a corrupt or missing
// file never stops the engine, it just restarts from defaults.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
)

// Store reads and writes FailoverState at a fixed path.
type Store struct {
	path           string
	defaultPrimary string
	logger         *logx.Logger

	lockFile *os.File
}

// NewStore creates a store. defaultPrimary seeds CurrentPrimary on
// first run and after state corruption.
func NewStore(path, defaultPrimary string, logger *logx.Logger) *Store {
	return &Store{
		path:           path,
		defaultPrimary: defaultPrimary,
		logger:         logger,
	}
}

// Defaults returns the state a fresh installation starts from.
func (s *Store) Defaults() pkg.FailoverState {
	return pkg.FailoverState{CurrentPrimary: s.defaultPrimary}
}

// Load reads the persisted state. Absent or malformed files yield
// defaults; only genuine I/O errors propagate.
func (s *Store) Load() (pkg.FailoverState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Debug("State file absent, starting from defaults", "path", s.path)
		return s.Defaults(), nil
	}
	if err != nil {
		return s.Defaults(), fmt.Errorf("failed to read state file: %w", err)
	}

	state, parseErr := parseState(data)
	if parseErr != nil {
		s.logger.Warn("State file corrupt, starting from defaults",
			"path", s.path, "error", parseErr)
		return s.Defaults(), nil
	}
	if state.CurrentPrimary == "" {
		s.logger.Warn("State file missing current_primary, starting from defaults", "path", s.path)
		return s.Defaults(), nil
	}
	return state, nil
}

func parseState(data []byte) (pkg.FailoverState, error) {
	var state pkg.FailoverState
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return state, fmt.Errorf("line %d: no key=value separator", i+1)
		}
		key, value := parts[0], parts[1]
		switch key {
		case "current_primary":
			state.CurrentPrimary = value
		case "failover_pending":
			state.FailoverPending = value == "1"
		case "stability_counter":
			v, err := strconv.Atoi(value)
			if err != nil || v < 0 {
				return state, fmt.Errorf("line %d: bad stability_counter %q", i+1, value)
			}
			state.StabilityCounter = v
		case "failback_counter":
			v, err := strconv.Atoi(value)
			if err != nil || v < 0 {
				return state, fmt.Errorf("line %d: bad failback_counter %q", i+1, value)
			}
			state.FailbackCounter = v
		case "last_action_epoch":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v < 0 {
				return state, fmt.Errorf("line %d: bad last_action_epoch %q", i+1, value)
			}
			state.LastActionEpoch = v
		case "last_recommendation":
			state.LastRecommendation = value
		default:
			// Unknown keys are tolerated so newer builds can add fields.
		}
	}
	return state, nil
}

func marshalState(state pkg.FailoverState) []byte {
	pending := "0"
	if state.FailoverPending {
		pending = "1"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "current_primary=%s\n", state.CurrentPrimary)
	fmt.Fprintf(&b, "failover_pending=%s\n", pending)
	fmt.Fprintf(&b, "stability_counter=%d\n", state.StabilityCounter)
	fmt.Fprintf(&b, "failback_counter=%d\n", state.FailbackCounter)
	fmt.Fprintf(&b, "last_action_epoch=%d\n", state.LastActionEpoch)
	fmt.Fprintf(&b, "last_recommendation=%s\n", state.LastRecommendation)
	return []byte(b.String())
}

// Save writes the state atomically: temp file in the same directory,
// fsync, rename over the old file.
func (s *Store) Save(state pkg.FailoverState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(marshalState(state)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
