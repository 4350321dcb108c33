package pkg

import (
	"errors"
	"fmt"
)

// ErrMetricsUnavailable wraps any failure to reach the metrics source.
// The engine treats it as a first-class failover trigger.
var ErrMetricsUnavailable = errors.New("metrics source unavailable")

// ErrScorerUnavailable means the scorer could not produce an answer this
// cycle. The engine skips the score rule and continues.
var ErrScorerUnavailable = errors.New("scorer unavailable")

// ConfigError is a fatal configuration problem detected before the first
// cycle runs.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Option == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: option %s: %s", e.Option, e.Reason)
}

// Switch legs, used to tell a failed deactivation from a failed activation.
const (
	SwitchLegDown   = "down"
	SwitchLegUp     = "up"
	SwitchLegCommit = "commit"
)

// SwitchError is a route-switch failure tied to a specific leg and
// interface, so the engine knows whether a rollback is worth attempting.
type SwitchError struct {
	Leg       string
	Interface string
	Err       error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("route switch %s leg failed on %s: %v", e.Leg, e.Interface, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }
