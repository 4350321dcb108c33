// Package retry runs external commands with bounded retries and
// exponential backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"time"
)

// Config controls how many attempts a runner makes and how it spaces
// them. Zero values are replaced with defaults by NewRunner.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultConfig returns the retry profile used for route commands and
// the external scorer.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Runner executes commands, retrying transient failures.
type Runner struct {
	config Config
}

// NewRunner creates a runner, normalizing nonsensical config values.
func NewRunner(config Config) *Runner {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffFactor <= 1.0 {
		config.BackoffFactor = 2.0
	}
	return &Runner{config: config}
}

// Output runs the command and returns its stdout, retrying on failure.
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out []byte
	err := r.attempt(ctx, func() error {
		var err error
		out, err = exec.CommandContext(ctx, name, args...).Output()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Run runs the command discarding output, retrying on failure.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	return r.attempt(ctx, func() error {
		return exec.CommandContext(ctx, name, args...).Run()
	})
}

func (r *Runner) attempt(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("command failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *Runner) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	return time.Duration(d)
}
