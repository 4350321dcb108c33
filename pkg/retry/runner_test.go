package retry

import (
	"context"
	"strings"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	if err := runner.Run(context.Background(), "true"); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	runner := NewRunner(fastConfig())

	start := time.Now()
	err := runner.Run(context.Background(), "false")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Error must name the attempt count, got %v", err)
	}
	// Two backoff waits: 10ms then 20ms.
	if elapsed < 30*time.Millisecond {
		t.Errorf("Expected backoff delays, finished in %v", elapsed)
	}
}

func TestOutputReturnsStdout(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	out, err := runner.Output(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	runner := NewRunner(Config{
		MaxAttempts:   10,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := runner.Run(ctx, "false")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Cancellation must stop the retry loop, took %v", elapsed)
	}
}

func TestNewRunnerNormalizesConfig(t *testing.T) {
	runner := NewRunner(Config{})

	if runner.config.MaxAttempts != 1 {
		t.Errorf("Expected single attempt floor, got %d", runner.config.MaxAttempts)
	}
	if runner.config.BackoffFactor <= 1.0 {
		t.Errorf("Expected backoff factor above one, got %f", runner.config.BackoffFactor)
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	runner := NewRunner(fastConfig())

	if d := runner.delay(1); d != 10*time.Millisecond {
		t.Errorf("First delay %v", d)
	}
	if d := runner.delay(10); d != 50*time.Millisecond {
		t.Errorf("Expected capped delay, got %v", d)
	}
}
