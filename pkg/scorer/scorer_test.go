package scorer

import (
	"context"
	"errors"
	"testing"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "scorer-test")
}

func TestParseRecommendation(t *testing.T) {
	t.Run("name_only", func(t *testing.T) {
		rec, err := parseRecommendation("wwan0\n")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if rec.Interface != "wwan0" || rec.Score != nil {
			t.Errorf("Unexpected recommendation %+v", rec)
		}
	})

	t.Run("name_and_score", func(t *testing.T) {
		rec, err := parseRecommendation("wwan0 87.5\n")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if rec.Interface != "wwan0" {
			t.Errorf("Unexpected interface %q", rec.Interface)
		}
		if rec.Score == nil || *rec.Score != 87.5 {
			t.Errorf("Unexpected score %v", rec.Score)
		}
	})

	t.Run("first_line_wins", func(t *testing.T) {
		rec, err := parseRecommendation("wan\ndebug: ignored\n")
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if rec.Interface != "wan" {
			t.Errorf("Unexpected interface %q", rec.Interface)
		}
	})

	t.Run("empty_output", func(t *testing.T) {
		_, err := parseRecommendation("  \n")
		if !errors.Is(err, pkg.ErrScorerUnavailable) {
			t.Errorf("Expected ErrScorerUnavailable, got %v", err)
		}
	})
}

func TestCommandScorer(t *testing.T) {
	scorer, err := NewCommandScorer("echo wwan0", testLogger())
	if err != nil {
		t.Fatalf("NewCommandScorer failed: %v", err)
	}

	rec, err := scorer.Recommend(context.Background(), "wan")
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if rec.Interface != "wwan0" {
		t.Errorf("Unexpected interface %q", rec.Interface)
	}
}

func TestCommandScorerEmptyCommand(t *testing.T) {
	if _, err := NewCommandScorer("  ", testLogger()); err == nil {
		t.Fatal("Expected error for empty command")
	}
}

func TestCommandScorerFailure(t *testing.T) {
	scorer, err := NewCommandScorer("false", testLogger())
	if err != nil {
		t.Fatalf("NewCommandScorer failed: %v", err)
	}
	scorer.runner = fastRunner()

	_, err = scorer.Recommend(context.Background(), "wan")
	if !errors.Is(err, pkg.ErrScorerUnavailable) {
		t.Errorf("Expected ErrScorerUnavailable, got %v", err)
	}
}

func TestNewPicksImplementation(t *testing.T) {
	t.Run("command_when_configured", func(t *testing.T) {
		cfg := &uci.Config{ScorerCmd: "echo wan", PingTargets: []string{"8.8.8.8"}}
		if _, ok := New(cfg, testLogger()).(*CommandScorer); !ok {
			t.Error("Expected command scorer")
		}
	})

	t.Run("ping_fallback", func(t *testing.T) {
		cfg := &uci.Config{PrimaryIface: "wan", BackupIface: "wwan0", PingTargets: []string{"8.8.8.8"}}
		if _, ok := New(cfg, testLogger()).(*PingScorer); !ok {
			t.Error("Expected ping scorer")
		}
	})

	t.Run("nil_without_targets", func(t *testing.T) {
		cfg := &uci.Config{PrimaryIface: "wan", BackupIface: "wwan0"}
		if s := New(cfg, testLogger()); s != nil {
			t.Errorf("Expected nil scorer, got %T", s)
		}
	})
}
