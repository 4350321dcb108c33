// Package scorer answers one question per cycle: which interface does
// the oracle prefer right now. CommandScorer delegates the answer to an
// operator-supplied executable, PingScorer probes the candidates
// directly.
package scorer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/retry"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

// CommandScorer runs an external command. The command receives the
// current primary as its last argument and prints the recommended
// interface name on stdout, optionally followed by a numeric score.
type CommandScorer struct {
	name   string
	args   []string
	runner *retry.Runner
	logger *logx.Logger
}

// NewCommandScorer splits cmdline on whitespace. There is no shell
// interpretation.
func NewCommandScorer(cmdline string, logger *logx.Logger) (*CommandScorer, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("scorer command cannot be empty")
	}
	return &CommandScorer{
		name:   fields[0],
		args:   fields[1:],
		runner: retry.NewRunner(retry.DefaultConfig()),
		logger: logger,
	}, nil
}

// Recommend implements pkg.Scorer.
func (s *CommandScorer) Recommend(ctx context.Context, current string) (*pkg.ScoreRecommendation, error) {
	args := append(append([]string{}, s.args...), current)
	out, err := s.runner.Output(ctx, s.name, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrScorerUnavailable, err)
	}
	rec, err := parseRecommendation(string(out))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Scorer recommendation", "interface", rec.Interface)
	return rec, nil
}

// parseRecommendation reads "wwan0" or "wwan0 87.5" from the first
// line of scorer output.
func parseRecommendation(output string) (*pkg.ScoreRecommendation, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty scorer output", pkg.ErrScorerUnavailable)
	}

	rec := &pkg.ScoreRecommendation{Interface: fields[0]}
	if len(fields) > 1 {
		if score, err := strconv.ParseFloat(fields[1], 64); err == nil {
			rec.Score = &score
		}
	}
	return rec, nil
}

// New picks the scorer for the config: the configured command when
// set, the builtin ping scorer when probe targets exist, nil when
// neither is usable. The engine skips the score rule on nil.
func New(config *uci.Config, logger *logx.Logger) pkg.Scorer {
	if config.ScorerCmd != "" {
		s, err := NewCommandScorer(config.ScorerCmd, logger)
		if err != nil {
			logger.Warn("Invalid scorer command, falling back to ping scorer", "error", err)
		} else {
			return s
		}
	}
	if len(config.PingTargets) == 0 {
		return nil
	}
	return NewPingScorer([]string{config.PrimaryIface, config.BackupIface}, config.PingTargets, logger)
}
