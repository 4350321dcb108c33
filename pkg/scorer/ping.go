package scorer

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
)

const probeCount = 3

// scoreMargin keeps the recommendation on the incumbent until a
// challenger is clearly better, so marginal differences do not flap.
const scoreMargin = 10.0

// PingScorer scores candidate interfaces by pinging targets through
// each one with interface-bound probes.
type PingScorer struct {
	ifaces  []string
	targets []string
	logger  *logx.Logger

	probe func(ctx context.Context, iface, target string) (latencyMS, lossPct float64, err error)
}

// NewPingScorer creates a scorer probing targets through each of the
// given interfaces. The first interface wins ties.
func NewPingScorer(ifaces, targets []string, logger *logx.Logger) *PingScorer {
	s := &PingScorer{ifaces: ifaces, targets: targets, logger: logger}
	s.probe = s.pingProbe
	return s
}

// Recommend implements pkg.Scorer.
func (s *PingScorer) Recommend(ctx context.Context, current string) (*pkg.ScoreRecommendation, error) {
	type candidate struct {
		iface  string
		score  float64
		probes int
	}

	var best candidate
	currentScore := 0.0
	currentProbed := false

	for _, iface := range s.ifaces {
		score, probes := s.scoreInterface(ctx, iface)
		if iface == current {
			currentScore = score
			currentProbed = probes > 0
		}
		if probes == 0 {
			s.logger.Debug("No ping targets answered", "interface", iface)
			continue
		}
		s.logger.Debug("Interface scored", "interface", iface, "score", score, "probes", probes)
		if best.probes == 0 || score > best.score {
			best = candidate{iface: iface, score: score, probes: probes}
		}
	}

	if best.probes == 0 {
		return nil, fmt.Errorf("%w: no interface answered any probe", pkg.ErrScorerUnavailable)
	}

	if best.iface != current && currentProbed && best.score-currentScore < scoreMargin {
		return &pkg.ScoreRecommendation{Interface: current, Score: &currentScore}, nil
	}
	return &pkg.ScoreRecommendation{Interface: best.iface, Score: &best.score}, nil
}

func (s *PingScorer) scoreInterface(ctx context.Context, iface string) (float64, int) {
	var latencies []float64
	lossTotal := 0.0
	probes := 0

	for _, target := range s.targets {
		latency, loss, err := s.probe(ctx, iface, target)
		if err != nil {
			continue
		}
		if latency > 0 {
			latencies = append(latencies, latency)
		}
		lossTotal += loss
		probes++
	}
	if probes == 0 {
		return 0, 0
	}

	latency := 0.0
	if len(latencies) > 0 {
		for _, l := range latencies {
			latency += l
		}
		latency /= float64(len(latencies))
	}
	return scoreProbe(latency, lossTotal/float64(probes)), probes
}

// scoreProbe turns one latency/loss pair into a 0-100 score. Loss
// dominates: a lossy link is worse than a slow one.
func scoreProbe(latencyMS, lossPct float64) float64 {
	score := 100.0
	score -= normalize(latencyMS, 50, 1500) * 40
	score -= normalize(lossPct, 0, 10) * 60
	return math.Max(0, math.Min(100, score))
}

func normalize(value, good, bad float64) float64 {
	if value <= good {
		return 0
	}
	if value >= bad {
		return 1
	}
	return (value - good) / (bad - good)
}

// pingProbe shells out to ping bound to the interface. Ping exits
// nonzero on total loss but still prints the summary, so output is
// parsed whenever present.
func (s *PingScorer) pingProbe(ctx context.Context, iface, target string) (float64, float64, error) {
	args := []string{"-c", strconv.Itoa(probeCount), "-W", "2", "-i", "0.2"}
	if iface != "" {
		args = append(args, "-I", iface)
	}
	args = append(args, target)

	out, err := exec.CommandContext(ctx, "ping", args...).Output()
	if err != nil && len(out) == 0 {
		return 0, 0, fmt.Errorf("ping %s via %s: %w", target, iface, err)
	}
	return parsePingSummary(string(out))
}

// parsePingSummary extracts average latency and loss from the summary
// lines that both iputils and busybox ping print:
//
//	3 packets transmitted, 3 received, 0% packet loss, time 405ms
//	rtt min/avg/max/mdev = 12.345/23.456/34.567/1.234 ms
func parsePingSummary(output string) (float64, float64, error) {
	latency := 0.0
	loss := -1.0

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.Contains(line, "packet loss") {
			for _, part := range strings.Split(line, ",") {
				part = strings.TrimSpace(part)
				if !strings.Contains(part, "packet loss") {
					continue
				}
				fields := strings.Fields(part)
				if len(fields) == 0 {
					continue
				}
				if v, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64); err == nil {
					loss = v
				}
			}
		}

		if strings.Contains(line, "min/avg/max") {
			_, after, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			values := strings.Split(strings.TrimSuffix(strings.TrimSpace(after), " ms"), "/")
			if len(values) >= 2 {
				if v, err := strconv.ParseFloat(values[1], 64); err == nil {
					latency = v
				}
			}
		}
	}

	if loss < 0 {
		return 0, 0, fmt.Errorf("no packet loss summary in ping output")
	}
	return latency, loss, nil
}
