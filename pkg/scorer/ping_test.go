package scorer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/retry"
)

func fastRunner() *retry.Runner {
	return retry.NewRunner(retry.Config{
		MaxAttempts:   1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2.0,
	})
}

func TestParsePingSummary(t *testing.T) {
	t.Run("iputils", func(t *testing.T) {
		output := `PING 8.8.8.8 (8.8.8.8) 56(84) bytes of data.
64 bytes from 8.8.8.8: icmp_seq=1 ttl=117 time=23.1 ms

--- 8.8.8.8 ping statistics ---
3 packets transmitted, 3 received, 0% packet loss, time 405ms
rtt min/avg/max/mdev = 12.345/23.456/34.567/1.234 ms`

		latency, loss, err := parsePingSummary(output)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if latency != 23.456 || loss != 0 {
			t.Errorf("Unexpected latency %f loss %f", latency, loss)
		}
	})

	t.Run("busybox", func(t *testing.T) {
		output := `PING 1.1.1.1 (1.1.1.1): 56 data bytes

--- 1.1.1.1 ping statistics ---
3 packets transmitted, 3 packets received, 0% packet loss
round-trip min/avg/max = 41.3/44.9/49.2 ms`

		latency, loss, err := parsePingSummary(output)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if latency != 44.9 || loss != 0 {
			t.Errorf("Unexpected latency %f loss %f", latency, loss)
		}
	})

	t.Run("total_loss", func(t *testing.T) {
		output := `PING 8.8.8.8 (8.8.8.8) 56(84) bytes of data.

--- 8.8.8.8 ping statistics ---
3 packets transmitted, 0 received, 100% packet loss, time 2034ms`

		latency, loss, err := parsePingSummary(output)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if latency != 0 || loss != 100 {
			t.Errorf("Unexpected latency %f loss %f", latency, loss)
		}
	})

	t.Run("no_summary", func(t *testing.T) {
		if _, _, err := parsePingSummary("garbage"); err == nil {
			t.Fatal("Expected error for missing summary")
		}
	})
}

func TestScoreProbe(t *testing.T) {
	cases := []struct {
		name      string
		latencyMS float64
		lossPct   float64
		want      float64
	}{
		{name: "perfect", latencyMS: 45, lossPct: 0, want: 100},
		{name: "slow", latencyMS: 1500, lossPct: 0, want: 60},
		{name: "lossy", latencyMS: 0, lossPct: 10, want: 40},
		{name: "dead", latencyMS: 1500, lossPct: 10, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := scoreProbe(tc.latencyMS, tc.lossPct); got != tc.want {
				t.Errorf("scoreProbe(%f, %f) = %f, want %f", tc.latencyMS, tc.lossPct, got, tc.want)
			}
		})
	}
}

// fakeProbe returns fixed results per interface, failing interfaces
// not listed.
func fakeProbe(results map[string][2]float64) func(context.Context, string, string) (float64, float64, error) {
	return func(_ context.Context, iface, _ string) (float64, float64, error) {
		r, ok := results[iface]
		if !ok {
			return 0, 0, fmt.Errorf("interface %s unreachable", iface)
		}
		return r[0], r[1], nil
	}
}

func newFakePingScorer(results map[string][2]float64) *PingScorer {
	s := NewPingScorer([]string{"wan", "wwan0"}, []string{"8.8.8.8", "1.1.1.1"}, testLogger())
	s.probe = fakeProbe(results)
	return s
}

func TestPingScorerSticksWithIncumbent(t *testing.T) {
	// Backup marginally better: stay on current.
	s := newFakePingScorer(map[string][2]float64{
		"wan":   {100, 0},
		"wwan0": {60, 0},
	})

	rec, err := s.Recommend(context.Background(), "wan")
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if rec.Interface != "wan" {
		t.Errorf("Expected incumbent wan, got %q", rec.Interface)
	}
}

func TestPingScorerPrefersClearWinner(t *testing.T) {
	s := newFakePingScorer(map[string][2]float64{
		"wan":   {1200, 8},
		"wwan0": {80, 0},
	})

	rec, err := s.Recommend(context.Background(), "wan")
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if rec.Interface != "wwan0" {
		t.Errorf("Expected wwan0, got %q", rec.Interface)
	}
	if rec.Score == nil || *rec.Score <= 90 {
		t.Errorf("Unexpected score %v", rec.Score)
	}
}

func TestPingScorerDeadIncumbent(t *testing.T) {
	s := newFakePingScorer(map[string][2]float64{
		"wwan0": {120, 1},
	})

	rec, err := s.Recommend(context.Background(), "wan")
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if rec.Interface != "wwan0" {
		t.Errorf("Expected wwan0 when incumbent is unreachable, got %q", rec.Interface)
	}
}

func TestPingScorerAllDead(t *testing.T) {
	s := newFakePingScorer(nil)

	_, err := s.Recommend(context.Background(), "wan")
	if !errors.Is(err, pkg.ErrScorerUnavailable) {
		t.Errorf("Expected ErrScorerUnavailable, got %v", err)
	}
}
