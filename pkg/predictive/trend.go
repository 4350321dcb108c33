// Package predictive analyzes link metrics for early signs of
// degradation, so a failover can happen before users notice.
package predictive

import (
	"fmt"

	"github.com/markus-lassfolk/satfail/pkg"
)

// TrendResult is the outcome of comparing two consecutive snapshots.
type TrendResult struct {
	Degrading   bool    `json:"degrading"`
	SignalDelta float64 `json:"signal_delta"` // positive when SNR is falling
	Reason      string  `json:"reason,omitempty"`
}

// AnalyzeTrend compares the previous and current snapshots. The link is
// degrading when SNR fell by more than the configured threshold while
// the next satellite reacquisition window is still far enough away that
// the dish will not recover on its own in time.
func AnalyzeTrend(previous, current pkg.LinkMetrics, thresholds pkg.Thresholds) TrendResult {
	delta := previous.SNR - current.SNR
	result := TrendResult{SignalDelta: delta}

	if delta <= thresholds.SNRDropThreshold {
		return result
	}
	if current.ReacquisitionWindowS == nil {
		// No upcoming gap reported; the drop alone is not actionable.
		return result
	}
	window := *current.ReacquisitionWindowS
	if window <= thresholds.HandoffThresholdS {
		return result
	}

	result.Degrading = true
	result.Reason = fmt.Sprintf(
		"SNR dropping: %.1f -> %.1f (delta %.1f > %.1f), reacquisition window %.0fs > %.0fs",
		previous.SNR, current.SNR, delta, thresholds.SNRDropThreshold,
		window, thresholds.HandoffThresholdS)
	return result
}
