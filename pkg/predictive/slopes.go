package predictive

import (
	"fmt"

	"github.com/sajari/regression"

	"github.com/markus-lassfolk/satfail/pkg"
)

// MinSlopeSamples is the smallest history window worth fitting.
const MinSlopeSamples = 3

// Slopes are fitted per-minute rates of change over a history window.
// They feed the metrics exporter and the status output; the failover
// rules only ever use the two-sample trend.
type Slopes struct {
	SNRPerMin     float64 `json:"snr_per_min"`
	LatencyPerMin float64 `json:"latency_per_min"` // ms per minute
	LossPerMin    float64 `json:"loss_per_min"`    // fraction per minute
	Samples       int     `json:"samples"`
}

// EstimateSlopes fits linear trends over the given history, oldest
// first. Returns an error when the window is too small for a fit.
func EstimateSlopes(history []pkg.LinkMetrics) (*Slopes, error) {
	if len(history) < MinSlopeSamples {
		return nil, fmt.Errorf("need at least %d samples, have %d", MinSlopeSamples, len(history))
	}

	base := history[0].Timestamp
	minutes := make([]float64, len(history))
	for i, m := range history {
		minutes[i] = m.Timestamp.Sub(base).Minutes()
	}

	snr, err := fitSlope("snr", minutes, history, func(m pkg.LinkMetrics) float64 { return m.SNR })
	if err != nil {
		return nil, err
	}
	latency, err := fitSlope("latency_ms", minutes, history, func(m pkg.LinkMetrics) float64 { return float64(m.LatencyMS) })
	if err != nil {
		return nil, err
	}
	loss, err := fitSlope("loss_fraction", minutes, history, func(m pkg.LinkMetrics) float64 { return m.LossFraction })
	if err != nil {
		return nil, err
	}

	return &Slopes{
		SNRPerMin:     snr,
		LatencyPerMin: latency,
		LossPerMin:    loss,
		Samples:       len(history),
	}, nil
}

func fitSlope(name string, minutes []float64, history []pkg.LinkMetrics, value func(pkg.LinkMetrics) float64) (float64, error) {
	r := new(regression.Regression)
	r.SetObserved(name)
	r.SetVar(0, "minutes")
	for i, m := range history {
		r.Train(regression.DataPoint(value(m), []float64{minutes[i]}))
	}
	if err := r.Run(); err != nil {
		return 0, fmt.Errorf("failed to fit %s slope: %w", name, err)
	}
	return r.Coeff(1), nil
}
