package pkg

import (
	"context"
	"fmt"
	"time"
)

// Decision event types, in the order they appear in the audit trail.
const (
	EventEvaluation     = "EVALUATION"
	EventFailover       = "FAILOVER"
	EventFailback       = "FAILBACK"
	EventFailoverFailed = "FAILOVER_FAILED"
)

// Action results recorded against FAILOVER and FAILBACK events.
// EVALUATION rows carry no result.
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// Engine phases derived from FailoverState.
const (
	PhaseActive          = "ACTIVE"
	PhasePendingFailover = "PENDING_FAILOVER"
	PhaseFailedOver      = "FAILED_OVER"
	PhasePendingFailback = "PENDING_FAILBACK"
)

// LinkMetrics is one snapshot of primary-link quality. Snapshots are
// immutable once captured; a new one is produced each cycle.
type LinkMetrics struct {
	SNR                  float64   `json:"snr"`
	LatencyMS            int       `json:"latency_ms"`
	LossFraction         float64   `json:"loss_fraction"`
	ObstructionFraction  float64   `json:"obstruction_fraction"`
	ReacquisitionWindowS *float64  `json:"reacquisition_window_s,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// FailoverState is the engine's persistent memory between cycles.
// Exactly one interface is primary at any time.
type FailoverState struct {
	CurrentPrimary     string `json:"current_primary"`
	FailoverPending    bool   `json:"failover_pending"`
	StabilityCounter   int    `json:"stability_counter"`
	FailbackCounter    int    `json:"failback_counter"`
	LastActionEpoch    int64  `json:"last_action_epoch"`
	LastRecommendation string `json:"last_recommendation"`
}

// Phase maps the stored fields onto the engine's state machine, relative
// to the configured primary interface.
func (s FailoverState) Phase(configuredPrimary string) string {
	if s.CurrentPrimary == configuredPrimary {
		if s.FailoverPending {
			return PhasePendingFailover
		}
		return PhaseActive
	}
	if s.FailbackCounter > 0 {
		return PhasePendingFailback
	}
	return PhaseFailedOver
}

// InCooldown reports whether an action executed recently enough that
// ordinary triggers must hold off.
func (s FailoverState) InCooldown(now time.Time, cooldown time.Duration) bool {
	if s.LastActionEpoch == 0 || cooldown <= 0 {
		return false
	}
	return now.Unix()-s.LastActionEpoch < int64(cooldown.Seconds())
}

// DecisionEvent is one append-only audit record.
type DecisionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"event_type"`
	From      string    `json:"from_interface,omitempty"`
	To        string    `json:"to_interface,omitempty"`
	Result    string    `json:"result,omitempty"`
	Reason    string    `json:"reason"`
}

// ScoreRecommendation is a scorer's answer for the current cycle.
type ScoreRecommendation struct {
	Interface string   `json:"interface"`
	Score     *float64 `json:"score,omitempty"`
}

// Thresholds are the tuning knobs the decision rules compare against.
// Loss and obstruction are fractions in [0,1]; conversion from the
// percent form used in configuration happens at load time.
type Thresholds struct {
	LatencySpikeMS      int
	LossSpikeFraction   float64
	SNRDropThreshold    float64
	HandoffThresholdS   float64
	StabilityChecks     int
	FailbackChecks      int
	Cooldown            time.Duration
	SpikeBypassCooldown bool
	FailbackObstruction float64
}

// MetricsSource produces fresh metrics for the primary uplink. A failed
// or timed-out collection is a failover signal, not just an error.
type MetricsSource interface {
	Collect(ctx context.Context) (*LinkMetrics, error)
}

// Scorer answers "which interface do you recommend right now?".
type Scorer interface {
	Recommend(ctx context.Context, current string) (*ScoreRecommendation, error)
}

// RouteSwitcher moves the default route from one interface to another.
// Implementations report per-leg failures via SwitchError so callers
// can decide how to roll back.
type RouteSwitcher interface {
	Apply(ctx context.Context, from, to string) error
}

// String renders a metrics snapshot for log lines.
func (m LinkMetrics) String() string {
	win := "none"
	if m.ReacquisitionWindowS != nil {
		win = fmt.Sprintf("%.0fs", *m.ReacquisitionWindowS)
	}
	return fmt.Sprintf("snr=%.1f latency=%dms loss=%.1f%% obstruction=%.1f%% reacq=%s",
		m.SNR, m.LatencyMS, m.LossFraction*100, m.ObstructionFraction*100, win)
}
