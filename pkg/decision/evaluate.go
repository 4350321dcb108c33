// Package decision implements the failover decision engine: a pure
// rule evaluation over one metrics snapshot, and the cycle machinery
// that feeds it and executes what it decides.
package decision

import (
	"fmt"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/predictive"
)

// Action kinds.
const (
	ActionNone     = "none"
	ActionFailover = "failover"
	ActionFailback = "failback"
)

// Action is what one evaluation wants done. Kind none with a non-empty
// Reason is an observation; Audit marks observations that belong in the
// decision trail rather than just the log.
type Action struct {
	Kind   string
	From   string
	To     string
	Reason string
	Audit  bool
}

// Policy is the static half of an evaluation: the interface pair and
// the thresholds.
type Policy struct {
	Primary    string
	Backup     string
	Thresholds pkg.Thresholds
}

// Evaluate runs the failover rules over one cycle's inputs and returns
// the updated bookkeeping state plus the action to take. It never
// touches CurrentPrimary or LastActionEpoch; those change only when an
// action actually executes.
//
// current == nil means the metrics source was unreachable.
// previous == nil means there is no history to compare against.
// recommendation == nil means the scorer was unavailable this cycle.
//
// Rules are checked in a fixed order and the first match wins:
// unreachability, reactive spikes, predictive trend, scorer stability,
// failback. Every trigger except unreachability is subject to the
// cooldown window; a blocked trigger degrades to an audited
// observation.
func Evaluate(policy Policy, state pkg.FailoverState, current, previous *pkg.LinkMetrics, recommendation *pkg.ScoreRecommendation, now time.Time) (pkg.FailoverState, Action) {
	th := policy.Thresholds
	onPrimary := state.CurrentPrimary == policy.Primary

	// Rule 1: unreachable metrics source. Bypasses cooldown; with no
	// telemetry at all the primary cannot be trusted.
	if current == nil {
		if !onPrimary {
			if state.FailbackCounter != 0 {
				state.FailbackCounter = 0
				return state, Action{Kind: ActionNone, Reason: "Primary metrics unavailable, failback progress reset"}
			}
			return state, Action{Kind: ActionNone}
		}
		return state, Action{
			Kind:   ActionFailover,
			From:   state.CurrentPrimary,
			To:     policy.Backup,
			Reason: "Metrics source unreachable",
		}
	}

	if onPrimary {
		// Rule 2: reactive spikes.
		if reason, spiking := spikeReason(*current, th); spiking {
			action := Action{
				Kind:   ActionFailover,
				From:   state.CurrentPrimary,
				To:     policy.Backup,
				Reason: reason,
			}
			return gate(state, action, th.SpikeBypassCooldown, now, th)
		}

		// Rule 3: predictive trend. Needs a previous sample.
		if previous != nil {
			if trend := predictive.AnalyzeTrend(*previous, *current, th); trend.Degrading {
				action := Action{
					Kind:   ActionFailover,
					From:   state.CurrentPrimary,
					To:     policy.Backup,
					Reason: trend.Reason,
				}
				return gate(state, action, false, now, th)
			}
		}

		// Rule 4: scorer stability window.
		if recommendation == nil {
			return state, Action{Kind: ActionNone}
		}
		return evaluateScore(policy, state, *recommendation, now)
	}

	// Failed over: the only way forward is rule 5, failback once the
	// primary has been healthy for the larger stability window.
	if reason, healthy := failbackHealth(*current, th); !healthy {
		if state.FailbackCounter != 0 {
			state.FailbackCounter = 0
			return state, Action{Kind: ActionNone, Reason: "Failback progress reset: " + reason}
		}
		return state, Action{Kind: ActionNone}
	}

	state.FailbackCounter = min(state.FailbackCounter+1, th.FailbackChecks)
	if state.FailbackCounter < th.FailbackChecks {
		return state, Action{Kind: ActionNone}
	}
	action := Action{
		Kind:   ActionFailback,
		From:   state.CurrentPrimary,
		To:     policy.Primary,
		Reason: fmt.Sprintf("Primary healthy for %d consecutive checks", state.FailbackCounter),
	}
	return gate(state, action, false, now, th)
}

// evaluateScore handles the stability-counter bookkeeping for scorer
// recommendations. The counter accrues even inside the cooldown window;
// only execution is gated.
func evaluateScore(policy Policy, state pkg.FailoverState, rec pkg.ScoreRecommendation, now time.Time) (pkg.FailoverState, Action) {
	th := policy.Thresholds

	if rec.Interface == state.CurrentPrimary {
		state.LastRecommendation = rec.Interface
		if state.FailoverPending {
			state.FailoverPending = false
			state.StabilityCounter = 0
			return state, Action{Kind: ActionNone, Reason: "Scorer reverted to current primary, pending failover canceled"}
		}
		return state, Action{Kind: ActionNone}
	}

	// A changed target restarts the window from one.
	if !state.FailoverPending || state.LastRecommendation != rec.Interface {
		state.FailoverPending = true
		state.StabilityCounter = 1
	} else {
		state.StabilityCounter = min(state.StabilityCounter+1, th.StabilityChecks)
	}
	state.LastRecommendation = rec.Interface

	if state.StabilityCounter < th.StabilityChecks {
		return state, Action{Kind: ActionNone}
	}

	action := Action{
		Kind:   ActionFailover,
		From:   state.CurrentPrimary,
		To:     rec.Interface,
		Reason: fmt.Sprintf("Scorer recommends %s for %d consecutive checks", rec.Interface, state.StabilityCounter),
	}
	return gate(state, action, false, now, th)
}

// gate enforces the cooldown window on a proposed action.
func gate(state pkg.FailoverState, action Action, bypass bool, now time.Time, th pkg.Thresholds) (pkg.FailoverState, Action) {
	if bypass || !state.InCooldown(now, th.Cooldown) {
		return state, action
	}
	remaining := state.LastActionEpoch + int64(th.Cooldown.Seconds()) - now.Unix()
	kind := "Failover"
	if action.Kind == ActionFailback {
		kind = "Failback"
	}
	return state, Action{
		Kind:   ActionNone,
		From:   action.From,
		To:     action.To,
		Reason: fmt.Sprintf("%s blocked by cooldown (%ds remaining): %s", kind, remaining, action.Reason),
		Audit:  true,
	}
}

func spikeReason(m pkg.LinkMetrics, th pkg.Thresholds) (string, bool) {
	if m.LatencyMS > th.LatencySpikeMS {
		return fmt.Sprintf("Latency spike: %dms > %dms", m.LatencyMS, th.LatencySpikeMS), true
	}
	if m.LossFraction > th.LossSpikeFraction {
		return fmt.Sprintf("Packet loss spike: %.1f%% > %.1f%%", m.LossFraction*100, th.LossSpikeFraction*100), true
	}
	return "", false
}

// failbackHealth decides whether the primary looks good enough to count
// toward failback. Stricter than "not spiking": a partly obstructed
// dish can show clean latency for minutes at a time.
func failbackHealth(m pkg.LinkMetrics, th pkg.Thresholds) (string, bool) {
	if reason, spiking := spikeReason(m, th); spiking {
		return reason, false
	}
	if th.FailbackObstruction > 0 && m.ObstructionFraction >= th.FailbackObstruction {
		return fmt.Sprintf("Obstruction %.1f%% above failback limit %.1f%%",
			m.ObstructionFraction*100, th.FailbackObstruction*100), false
	}
	return "", true
}
