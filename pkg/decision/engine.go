package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/predictive"
	"github.com/markus-lassfolk/satfail/pkg/state"
	"github.com/markus-lassfolk/satfail/pkg/telem"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

// Recorder receives decision events. The audit trail, the sqlite
// archive and the MQTT publisher all sit behind this.
type Recorder interface {
	Record(event pkg.DecisionEvent) error
}

// MultiRecorder fans events out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(event pkg.DecisionEvent) error {
	var firstErr error
	for _, r := range m {
		if err := r.Record(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Engine owns the decision cycle: load state, evaluate the rules,
// execute at most one action, persist.
type Engine struct {
	config   *uci.Config
	policy   Policy
	logger   *logx.Logger
	store    *state.Store
	history  *telem.Store
	recorder Recorder

	dryRun bool
	now    func() time.Time
}

// NewEngine creates an engine. recorder may be nil when no audit sink
// is wired, such as in the status command.
func NewEngine(config *uci.Config, logger *logx.Logger, store *state.Store, history *telem.Store, recorder Recorder) *Engine {
	return &Engine{
		config: config,
		policy: Policy{
			Primary:    config.PrimaryIface,
			Backup:     config.BackupIface,
			Thresholds: config.Thresholds(),
		},
		logger:   logger,
		store:    store,
		history:  history,
		recorder: recorder,
		now:      time.Now,
	}
}

// SetDryRun disables route switching. Decisions are still made, logged
// and audited; state bookkeeping still persists.
func (e *Engine) SetDryRun(enabled bool) {
	e.dryRun = enabled
	if enabled {
		e.logger.Info("Dry-run mode enabled, route switches will not execute")
	}
}

// Policy returns the interface pair and thresholds in effect.
func (e *Engine) Policy() Policy {
	return e.policy
}

// CycleResult summarizes one cycle for metrics export and tests.
type CycleResult struct {
	State    pkg.FailoverState
	Metrics  *pkg.LinkMetrics
	Action   Action
	Executed bool
	ExecErr  error

	// events produced while the state lock was held, recorded after
	// release so a slow audit sink never extends the lock.
	events []pkg.DecisionEvent
}

// RunCycle performs one full decision cycle. The state lock is held
// only around load, evaluate, act and save; collection and scoring run
// before it, the history append and audit recording after it.
func (e *Engine) RunCycle(ctx context.Context, source pkg.MetricsSource, scorer pkg.Scorer, switcher pkg.RouteSwitcher) (*CycleResult, error) {
	metrics := e.collectMetrics(ctx, source)

	var recommendation *pkg.ScoreRecommendation
	if scorer != nil && metrics != nil {
		peek, err := e.store.Load()
		if err != nil {
			peek = e.store.Defaults()
		}
		recommendation = e.askScorer(ctx, scorer, peek.CurrentPrimary)
	}

	result, err := e.cycleLocked(ctx, metrics, recommendation, switcher)
	if err == nil && metrics != nil {
		if aerr := e.history.Append(*metrics); aerr != nil {
			e.logger.Warn("Failed to append metric history", "error", aerr)
		}
	}
	if result != nil {
		e.emit(result)
	}
	return result, err
}

// emit records the cycle's buffered events once the lock is released.
func (e *Engine) emit(result *CycleResult) {
	for _, event := range result.events {
		e.record(event)
	}
	result.events = nil
}

func (e *Engine) cycleLocked(ctx context.Context, metrics *pkg.LinkMetrics, recommendation *pkg.ScoreRecommendation, switcher pkg.RouteSwitcher) (*CycleResult, error) {
	now := e.now()

	if err := e.store.Lock(); err != nil {
		return nil, err
	}
	defer e.store.Unlock()

	st, err := e.store.Load()
	if err != nil {
		return nil, err
	}

	previous, err := e.history.Last()
	if err != nil {
		e.logger.Warn("Failed to read metric history", "error", err)
		previous = nil
	}

	newState, action := Evaluate(e.policy, st, metrics, previous, recommendation, now)
	result := &CycleResult{Metrics: metrics, Action: action}

	switch action.Kind {
	case ActionNone:
		if action.Reason != "" {
			if action.Audit {
				e.logger.Info("Evaluation", "reason", action.Reason)
				result.events = append(result.events, pkg.DecisionEvent{
					Timestamp: now,
					Type:      pkg.EventEvaluation,
					From:      action.From,
					To:        action.To,
					Reason:    action.Reason,
				})
			} else {
				e.logger.Debug("Evaluation", "reason", action.Reason)
			}
		}
	case ActionFailover, ActionFailback:
		newState = e.execute(ctx, switcher, newState, action, now, result)
	}

	if err := e.store.Save(newState); err != nil {
		result.State = newState
		return result, fmt.Errorf("failed to persist state: %w", err)
	}
	result.State = newState
	return result, nil
}

// execute drives the route switcher for one action. State changes only
// on success; a failure leaves every counter intact so the next cycle
// re-evaluates from the same position.
func (e *Engine) execute(ctx context.Context, switcher pkg.RouteSwitcher, st pkg.FailoverState, action Action, now time.Time, result *CycleResult) pkg.FailoverState {
	eventType := pkg.EventFailover
	if action.Kind == ActionFailback {
		eventType = pkg.EventFailback
	}

	if e.dryRun {
		e.logger.Info("Dry-run: route switch suppressed",
			"from", action.From, "to", action.To, "reason", action.Reason)
		result.events = append(result.events, pkg.DecisionEvent{
			Timestamp: now,
			Type:      pkg.EventEvaluation,
			From:      action.From,
			To:        action.To,
			Reason:    "[dry-run] " + action.Reason,
		})
		return st
	}

	timeout := time.Duration(e.config.SwitchTimeoutS) * time.Second
	sctx, cancel := context.WithTimeout(ctx, timeout)
	err := switcher.Apply(sctx, action.From, action.To)
	cancel()

	if err == nil {
		st.CurrentPrimary = action.To
		st.FailoverPending = false
		st.StabilityCounter = 0
		st.FailbackCounter = 0
		st.LastActionEpoch = now.Unix()
		result.Executed = true

		e.logger.LogSwitch(action.From, action.To, action.Reason, true, nil)
		result.events = append(result.events, pkg.DecisionEvent{
			Timestamp: now,
			Type:      eventType,
			From:      action.From,
			To:        action.To,
			Result:    pkg.ResultSuccess,
			Reason:    action.Reason,
		})
		return st
	}

	result.ExecErr = err
	e.logger.LogSwitch(action.From, action.To, action.Reason, false,
		map[string]interface{}{"error": err.Error()})

	// Roll back unless the failure was on the down leg, where the old
	// route never moved.
	var switchErr *pkg.SwitchError
	if !errors.As(err, &switchErr) || switchErr.Leg != pkg.SwitchLegDown {
		rctx, rcancel := context.WithTimeout(ctx, timeout)
		rbErr := switcher.Apply(rctx, action.To, action.From)
		rcancel()
		if rbErr != nil {
			e.logger.Error("Rollback failed, routing may be degraded",
				"interface", action.From, "error", rbErr)
		} else {
			e.logger.Warn("Rolled back after failed switch", "restored", action.From)
		}
	}

	result.events = append(result.events, pkg.DecisionEvent{
		Timestamp: now,
		Type:      pkg.EventFailoverFailed,
		From:      action.From,
		To:        action.To,
		Result:    pkg.ResultFailed,
		Reason:    fmt.Sprintf("%s: %v", action.Reason, err),
	})
	return st
}

func (e *Engine) collectMetrics(ctx context.Context, source pkg.MetricsSource) *pkg.LinkMetrics {
	timeout := time.Duration(e.config.StarlinkTimeoutS) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	metrics, err := source.Collect(cctx)
	if err != nil {
		e.logger.Warn("Metrics collection failed, treating primary as unreachable", "error", err)
		return nil
	}
	if metrics != nil {
		e.logger.Debug("Collected metrics", "metrics", metrics.String())
	}
	return metrics
}

func (e *Engine) askScorer(ctx context.Context, scorer pkg.Scorer, current string) *pkg.ScoreRecommendation {
	timeout := time.Duration(e.config.ScorerTimeoutS) * time.Second
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec, err := scorer.Recommend(sctx, current)
	if err != nil {
		e.logger.Warn("Scorer unavailable, skipping score rule", "error", err)
		return nil
	}
	if rec == nil || rec.Interface == "" {
		e.logger.Warn("Scorer returned no interface, skipping score rule")
		return nil
	}
	return rec
}

func (e *Engine) record(event pkg.DecisionEvent) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(event); err != nil {
		e.logger.Warn("Failed to record decision event", "error", err)
	}
}

// ForceFailover switches to target immediately, bypassing every rule,
// the stability windows and the cooldown. The switch still executes
// through the route switcher and is still audited.
func (e *Engine) ForceFailover(ctx context.Context, switcher pkg.RouteSwitcher, target string) error {
	result, err := e.forceLocked(ctx, switcher, target)
	if result != nil {
		e.emit(result)
	}
	if err != nil {
		return err
	}
	return result.ExecErr
}

func (e *Engine) forceLocked(ctx context.Context, switcher pkg.RouteSwitcher, target string) (*CycleResult, error) {
	now := e.now()

	if err := e.store.Lock(); err != nil {
		return nil, err
	}
	defer e.store.Unlock()

	st, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	if st.CurrentPrimary == target {
		return nil, fmt.Errorf("interface %s is already primary", target)
	}

	action := Action{
		Kind:   ActionFailover,
		From:   st.CurrentPrimary,
		To:     target,
		Reason: "Forced by operator",
	}
	if target == e.policy.Primary {
		action.Kind = ActionFailback
	}

	result := &CycleResult{}
	newState := e.execute(ctx, switcher, st, action, now, result)
	if err := e.store.Save(newState); err != nil {
		return result, fmt.Errorf("failed to persist state: %w", err)
	}
	return result, nil
}

// SetPrimary records target as the current primary without touching any
// routes, for operators who already switched routing by hand.
func (e *Engine) SetPrimary(target string) error {
	now := e.now()
	from, err := e.setPrimaryLocked(target)
	if err != nil {
		return err
	}

	e.logger.Info("Primary set by operator", "from", from, "to", target)
	e.record(pkg.DecisionEvent{
		Timestamp: now,
		Type:      pkg.EventEvaluation,
		From:      from,
		To:        target,
		Reason:    "Primary set by operator",
	})
	return nil
}

func (e *Engine) setPrimaryLocked(target string) (string, error) {
	if err := e.store.Lock(); err != nil {
		return "", err
	}
	defer e.store.Unlock()

	st, err := e.store.Load()
	if err != nil {
		return "", err
	}

	from := st.CurrentPrimary
	st.CurrentPrimary = target
	st.FailoverPending = false
	st.StabilityCounter = 0
	st.FailbackCounter = 0
	st.LastRecommendation = ""

	if err := e.store.Save(st); err != nil {
		return "", fmt.Errorf("failed to persist state: %w", err)
	}
	return from, nil
}

// Status is a read-only snapshot for the status command and the health
// endpoints.
type Status struct {
	State       pkg.FailoverState  `json:"state"`
	Phase       string             `json:"phase"`
	LastMetrics *pkg.LinkMetrics   `json:"last_metrics,omitempty"`
	Slopes      *predictive.Slopes `json:"slopes,omitempty"`
}

// Status loads the persisted state and recent history without taking
// the cycle lock.
func (e *Engine) Status() (*Status, error) {
	st, err := e.store.Load()
	if err != nil {
		return nil, err
	}

	status := &Status{State: st, Phase: st.Phase(e.policy.Primary)}
	if last, err := e.history.Last(); err == nil {
		status.LastMetrics = last
	}
	if recent, err := e.history.Recent(e.config.HistoryDepth); err == nil {
		if slopes, err := predictive.EstimateSlopes(recent); err == nil {
			status.Slopes = slopes
		}
	}
	return status, nil
}
