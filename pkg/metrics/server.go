// Package metrics exposes link health and decision activity to
// Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/predictive"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

// phases is the fixed label set of the state gauge. Every phase is
// always present so dashboards see 0, not absence, for inactive ones.
var phases = []string{
	pkg.PhaseActive,
	pkg.PhasePendingFailover,
	pkg.PhaseFailedOver,
	pkg.PhasePendingFailback,
}

// Server exports Prometheus metrics for satfaild. All metrics live in
// a private registry so repeated construction never collides.
type Server struct {
	config   *uci.Config
	logger   *logx.Logger
	registry *prometheus.Registry
	server   *http.Server
	started  time.Time

	linkSNR             prometheus.Gauge
	linkLatency         prometheus.Gauge
	linkLoss            prometheus.Gauge
	linkObstruction     prometheus.Gauge
	reacquisitionWindow prometheus.Gauge

	snrSlope     prometheus.Gauge
	latencySlope prometheus.Gauge
	lossSlope    prometheus.Gauge

	primaryInterface  *prometheus.GaugeVec
	enginePhase       *prometheus.GaugeVec
	cooldownRemaining prometheus.Gauge
	stabilityCounter  prometheus.Gauge
	failbackCounter   prometheus.Gauge

	decisionCycles   *prometheus.CounterVec
	switchEvents     *prometheus.CounterVec
	collectionErrors prometheus.Counter

	daemonUptime  prometheus.Gauge
	daemonVersion *prometheus.GaugeVec
}

// NewServer creates a metrics server for the given configuration.
func NewServer(config *uci.Config, version string, logger *logx.Logger) *Server {
	s := &Server{
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	s.registerMetrics(version)
	return s
}

func (s *Server) registerMetrics(version string) {
	s.linkSNR = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_link_snr",
		Help: "Current signal-to-noise ratio of the satellite link",
	})

	s.linkLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_link_latency_ms",
		Help: "Current pop ping latency in milliseconds",
	})

	s.linkLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_link_loss_percent",
		Help: "Current packet loss percentage",
	})

	s.linkObstruction = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_link_obstruction_percent",
		Help: "Current sky obstruction percentage",
	})

	s.reacquisitionWindow = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_link_reacquisition_window_seconds",
		Help: "Seconds until the next usable satellite slot, 0 when available now",
	})

	s.snrSlope = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_trend_snr_per_min",
		Help: "Fitted SNR change per minute over the history window",
	})

	s.latencySlope = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_trend_latency_ms_per_min",
		Help: "Fitted latency change per minute over the history window",
	})

	s.lossSlope = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_trend_loss_per_min",
		Help: "Fitted loss fraction change per minute over the history window",
	})

	s.primaryInterface = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "satfail_primary_interface",
			Help: "Which interface currently carries the default route (1=primary)",
		},
		[]string{"interface"},
	)

	s.enginePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "satfail_engine_phase",
			Help: "Decision engine phase (1=current)",
		},
		[]string{"phase"},
	)

	s.cooldownRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_cooldown_remaining_seconds",
		Help: "Seconds until ordinary triggers may act again, 0 outside cooldown",
	})

	s.stabilityCounter = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_stability_counter",
		Help: "Consecutive checks the scorer has recommended a switch",
	})

	s.failbackCounter = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_failback_counter",
		Help: "Consecutive healthy checks of the original primary while failed over",
	})

	s.decisionCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satfail_decision_cycles_total",
			Help: "Total decision cycles by outcome",
		},
		[]string{"result"},
	)

	s.switchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satfail_switch_events_total",
			Help: "Total route switch attempts by event type and result",
		},
		[]string{"type", "result"},
	)

	s.collectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "satfail_collection_errors_total",
		Help: "Total metric collection failures",
	})

	s.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satfail_daemon_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	s.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "satfail_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version", "go_version"},
	)

	s.registry.MustRegister(
		s.linkSNR,
		s.linkLatency,
		s.linkLoss,
		s.linkObstruction,
		s.reacquisitionWindow,
		s.snrSlope,
		s.latencySlope,
		s.lossSlope,
		s.primaryInterface,
		s.enginePhase,
		s.cooldownRemaining,
		s.stabilityCounter,
		s.failbackCounter,
		s.decisionCycles,
		s.switchEvents,
		s.collectionErrors,
		s.daemonUptime,
		s.daemonVersion,
	)

	s.daemonVersion.With(prometheus.Labels{
		"version":    version,
		"go_version": runtime.Version(),
	}).Set(1)
}

// Handler returns the scrape handler backed by the private registry.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on the configured port without blocking.
func (s *Server) Start() error {
	s.logger.Info("Starting metrics server", "port", s.config.MetricsPort)

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ObserveMetrics records the latest link sample.
func (s *Server) ObserveMetrics(metrics *pkg.LinkMetrics) {
	if metrics == nil {
		return
	}

	s.linkSNR.Set(metrics.SNR)
	s.linkLatency.Set(float64(metrics.LatencyMS))
	s.linkLoss.Set(metrics.LossFraction * 100)
	s.linkObstruction.Set(metrics.ObstructionFraction * 100)

	if metrics.ReacquisitionWindowS != nil {
		s.reacquisitionWindow.Set(*metrics.ReacquisitionWindowS)
	} else {
		s.reacquisitionWindow.Set(0)
	}
}

// ObserveSlopes records the fitted trend over the history window.
func (s *Server) ObserveSlopes(slopes *predictive.Slopes) {
	if slopes == nil {
		return
	}

	s.snrSlope.Set(slopes.SNRPerMin)
	s.latencySlope.Set(slopes.LatencyPerMin)
	s.lossSlope.Set(slopes.LossPerMin)
}

// ObserveState records the persisted engine state after a cycle.
func (s *Server) ObserveState(state pkg.FailoverState, now time.Time) {
	phase := state.Phase(s.config.PrimaryIface)
	for _, p := range phases {
		value := 0.0
		if p == phase {
			value = 1.0
		}
		s.enginePhase.With(prometheus.Labels{"phase": p}).Set(value)
	}

	for _, iface := range []string{s.config.PrimaryIface, s.config.BackupIface} {
		value := 0.0
		if iface == state.CurrentPrimary {
			value = 1.0
		}
		s.primaryInterface.With(prometheus.Labels{"interface": iface}).Set(value)
	}

	remaining := 0.0
	if cooldown := s.config.Thresholds().Cooldown; state.InCooldown(now, cooldown) {
		remaining = float64(state.LastActionEpoch + int64(cooldown.Seconds()) - now.Unix())
	}
	s.cooldownRemaining.Set(remaining)

	s.stabilityCounter.Set(float64(state.StabilityCounter))
	s.failbackCounter.Set(float64(state.FailbackCounter))
	s.daemonUptime.Set(time.Since(s.started).Seconds())
}

// RecordCycle counts one decision cycle by outcome.
func (s *Server) RecordCycle(result string) {
	s.decisionCycles.With(prometheus.Labels{"result": result}).Inc()
}

// RecordSwitch counts one route switch attempt.
func (s *Server) RecordSwitch(eventType, result string) {
	s.switchEvents.With(prometheus.Labels{"type": eventType, "result": result}).Inc()
}

// RecordCollectionError counts one failed metrics collection.
func (s *Server) RecordCollectionError() {
	s.collectionErrors.Inc()
}
