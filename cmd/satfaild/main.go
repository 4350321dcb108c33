// satfaild is the satellite uplink failover daemon. It watches the
// Starlink dish, decides when the cellular backup should carry the
// default route, and switches mwan3 (or the route table) accordingly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/audit"
	"github.com/markus-lassfolk/satfail/pkg/decision"
	"github.com/markus-lassfolk/satfail/pkg/health"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/metrics"
	"github.com/markus-lassfolk/satfail/pkg/mqtt"
	"github.com/markus-lassfolk/satfail/pkg/pidfile"
	"github.com/markus-lassfolk/satfail/pkg/predictive"
	"github.com/markus-lassfolk/satfail/pkg/routeswitch"
	"github.com/markus-lassfolk/satfail/pkg/scorer"
	"github.com/markus-lassfolk/satfail/pkg/starlink"
	"github.com/markus-lassfolk/satfail/pkg/state"
	"github.com/markus-lassfolk/satfail/pkg/telem"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

var (
	configPath  = flag.String("config", "", "Path to UCI configuration file")
	logLevel    = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	dryRun      = flag.Bool("dry-run", false, "Evaluate and audit decisions without touching routes")
	force       = flag.Bool("force", false, "Remove a stale PID file before starting monitor mode")
	format      = flag.String("format", "standard", "Output format for status (standard|json)")
	showVersion = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "satfaild"
	AppVersion = "1.0.0"
)

const (
	heartbeatFile     = "/tmp/satfaild.health"
	heartbeatInterval = 10 * time.Second
	recentEventCount  = 10
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command>

Commands:
  monitor              Run the standing failover loop
  check                Run a single decision cycle and exit
  status               Show current state, last metrics and recent events
  failover <iface>     Force a switch to the given interface now
  set-primary <iface>  Record the given interface as primary without switching routes
  version              Show version information

Flags:
`, AppName)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	command := flag.Arg(0)
	if command == "version" {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}
	if command == "" {
		usage()
		os.Exit(2)
	}

	// Environment toggles for init scripts that cannot pass flags.
	if os.Getenv("SATFAIL_DRY_RUN") == "1" {
		*dryRun = true
	}
	verboseEnv := os.Getenv("SATFAIL_VERBOSE") == "1"

	effectiveLevel := "info"
	if *logLevel != "" {
		effectiveLevel = *logLevel
	}
	if verboseEnv {
		effectiveLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLevel, AppName)

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel == "" && !verboseEnv && cfg.LogLevel != "" {
		logger.SetLevel(cfg.LogLevel)
	}

	if *dryRun {
		logger.Info("Dry-run mode enabled: no route changes will be applied")
	}

	var exit int
	switch command {
	case "monitor":
		exit = runMonitor(cfg, logger)
	case "check":
		exit = runCheck(cfg, logger)
	case "status":
		exit = runStatus(cfg, logger)
	case "failover":
		exit = runFailover(cfg, logger, flag.Arg(1))
	case "set-primary":
		exit = runSetPrimary(cfg, logger, flag.Arg(1))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", command)
		usage()
		exit = 2
	}
	os.Exit(exit)
}

// openStores opens the persistent state file and the metric history
// ring. The caller owns closing the history store.
func openStores(cfg *uci.Config, logger *logx.Logger) (*state.Store, *telem.Store, error) {
	store := state.NewStore(cfg.StateFile, cfg.PrimaryIface, logger)
	history, err := telem.NewStore(cfg.HistoryDB, cfg.HistoryDepth, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return store, history, nil
}

// buildRecorder assembles the audit fan-out: the CSV trail always, the
// sqlite archive when it opens, MQTT when a client is passed in. The
// returned cleanup closes the archive.
func buildRecorder(cfg *uci.Config, logger *logx.Logger, mqttClient *mqtt.Client) (decision.Recorder, func()) {
	recorders := decision.MultiRecorder{audit.NewCSVRecorder(cfg.AuditLog, logger)}
	cleanup := func() {}

	archive, err := audit.NewSQLiteRecorder(cfg.AuditDB, logger)
	if err != nil {
		logger.Warn("Audit archive unavailable, CSV trail only", "error", err, "path", cfg.AuditDB)
	} else {
		recorders = append(recorders, archive)
		cleanup = func() { archive.Close() }
	}

	if mqttClient != nil {
		recorders = append(recorders, mqtt.NewRecorder(mqttClient, logger))
	}

	return recorders, cleanup
}

func newEngine(cfg *uci.Config, logger *logx.Logger, store *state.Store, history *telem.Store, recorder decision.Recorder) *decision.Engine {
	engine := decision.NewEngine(cfg, logger, store, history, recorder)
	engine.SetDryRun(*dryRun)
	return engine
}

func starlinkSource(cfg *uci.Config, logger *logx.Logger) *starlink.Client {
	timeout := time.Duration(cfg.StarlinkTimeoutS) * time.Second
	return starlink.NewClient(cfg.StarlinkHost, cfg.StarlinkPort, timeout, logger)
}

func runMonitor(cfg *uci.Config, logger *logx.Logger) int {
	pidFile := pidfile.New(cfg.PidFile)

	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		return 1
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", cfg.PidFile)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use -force to override, or stop the existing instance first\n")
			return 1
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			return 1
		}
	}
	if err := pidFile.Acquire(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", cfg.PidFile)
		return 1
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting failover monitor",
		"version", AppVersion,
		"pid", os.Getpid(),
		"primary", cfg.PrimaryIface,
		"backup", cfg.BackupIface,
		"interval_s", cfg.CheckIntervalS,
	)

	store, history, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("Failed to open stores", "error", err)
		return 1
	}
	defer history.Close()

	var mqttClient *mqtt.Client
	if cfg.MQTTEnabled {
		mqttClient = mqtt.NewClient(mqtt.ConfigFromUCI(cfg), logger)
		if err := mqttClient.Connect(); err != nil {
			logger.Warn("MQTT broker unreachable, continuing without it", "error", err)
		} else {
			defer mqttClient.Disconnect()
		}
	}

	recorder, closeRecorder := buildRecorder(cfg, logger, mqttClient)
	defer closeRecorder()

	engine := newEngine(cfg, logger, store, history, recorder)
	source := starlinkSource(cfg, logger)
	linkScorer := scorer.New(cfg, logger)
	switcher := routeswitch.NewSwitcher(cfg, logger)

	var metricsServer *metrics.Server
	if cfg.MetricsListener {
		metricsServer = metrics.NewServer(cfg, AppVersion, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", "error", err)
			return 1
		}
		defer metricsServer.Stop()
	}

	var healthServer *health.Server
	if cfg.HealthListener {
		healthServer = health.NewServer(cfg, engine, AppVersion, logger)
		if err := healthServer.Start(); err != nil {
			logger.Error("Failed to start health server", "error", err)
			return 1
		}
		defer healthServer.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go writeHeartbeat(ctx, engine, logger)

	ticker := time.NewTicker(time.Duration(cfg.CheckIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration")
				reloaded, err := uci.LoadConfig(*configPath)
				if err != nil {
					logger.Error("Configuration reload failed, keeping previous", "error", err)
					continue
				}
				// Listeners and audit sinks keep their handles until a
				// restart; only the decision loop picks up new settings.
				cfg = reloaded
				engine = newEngine(cfg, logger, store, history, recorder)
				source = starlinkSource(cfg, logger)
				linkScorer = scorer.New(cfg, logger)
				switcher = routeswitch.NewSwitcher(cfg, logger)
				ticker.Reset(time.Duration(cfg.CheckIntervalS) * time.Second)
				logger.Info("Configuration reloaded",
					"primary", cfg.PrimaryIface,
					"backup", cfg.BackupIface,
					"interval_s", cfg.CheckIntervalS,
				)
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig.String())
			return 0

		case <-ticker.C:
			result, err := engine.RunCycle(ctx, source, linkScorer, switcher)
			observeCycle(metricsServer, history, cfg, result, err, logger)
			if mqttClient != nil && result != nil {
				if err := mqttClient.PublishMetrics(result.Metrics); err != nil {
					logger.Debug("Metrics publish failed", "error", err)
				}
			}

		case <-ctx.Done():
			return 0
		}
	}
}

// observeCycle pushes one cycle's outcome into the Prometheus
// exporter. Slope fitting failures just mean a short window.
func observeCycle(server *metrics.Server, history *telem.Store, cfg *uci.Config, result *decision.CycleResult, err error, logger *logx.Logger) {
	if err != nil {
		logger.Error("Decision cycle failed", "error", err)
	}
	if server == nil {
		return
	}

	if err != nil {
		server.RecordCycle("error")
	} else {
		server.RecordCycle("ok")
	}
	if result == nil {
		return
	}

	if result.Metrics == nil {
		server.RecordCollectionError()
	} else {
		server.ObserveMetrics(result.Metrics)
		if recent, err := history.Recent(cfg.HistoryDepth); err == nil {
			if slopes, err := predictive.EstimateSlopes(recent); err == nil {
				server.ObserveSlopes(slopes)
			}
		}
	}
	server.ObserveState(result.State, time.Now())

	if result.Action.Kind == decision.ActionNone {
		return
	}
	eventType := pkg.EventFailover
	if result.Action.Kind == decision.ActionFailback {
		eventType = pkg.EventFailback
	}
	switch {
	case result.Executed:
		server.RecordSwitch(eventType, pkg.ResultSuccess)
	case result.ExecErr != nil:
		server.RecordSwitch(eventType, pkg.ResultFailed)
	}
}

// heartbeatData is the watchdog file written every 10 s in monitor
// mode. External scripts treat a stale file as a hung daemon.
type heartbeatData struct {
	Timestamp  string  `json:"ts"`
	UptimeS    int64   `json:"uptime_s"`
	Version    string  `json:"version"`
	Phase      string  `json:"phase"`
	Primary    string  `json:"primary"`
	MemMB      float64 `json:"mem_mb"`
	Goroutines int     `json:"goroutines"`
	DeviceID   string  `json:"device_id"`
}

func writeHeartbeat(ctx context.Context, engine *decision.Engine, logger *logx.Logger) {
	startTime := time.Now()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Heartbeat writer stopped")
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			heartbeat := heartbeatData{
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
				UptimeS:    int64(time.Since(startTime).Seconds()),
				Version:    AppVersion,
				Phase:      "unknown",
				MemMB:      float64(memStats.Alloc) / 1024 / 1024,
				Goroutines: runtime.NumGoroutine(),
				DeviceID:   deviceID(),
			}
			if status, err := engine.Status(); err == nil {
				heartbeat.Phase = status.Phase
				heartbeat.Primary = status.State.CurrentPrimary
			}

			data, err := json.Marshal(heartbeat)
			if err != nil {
				logger.Error("Failed to marshal heartbeat", "error", err)
				continue
			}

			// Write-then-rename keeps readers from ever seeing a torn file.
			tempFile, err := os.CreateTemp(os.TempDir(), "satfaild-heartbeat-*.tmp")
			if err != nil {
				logger.Error("Failed to create heartbeat temp file", "error", err)
				continue
			}
			tempName := tempFile.Name()
			_, writeErr := tempFile.Write(data)
			closeErr := tempFile.Close()
			if writeErr != nil || closeErr != nil {
				logger.Error("Failed to write heartbeat file", "write_error", writeErr, "close_error", closeErr)
				os.Remove(tempName)
				continue
			}
			if err := os.Rename(tempName, heartbeatFile); err != nil {
				logger.Error("Failed to publish heartbeat file", "error", err)
				os.Remove(tempName)
			}
		}
	}
}

func deviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "satfail-device"
}

func runCheck(cfg *uci.Config, logger *logx.Logger) int {
	store, history, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("Failed to open stores", "error", err)
		return 1
	}
	defer history.Close()

	recorder, closeRecorder := buildRecorder(cfg, logger, nil)
	defer closeRecorder()

	engine := newEngine(cfg, logger, store, history, recorder)
	source := starlinkSource(cfg, logger)
	linkScorer := scorer.New(cfg, logger)
	switcher := routeswitch.NewSwitcher(cfg, logger)

	result, err := engine.RunCycle(context.Background(), source, linkScorer, switcher)
	if err != nil {
		logger.Error("Decision cycle failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch {
	case result.Executed:
		fmt.Printf("%s: %s -> %s (%s)\n",
			strings.ToUpper(result.Action.Kind), result.Action.From, result.Action.To, result.Action.Reason)
	case result.ExecErr != nil:
		fmt.Printf("SWITCH FAILED: %s -> %s: %v\n", result.Action.From, result.Action.To, result.ExecErr)
		return 1
	case result.Action.Kind != decision.ActionNone:
		fmt.Printf("SUPPRESSED %s: %s\n", strings.ToUpper(result.Action.Kind), result.Action.Reason)
	default:
		fmt.Printf("OK: primary %s, phase %s\n",
			result.State.CurrentPrimary, result.State.Phase(cfg.PrimaryIface))
	}
	return 0
}

// statusReport is the full status document, also used for -format json.
type statusReport struct {
	*decision.Status
	RecentEvents []pkg.DecisionEvent `json:"recent_events,omitempty"`
}

func runStatus(cfg *uci.Config, logger *logx.Logger) int {
	store, history, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("Failed to open stores", "error", err)
		return 1
	}
	defer history.Close()

	engine := decision.NewEngine(cfg, logger, store, history, nil)
	status, err := engine.Status()
	if err != nil {
		logger.Error("Failed to read status", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	report := statusReport{Status: status}
	if archive, err := audit.NewSQLiteRecorder(cfg.AuditDB, logger); err == nil {
		if events, err := archive.Recent(recentEventCount); err == nil {
			report.RecentEvents = events
		}
		archive.Close()
	}

	if *format == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	printStatus(cfg, report)
	return 0
}

func printStatus(cfg *uci.Config, report statusReport) {
	st := report.State

	fmt.Printf("Interface state\n")
	fmt.Printf("  Configured primary: %s\n", cfg.PrimaryIface)
	fmt.Printf("  Configured backup:  %s\n", cfg.BackupIface)
	fmt.Printf("  Current primary:    %s\n", st.CurrentPrimary)
	fmt.Printf("  Phase:              %s\n", report.Phase)
	if st.StabilityCounter > 0 {
		fmt.Printf("  Switch progress:    %d/%d consecutive recommendations\n",
			st.StabilityCounter, cfg.StabilityChecks)
	}
	if st.FailbackCounter > 0 {
		fmt.Printf("  Failback progress:  %d/%d healthy checks\n",
			st.FailbackCounter, cfg.FailbackChecks)
	}
	if remaining := cooldownRemaining(st, cfg); remaining > 0 {
		fmt.Printf("  Cooldown:           %ds remaining\n", remaining)
	}

	if m := report.LastMetrics; m != nil {
		fmt.Printf("\nLast sample (%s)\n", m.Timestamp.Format(time.RFC3339))
		fmt.Printf("  SNR:         %.1f\n", m.SNR)
		fmt.Printf("  Latency:     %d ms\n", m.LatencyMS)
		fmt.Printf("  Loss:        %.1f%%\n", m.LossFraction*100)
		fmt.Printf("  Obstruction: %.1f%%\n", m.ObstructionFraction*100)
		if m.ReacquisitionWindowS != nil {
			fmt.Printf("  Reacquisition window: %.0fs\n", *m.ReacquisitionWindowS)
		}
	} else {
		fmt.Printf("\nNo metrics collected yet\n")
	}

	if s := report.Slopes; s != nil {
		fmt.Printf("\nTrend (%d samples)\n", s.Samples)
		fmt.Printf("  SNR:     %+.2f/min\n", s.SNRPerMin)
		fmt.Printf("  Latency: %+.1f ms/min\n", s.LatencyPerMin)
		fmt.Printf("  Loss:    %+.3f%%/min\n", s.LossPerMin*100)
	}

	if len(report.RecentEvents) > 0 {
		fmt.Printf("\nRecent events\n")
		for _, event := range report.RecentEvents {
			line := fmt.Sprintf("  %s %s", event.Timestamp.Format(time.RFC3339), event.Type)
			if event.From != "" || event.To != "" {
				line += fmt.Sprintf(" %s -> %s", event.From, event.To)
			}
			if event.Result != "" {
				line += " " + event.Result
			}
			fmt.Printf("%s: %s\n", line, event.Reason)
		}
	}
}

func cooldownRemaining(st pkg.FailoverState, cfg *uci.Config) int64 {
	cooldown := cfg.Thresholds().Cooldown
	if !st.InCooldown(time.Now(), cooldown) {
		return 0
	}
	return st.LastActionEpoch + int64(cooldown.Seconds()) - time.Now().Unix()
}

func runFailover(cfg *uci.Config, logger *logx.Logger, target string) int {
	if target == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s failover <iface>\n", AppName)
		return 2
	}

	store, history, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("Failed to open stores", "error", err)
		return 1
	}
	defer history.Close()

	recorder, closeRecorder := buildRecorder(cfg, logger, nil)
	defer closeRecorder()

	engine := newEngine(cfg, logger, store, history, recorder)
	switcher := routeswitch.NewSwitcher(cfg, logger)

	if err := engine.ForceFailover(context.Background(), switcher, target); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Switched primary to %s\n", target)
	return 0
}

func runSetPrimary(cfg *uci.Config, logger *logx.Logger, target string) int {
	if target == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s set-primary <iface>\n", AppName)
		return 2
	}

	store, history, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("Failed to open stores", "error", err)
		return 1
	}
	defer history.Close()

	recorder, closeRecorder := buildRecorder(cfg, logger, nil)
	defer closeRecorder()

	engine := newEngine(cfg, logger, store, history, recorder)
	if err := engine.SetPrimary(target); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Recorded %s as current primary (routes untouched)\n", target)
	return 0
}
