package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
)

// DefaultConfigPath is where RUTOS keeps the satfail UCI config.
const DefaultConfigPath = "/etc/config/satfail"

// Config is the satfail configuration, loaded from UCI or from a plain
// config file in UCI syntax.
type Config struct {
	// Interfaces
	PrimaryIface string `json:"primary_iface"`
	BackupIface  string `json:"backup_iface"`

	// Cycle timing
	CheckIntervalS int `json:"check_interval_s"`

	// Reactive thresholds
	LatencySpikeMS int     `json:"latency_spike_ms"`
	LossSpikePct   float64 `json:"loss_spike_pct"`

	// Predictive thresholds
	SNRDropThreshold  float64 `json:"snr_drop_threshold"`
	HandoffThresholdS int     `json:"handoff_threshold_s"`

	// Stability windows
	StabilityChecks int `json:"stability_checks"`
	FailbackChecks  int `json:"failback_checks"`

	// Cooldown
	CooldownS           int  `json:"cooldown_s"`
	SpikeBypassCooldown bool `json:"spike_bypass_cooldown"`

	// Failback health
	FailbackObstructionPct float64 `json:"failback_obstruction_pct"`

	// Persistence
	StateFile    string `json:"state_file"`
	HistoryDB    string `json:"history_db"`
	HistoryDepth int    `json:"history_depth"`
	AuditLog     string `json:"audit_log"`
	AuditDB      string `json:"audit_db"`

	// Starlink API
	StarlinkHost     string `json:"starlink_host"`
	StarlinkPort     int    `json:"starlink_port"`
	StarlinkTimeoutS int    `json:"starlink_timeout_s"`

	// Scorer
	ScorerCmd      string   `json:"scorer_cmd"`
	ScorerTimeoutS int      `json:"scorer_timeout_s"`
	PingTargets    []string `json:"ping_targets"`

	// Route switching
	UseMWAN3       bool `json:"use_mwan3"`
	SwitchTimeoutS int  `json:"switch_timeout_s"`

	// Service endpoints
	MetricsListener bool `json:"metrics_listener"`
	MetricsPort     int  `json:"metrics_port"`
	HealthListener  bool `json:"health_listener"`
	HealthPort      int  `json:"health_port"`

	// Daemon
	LogLevel string `json:"log_level"`
	PidFile  string `json:"pid_file"`

	// MQTT
	MQTTEnabled     bool   `json:"mqtt_enabled"`
	MQTTBroker      string `json:"mqtt_broker"`
	MQTTPort        int    `json:"mqtt_port"`
	MQTTClientID    string `json:"mqtt_client_id"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
	MQTTQoS         int    `json:"mqtt_qos"`
	MQTTRetain      bool   `json:"mqtt_retain"`
}

const (
	DefaultPrimaryIface           = "wan"
	DefaultBackupIface            = "wwan0"
	DefaultCheckIntervalS         = 5
	DefaultLatencySpikeMS         = 500
	DefaultLossSpikePct           = 5.0
	DefaultSNRDropThreshold       = 0.5
	DefaultHandoffThresholdS      = 5
	DefaultStabilityChecks        = 3
	DefaultFailbackChecks         = 6
	DefaultCooldownS              = 300
	DefaultFailbackObstructionPct = 10.0
	DefaultHistoryDepth           = 20
	DefaultStateFile              = "/var/lib/satfail/state"
	DefaultHistoryDB              = "/var/lib/satfail/history.db"
	DefaultAuditLog               = "/var/log/satfail/decisions.csv"
	DefaultAuditDB                = "/var/log/satfail/decisions.db"
	DefaultStarlinkHost           = "192.168.100.1"
	DefaultStarlinkPort           = 9200
	DefaultStarlinkTimeoutS       = 10
	DefaultScorerTimeoutS         = 5
	DefaultSwitchTimeoutS         = 10
	DefaultMetricsPort            = 9101
	DefaultHealthPort             = 8081
	DefaultLogLevel               = "info"
	DefaultPidFile                = "/var/run/satfaild.pid"
	DefaultMQTTPort               = 1883
	DefaultMQTTClientID           = "satfaild"
	DefaultMQTTTopicPrefix        = "satfail"
	DefaultMQTTQoS                = 1
)

// LoadConfig loads and validates the satfail configuration. For the
// standard path it asks the native uci client first and falls back to
// text parsing; explicit paths are always parsed as files.
func LoadConfig(path string) (*Config, error) {
	if path != "" && path != DefaultConfigPath {
		return loadConfigFromFile(path)
	}

	uci := NewUCI(nil)
	config, err := uci.LoadConfig()
	if err != nil {
		return loadConfigFromFile(path)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.PrimaryIface = DefaultPrimaryIface
	c.BackupIface = DefaultBackupIface
	c.CheckIntervalS = DefaultCheckIntervalS
	c.LatencySpikeMS = DefaultLatencySpikeMS
	c.LossSpikePct = DefaultLossSpikePct
	c.SNRDropThreshold = DefaultSNRDropThreshold
	c.HandoffThresholdS = DefaultHandoffThresholdS
	c.StabilityChecks = DefaultStabilityChecks
	c.FailbackChecks = DefaultFailbackChecks
	c.CooldownS = DefaultCooldownS
	c.SpikeBypassCooldown = false
	c.FailbackObstructionPct = DefaultFailbackObstructionPct
	c.HistoryDepth = DefaultHistoryDepth
	c.StateFile = DefaultStateFile
	c.HistoryDB = DefaultHistoryDB
	c.AuditLog = DefaultAuditLog
	c.AuditDB = DefaultAuditDB
	c.StarlinkHost = DefaultStarlinkHost
	c.StarlinkPort = DefaultStarlinkPort
	c.StarlinkTimeoutS = DefaultStarlinkTimeoutS
	c.ScorerTimeoutS = DefaultScorerTimeoutS
	c.SwitchTimeoutS = DefaultSwitchTimeoutS
	c.PingTargets = []string{"8.8.8.8", "1.1.1.1"}
	c.UseMWAN3 = true
	c.MetricsListener = false
	c.MetricsPort = DefaultMetricsPort
	c.HealthListener = false
	c.HealthPort = DefaultHealthPort
	c.LogLevel = DefaultLogLevel
	c.PidFile = DefaultPidFile
	c.MQTTEnabled = false
	c.MQTTPort = DefaultMQTTPort
	c.MQTTClientID = DefaultMQTTClientID
	c.MQTTTopicPrefix = DefaultMQTTTopicPrefix
	c.MQTTQoS = DefaultMQTTQoS
}

// parseUCI parses a UCI configuration file using simple text parsing.
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	var currentSectionType string
	var currentSectionName string
	sawPingTarget := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "config "):
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				currentSectionType = parts[1]
				currentSectionName = ""
				if len(parts) >= 3 {
					currentSectionName = strings.Trim(parts[2], "'\"")
				}
			}
		case strings.HasPrefix(line, "option "):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				option := parts[1]
				value := strings.Trim(strings.Join(parts[2:], " "), "'\"")
				c.parseOption(currentSectionType, currentSectionName, option, value)
			}
		case strings.HasPrefix(line, "list "):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				option := parts[1]
				value := strings.Trim(strings.Join(parts[2:], " "), "'\"")
				if option == "ping_target" {
					if !sawPingTarget {
						c.PingTargets = nil
						sawPingTarget = true
					}
					c.PingTargets = append(c.PingTargets, value)
				}
			}
		}
	}

	return nil
}

// parseOption routes options to the right parser based on section.
func (c *Config) parseOption(sectionType, sectionName, option, value string) {
	switch sectionType {
	case "satfail":
		if sectionName == "mqtt" {
			c.parseMQTTOption(option, value)
			return
		}
		c.parseMainOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	default:
		// Legacy single-section configs have no section type at all.
		if sectionType == "" {
			c.parseMainOption(option, value)
		}
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	// Interfaces
	case "primary_iface":
		c.PrimaryIface = value
	case "backup_iface":
		c.BackupIface = value

	// Timing
	case "check_interval_s":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.CheckIntervalS = v
		}

	// Reactive thresholds
	case "latency_spike_ms":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.LatencySpikeMS = v
		}
	case "loss_spike_pct":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
			c.LossSpikePct = v
		}

	// Predictive thresholds
	case "snr_drop_threshold":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
			c.SNRDropThreshold = v
		}
	case "handoff_threshold_s":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.HandoffThresholdS = v
		}

	// Stability windows
	case "stability_checks":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.StabilityChecks = v
		}
	case "failback_checks":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.FailbackChecks = v
		}

	// Cooldown
	case "cooldown_s":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.CooldownS = v
		}
	case "spike_bypass_cooldown":
		c.SpikeBypassCooldown = value == "1"

	// Failback health
	case "failback_obstruction_pct":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v >= 0 {
			c.FailbackObstructionPct = v
		}

	// Persistence
	case "state_file":
		c.StateFile = value
	case "history_db":
		c.HistoryDB = value
	case "history_depth":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.HistoryDepth = v
		}
	case "audit_log":
		c.AuditLog = value
	case "audit_db":
		c.AuditDB = value

	// Starlink API
	case "starlink_host":
		c.StarlinkHost = value
	case "starlink_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.StarlinkPort = v
		}
	case "starlink_timeout_s":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.StarlinkTimeoutS = v
		}

	// Scorer
	case "scorer_cmd":
		c.ScorerCmd = value
	case "scorer_timeout_s":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.ScorerTimeoutS = v
		}
	case "ping_targets":
		if targets := strings.Fields(value); len(targets) > 0 {
			c.PingTargets = targets
		}

	// Route switching
	case "use_mwan3":
		c.UseMWAN3 = value == "1"
	case "switch_timeout_s":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.SwitchTimeoutS = v
		}

	// Service endpoints
	case "metrics_listener":
		c.MetricsListener = value == "1"
	case "metrics_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.MetricsPort = v
		}
	case "health_listener":
		c.HealthListener = value == "1"
	case "health_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.HealthPort = v
		}

	// Daemon
	case "log_level":
		if isValidLogLevel(value) {
			c.LogLevel = value
		}
	case "pid_file":
		c.PidFile = value
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled":
		c.MQTTEnabled = value == "1"
	case "broker":
		c.MQTTBroker = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.MQTTPort = v
		}
	case "client_id":
		c.MQTTClientID = value
	case "username":
		c.MQTTUsername = value
	case "password":
		c.MQTTPassword = value
	case "topic_prefix":
		c.MQTTTopicPrefix = value
	case "qos":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 && v <= 2 {
			c.MQTTQoS = v
		}
	case "retain":
		c.MQTTRetain = value == "1"
	}
}

func (c *Config) validate() error {
	if c.PrimaryIface == "" {
		return &pkg.ConfigError{Option: "primary_iface", Reason: "must not be empty"}
	}
	if c.BackupIface == "" {
		return &pkg.ConfigError{Option: "backup_iface", Reason: "must not be empty"}
	}
	if c.PrimaryIface == c.BackupIface {
		return &pkg.ConfigError{Option: "backup_iface", Reason: "must differ from primary_iface"}
	}
	if c.LatencySpikeMS <= 0 {
		return &pkg.ConfigError{Option: "latency_spike_ms", Reason: "must be positive"}
	}
	if c.LossSpikePct <= 0 || c.LossSpikePct > 100 {
		return &pkg.ConfigError{Option: "loss_spike_pct", Reason: "must be between 0 and 100"}
	}
	if c.SNRDropThreshold <= 0 {
		return &pkg.ConfigError{Option: "snr_drop_threshold", Reason: "must be positive"}
	}
	if c.StabilityChecks < 1 {
		return &pkg.ConfigError{Option: "stability_checks", Reason: "must be at least 1"}
	}
	if c.FailbackChecks < 1 {
		return &pkg.ConfigError{Option: "failback_checks", Reason: "must be at least 1"}
	}
	if c.MQTTEnabled && c.MQTTBroker == "" {
		return &pkg.ConfigError{Option: "mqtt.broker", Reason: "required when mqtt is enabled"}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}

// Thresholds converts the configured knobs into the form the decision
// rules compare against. Percent options become fractions here.
func (c *Config) Thresholds() pkg.Thresholds {
	return pkg.Thresholds{
		LatencySpikeMS:      c.LatencySpikeMS,
		LossSpikeFraction:   c.LossSpikePct / 100,
		SNRDropThreshold:    c.SNRDropThreshold,
		HandoffThresholdS:   float64(c.HandoffThresholdS),
		StabilityChecks:     c.StabilityChecks,
		FailbackChecks:      c.FailbackChecks,
		Cooldown:            time.Duration(c.CooldownS) * time.Second,
		SpikeBypassCooldown: c.SpikeBypassCooldown,
		FailbackObstruction: c.FailbackObstructionPct / 100,
	}
}

// StarlinkAddr returns the dish API endpoint in host:port form.
func (c *Config) StarlinkAddr() string {
	return fmt.Sprintf("%s:%d", c.StarlinkHost, c.StarlinkPort)
}
