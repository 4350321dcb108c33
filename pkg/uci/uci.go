package uci

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/markus-lassfolk/satfail/pkg/logx"
)

// UCI is a thin client for the native uci binary on RUTOS/OpenWrt.
type UCI struct {
	logger *logx.Logger
}

// NewUCI creates a new UCI client.
func NewUCI(logger *logx.Logger) *UCI {
	return &UCI{logger: logger}
}

// LoadConfig reads the satfail configuration through `uci show`.
func (u *UCI) LoadConfig() (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := u.execUCI(ctx, "show", "satfail")
	if err != nil {
		return nil, err
	}

	sawPingTarget := false
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" || !strings.Contains(line, "=") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		left := parts[0]
		value := strings.Trim(parts[1], "'\"")

		// satfail.<section>.<option>=value; two-part lines declare
		// sections and carry no option.
		leftParts := strings.Split(left, ".")
		if len(leftParts) != 3 {
			continue
		}
		section := leftParts[1]
		option := leftParts[2]

		if option == "ping_target" {
			if !sawPingTarget {
				cfg.PingTargets = nil
				sawPingTarget = true
			}
			// uci show renders list items as 'a' 'b'.
			for _, item := range strings.Split(value, "' '") {
				if item = strings.Trim(item, "'\""); item != "" {
					cfg.PingTargets = append(cfg.PingTargets, item)
				}
			}
			continue
		}

		if section == "mqtt" {
			cfg.parseMQTTOption(option, value)
		} else {
			cfg.parseMainOption(option, value)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (u *UCI) execUCI(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "uci", args...)
	output, err := cmd.Output()
	if err != nil {
		if u.logger != nil {
			u.logger.Error("UCI command failed", "command", "uci "+strings.Join(args, " "), "error", err)
		}
		return "", fmt.Errorf("uci command failed: %w", err)
	}
	return string(output), nil
}
