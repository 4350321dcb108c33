// Package routeswitch moves the default route between the satellite
// and cellular interfaces. It drives mwan3 policy weights where mwan3
// is installed and rewrites the default route directly otherwise.
package routeswitch

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/retry"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

// mwan3 member weights. The preferred member gets promotedWeight, every
// other member demotedWeight.
const (
	promotedWeight = 100
	demotedWeight  = 10
)

// Switcher implements pkg.RouteSwitcher over mwan3 or plain ip route.
type Switcher struct {
	logger *logx.Logger
	runner *retry.Runner

	mwan3 bool

	mwan3Path string
	uciPath   string
	ipPath    string
}

// NewSwitcher creates a switcher. When the config asks for mwan3 but
// the binary is missing or broken, it falls back to direct route
// control with a warning.
func NewSwitcher(config *uci.Config, logger *logx.Logger) *Switcher {
	s := &Switcher{
		logger:    logger,
		runner:    retry.NewRunner(retry.DefaultConfig()),
		mwan3:     config.UseMWAN3,
		mwan3Path: "mwan3",
		uciPath:   "uci",
		ipPath:    "ip",
	}

	if s.mwan3 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exec.CommandContext(ctx, s.mwan3Path, "status").Run(); err != nil {
			logger.Warn("mwan3 not available, falling back to direct route control", "error", err)
			s.mwan3 = false
		}
	}
	return s
}

// Apply switches the preferred route from one interface to the other.
// Failures are classified by leg so the caller knows whether the old
// route already moved.
func (s *Switcher) Apply(ctx context.Context, from, to string) error {
	if to == "" {
		return fmt.Errorf("target interface cannot be empty")
	}
	if s.mwan3 {
		return s.applyMWAN3(ctx, from, to)
	}
	return s.applyRoute(ctx, from, to)
}

func (s *Switcher) applyMWAN3(ctx context.Context, from, to string) error {
	out, err := s.runner.Output(ctx, s.uciPath, "show", "mwan3")
	if err != nil {
		// Nothing has moved yet, so resolution failures count as the
		// down leg.
		return &pkg.SwitchError{Leg: pkg.SwitchLegDown, Interface: from,
			Err: fmt.Errorf("failed to read mwan3 config: %w", err)}
	}
	members := parseMembers(string(out))

	targets, ok := members[to]
	if !ok {
		return &pkg.SwitchError{Leg: pkg.SwitchLegDown, Interface: to,
			Err: fmt.Errorf("interface %s has no mwan3 member", to)}
	}

	if from != "" {
		if sections, ok := members[from]; ok {
			for _, section := range sections {
				if err := s.setWeight(ctx, section, demotedWeight); err != nil {
					return &pkg.SwitchError{Leg: pkg.SwitchLegDown, Interface: from, Err: err}
				}
			}
		} else {
			s.logger.Warn("No mwan3 member for previous primary", "interface", from)
		}
	}

	for _, section := range targets {
		if err := s.setWeight(ctx, section, promotedWeight); err != nil {
			return &pkg.SwitchError{Leg: pkg.SwitchLegUp, Interface: to, Err: err}
		}
	}

	if err := s.runner.Run(ctx, s.uciPath, "commit", "mwan3"); err != nil {
		return &pkg.SwitchError{Leg: pkg.SwitchLegCommit, Interface: to,
			Err: fmt.Errorf("failed to commit mwan3 config: %w", err)}
	}
	if err := s.runner.Run(ctx, s.mwan3Path, "reload"); err != nil {
		return &pkg.SwitchError{Leg: pkg.SwitchLegCommit, Interface: to,
			Err: fmt.Errorf("failed to reload mwan3: %w", err)}
	}

	s.logger.Debug("mwan3 weights applied", "from", from, "to", to)
	return nil
}

func (s *Switcher) setWeight(ctx context.Context, section string, weight int) error {
	arg := fmt.Sprintf("mwan3.%s.weight=%d", section, weight)
	if err := s.runner.Run(ctx, s.uciPath, "set", arg); err != nil {
		return fmt.Errorf("failed to set weight for member %s: %w", section, err)
	}
	return nil
}

// applyRoute replaces the default route in one netlink operation, so
// there is no separate down leg to fail.
func (s *Switcher) applyRoute(ctx context.Context, from, to string) error {
	err := s.runner.Run(ctx, s.ipPath, "route", "replace", "default", "dev", to, "metric", "1")
	if err != nil {
		return &pkg.SwitchError{Leg: pkg.SwitchLegUp, Interface: to,
			Err: fmt.Errorf("failed to replace default route: %w", err)}
	}
	s.logger.Debug("Default route replaced", "from", from, "to", to)
	return nil
}

// parseMembers maps interface names to their mwan3 member section
// names from `uci show mwan3` output. An interface can carry several
// members; sections come back sorted for deterministic command order.
func parseMembers(output string) map[string][]string {
	sections := make(map[string]bool)
	ifaces := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "mwan3.") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "mwan3."), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "'\"")

		section, option, nested := strings.Cut(key, ".")
		if !nested {
			if value == "member" {
				sections[section] = true
			}
			continue
		}
		if option == "interface" {
			ifaces[section] = value
		}
	}

	members := make(map[string][]string)
	for section := range sections {
		iface, ok := ifaces[section]
		if !ok {
			continue
		}
		members[iface] = append(members[iface], section)
	}
	for _, list := range members {
		sort.Strings(list)
	}
	return members
}
