package routeswitch

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/retry"
)

func newTestSwitcher(mwan3 bool) *Switcher {
	return &Switcher{
		logger: logx.NewLogger("error", "routeswitch-test"),
		runner: retry.NewRunner(retry.Config{
			MaxAttempts:   1,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Millisecond,
			BackoffFactor: 2.0,
		}),
		mwan3:     mwan3,
		mwan3Path: "true",
		uciPath:   "true",
		ipPath:    "true",
	}
}

func TestParseMembers(t *testing.T) {
	output := `mwan3.globals=globals
mwan3.globals.mmx_mask='0x3F00'
mwan3.wan_m1=member
mwan3.wan_m1.interface='wan'
mwan3.wan_m1.weight='100'
mwan3.wan_m2=member
mwan3.wan_m2.interface='wan'
mwan3.wan_m2.metric='2'
mwan3.cell_m1=member
mwan3.cell_m1.interface="wwan0"
mwan3.cell_m1.weight='10'
mwan3.orphan=member
mwan3.balanced=policy
mwan3.balanced.use_member='wan_m1'
`

	members := parseMembers(output)

	want := map[string][]string{
		"wan":   {"wan_m1", "wan_m2"},
		"wwan0": {"cell_m1"},
	}
	if !reflect.DeepEqual(members, want) {
		t.Errorf("Unexpected members %v, want %v", members, want)
	}
}

func TestParseMembersEmpty(t *testing.T) {
	if members := parseMembers(""); len(members) != 0 {
		t.Errorf("Expected no members, got %v", members)
	}
}

func TestApplyRejectsEmptyTarget(t *testing.T) {
	s := newTestSwitcher(false)

	if err := s.Apply(context.Background(), "wan", ""); err == nil {
		t.Fatal("Expected error for empty target")
	}
}

func TestApplyRouteSuccess(t *testing.T) {
	s := newTestSwitcher(false)

	if err := s.Apply(context.Background(), "wan", "wwan0"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

func TestApplyRouteFailureIsUpLeg(t *testing.T) {
	s := newTestSwitcher(false)
	s.ipPath = "false"

	err := s.Apply(context.Background(), "wan", "wwan0")
	if err == nil {
		t.Fatal("Expected failure")
	}

	var switchErr *pkg.SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("Expected SwitchError, got %T: %v", err, err)
	}
	if switchErr.Leg != pkg.SwitchLegUp || switchErr.Interface != "wwan0" {
		t.Errorf("Unexpected classification %+v", switchErr)
	}
}

func TestApplyMWAN3ResolutionFailureIsDownLeg(t *testing.T) {
	s := newTestSwitcher(true)
	s.uciPath = "false"

	err := s.Apply(context.Background(), "wan", "wwan0")
	if err == nil {
		t.Fatal("Expected failure")
	}

	var switchErr *pkg.SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("Expected SwitchError, got %T: %v", err, err)
	}
	if switchErr.Leg != pkg.SwitchLegDown {
		t.Errorf("Config read failure must classify as down leg, got %q", switchErr.Leg)
	}
}

func TestApplyMWAN3MissingTargetIsDownLeg(t *testing.T) {
	s := newTestSwitcher(true)
	// `true` produces no output, so no members resolve.

	err := s.Apply(context.Background(), "wan", "wwan0")
	if err == nil {
		t.Fatal("Expected failure")
	}

	var switchErr *pkg.SwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("Expected SwitchError, got %T: %v", err, err)
	}
	if switchErr.Leg != pkg.SwitchLegDown {
		t.Errorf("Missing member must classify as down leg, got %q", switchErr.Leg)
	}
}
