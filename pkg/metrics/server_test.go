package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/predictive"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

func newTestServer() *Server {
	config := &uci.Config{
		PrimaryIface: "wan",
		BackupIface:  "wwan0",
		CooldownS:    300,
	}
	return NewServer(config, "1.0.0-test", logx.NewLogger("error", "metrics-test"))
}

func scrape(t *testing.T, s *Server) string {
	t.Helper()

	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 200 {
		t.Fatalf("scrape returned %d", recorder.Code)
	}
	return recorder.Body.String()
}

func TestObserveMetricsExportsGauges(t *testing.T) {
	s := newTestServer()
	window := 60.0
	s.ObserveMetrics(&pkg.LinkMetrics{
		SNR:                  9.5,
		LatencyMS:            45,
		LossFraction:         0.015,
		ObstructionFraction:  0.02,
		ReacquisitionWindowS: &window,
		Timestamp:            time.Now(),
	})

	body := scrape(t, s)
	for _, want := range []string{
		"satfail_link_snr 9.5",
		"satfail_link_latency_ms 45",
		"satfail_link_loss_percent 1.5",
		"satfail_link_obstruction_percent 2",
		"satfail_link_reacquisition_window_seconds 60",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestObserveMetricsNilWindowZeroesGauge(t *testing.T) {
	s := newTestServer()
	window := 60.0
	s.ObserveMetrics(&pkg.LinkMetrics{SNR: 9, ReacquisitionWindowS: &window})
	s.ObserveMetrics(&pkg.LinkMetrics{SNR: 9})

	if !strings.Contains(scrape(t, s), "satfail_link_reacquisition_window_seconds 0") {
		t.Error("window gauge not reset when no slot wait is reported")
	}
}

func TestObserveStateExportsPhaseAndPrimary(t *testing.T) {
	s := newTestServer()
	now := time.Now()
	s.ObserveState(pkg.FailoverState{
		CurrentPrimary:  "wwan0",
		FailbackCounter: 2,
		LastActionEpoch: now.Unix() - 60,
	}, now)

	body := scrape(t, s)
	for _, want := range []string{
		`satfail_engine_phase{phase="PENDING_FAILBACK"} 1`,
		`satfail_engine_phase{phase="ACTIVE"} 0`,
		`satfail_primary_interface{interface="wwan0"} 1`,
		`satfail_primary_interface{interface="wan"} 0`,
		"satfail_cooldown_remaining_seconds 240",
		"satfail_failback_counter 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestObserveStateOutsideCooldown(t *testing.T) {
	s := newTestServer()
	now := time.Now()
	s.ObserveState(pkg.FailoverState{
		CurrentPrimary:  "wan",
		LastActionEpoch: now.Unix() - 301,
	}, now)

	body := scrape(t, s)
	if !strings.Contains(body, "satfail_cooldown_remaining_seconds 0") {
		t.Error("cooldown gauge not zero outside the window")
	}
	if !strings.Contains(body, `satfail_engine_phase{phase="ACTIVE"} 1`) {
		t.Error("phase gauge not ACTIVE")
	}
}

func TestCountersAccumulate(t *testing.T) {
	s := newTestServer()
	s.RecordCycle("ok")
	s.RecordCycle("ok")
	s.RecordCycle("error")
	s.RecordSwitch(pkg.EventFailover, "SUCCESS")
	s.RecordCollectionError()

	body := scrape(t, s)
	for _, want := range []string{
		`satfail_decision_cycles_total{result="ok"} 2`,
		`satfail_decision_cycles_total{result="error"} 1`,
		`satfail_switch_events_total{result="SUCCESS",type="FAILOVER"} 1`,
		"satfail_collection_errors_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestObserveSlopes(t *testing.T) {
	s := newTestServer()
	s.ObserveSlopes(&predictive.Slopes{SNRPerMin: -0.5, LatencyPerMin: 12, LossPerMin: 0.001, Samples: 10})

	body := scrape(t, s)
	for _, want := range []string{
		"satfail_trend_snr_per_min -0.5",
		"satfail_trend_latency_ms_per_min 12",
		"satfail_trend_loss_per_min 0.001",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestVersionInfoExported(t *testing.T) {
	s := newTestServer()
	if !strings.Contains(scrape(t, s), `version="1.0.0-test"`) {
		t.Error("version label missing from scrape")
	}
}
