package health

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/decision"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/state"
	"github.com/markus-lassfolk/satfail/pkg/telem"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

func newTestServer(t *testing.T) (*Server, *telem.Store) {
	t.Helper()

	dir := t.TempDir()
	config := &uci.Config{
		PrimaryIface:   "wan",
		BackupIface:    "wwan0",
		CheckIntervalS: 5,
		HealthPort:     8081,
		StateFile:      filepath.Join(dir, "state"),
		HistoryDB:      filepath.Join(dir, "history.db"),
		HistoryDepth:   20,
	}
	logger := logx.NewLogger("error", "health-test")

	store := state.NewStore(config.StateFile, config.PrimaryIface, logger)
	history, err := telem.NewStore(config.HistoryDB, config.HistoryDepth, logger)
	if err != nil {
		t.Fatalf("Failed to open history store: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	engine := decision.NewEngine(config, logger, store, history, nil)
	return NewServer(config, engine, "1.0.0-test", logger), history
}

func get(t *testing.T, s *Server, path string) (int, []byte) {
	t.Helper()

	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", path, nil))
	return recorder.Code, recorder.Body.Bytes()
}

func TestLiveAlwaysOK(t *testing.T) {
	server, _ := newTestServer(t)

	code, body := get(t, server, "/health/live")
	if code != 200 {
		t.Errorf("live returned %d", code)
	}
	if string(body) != `{"status":"alive"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestReadyWhenStateLoads(t *testing.T) {
	server, _ := newTestServer(t)

	code, body := get(t, server, "/health/ready")
	if code != 200 {
		t.Errorf("ready returned %d, body %s", code, body)
	}
}

func TestHealthUnhealthyWithoutTelemetry(t *testing.T) {
	server, _ := newTestServer(t)

	code, body := get(t, server, "/health")
	if code != 503 {
		t.Fatalf("health returned %d, want 503 before first sample", code)
	}

	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", status.Status)
	}
	if status.Components["telemetry"].Status != "unhealthy" {
		t.Errorf("telemetry component = %+v", status.Components["telemetry"])
	}
	if status.Components["state_store"].Status != "healthy" {
		t.Errorf("state_store component = %+v", status.Components["state_store"])
	}
}

func TestHealthHealthyWithFreshSample(t *testing.T) {
	server, history := newTestServer(t)

	if err := history.Append(pkg.LinkMetrics{SNR: 9, LatencyMS: 45, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	code, body := get(t, server, "/health")
	if code != 200 {
		t.Fatalf("health returned %d, body %s", code, body)
	}

	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status = %q, want healthy", status.Status)
	}
	if status.Phase != pkg.PhaseActive {
		t.Errorf("phase = %q, want %q", status.Phase, pkg.PhaseActive)
	}
	if status.CurrentPrimary != "wan" {
		t.Errorf("current_primary = %q, want wan", status.CurrentPrimary)
	}
	if status.Version != "1.0.0-test" {
		t.Errorf("version = %q", status.Version)
	}
}

func TestHealthStaleSampleIsUnhealthy(t *testing.T) {
	server, history := newTestServer(t)

	// Three missed 5s cycles make a sample stale.
	if err := history.Append(pkg.LinkMetrics{SNR: 9, Timestamp: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	code, body := get(t, server, "/health")
	if code != 503 {
		t.Fatalf("health returned %d, want 503 for stale telemetry, body %s", code, body)
	}

	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Components["telemetry"].Status != "unhealthy" {
		t.Errorf("telemetry component = %+v", status.Components["telemetry"])
	}
}
