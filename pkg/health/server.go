// Package health serves liveness and readiness endpoints for process
// supervisors and external watchdogs.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/markus-lassfolk/satfail/pkg/decision"
	"github.com/markus-lassfolk/satfail/pkg/logx"
	"github.com/markus-lassfolk/satfail/pkg/uci"
)

// staleCycles is how many missed check intervals make telemetry stale.
const staleCycles = 3

// Server provides the /health endpoints.
type Server struct {
	config    *uci.Config
	engine    *decision.Engine
	logger    *logx.Logger
	server    *http.Server
	version   string
	startTime time.Time
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status         string               `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
	Version        string               `json:"version"`
	Phase          string               `json:"phase,omitempty"`
	CurrentPrimary string               `json:"current_primary,omitempty"`
	Components     map[string]Component `json:"components"`
	Memory         MemoryInfo           `json:"memory"`
}

// Component is the health of one subsystem.
type Component struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// MemoryInfo is a slice of runtime.MemStats for remote debugging.
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
}

// NewServer creates a health server around the engine.
func NewServer(config *uci.Config, engine *decision.Engine, version string, logger *logx.Logger) *Server {
	return &Server{
		config:    config,
		engine:    engine,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// Start serves the health endpoints on the configured port without
// blocking.
func (s *Server) Start() error {
	s.logger.Info("Starting health server", "port", s.config.HealthPort)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HealthPort),
		Handler: s.Handler(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server error", "error", err)
		}
	}()

	return nil
}

// Handler returns the route mux, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/ready", s.readyHandler)
	mux.HandleFunc("/health/live", s.liveHandler)
	return mux
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping health server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Ready means the persisted state is loadable; telemetry may still
	// be warming up.
	if _, err := s.engine.Status(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) getHealthStatus() HealthStatus {
	now := time.Now()
	status := HealthStatus{
		Status:        "healthy",
		Timestamp:     now,
		UptimeSeconds: now.Sub(s.startTime).Seconds(),
		Version:       s.version,
		Components:    make(map[string]Component),
		Memory:        memoryInfo(),
	}

	engineStatus, err := s.engine.Status()
	if err != nil {
		status.Components["state_store"] = Component{
			Status:    "unhealthy",
			Message:   err.Error(),
			LastCheck: now,
		}
		status.Status = "unhealthy"
		return status
	}

	status.Phase = engineStatus.Phase
	status.CurrentPrimary = engineStatus.State.CurrentPrimary
	status.Components["state_store"] = Component{
		Status:    "healthy",
		Message:   "State store is readable",
		LastCheck: now,
	}

	telemetry := Component{Status: "healthy", Message: "Telemetry is fresh", LastCheck: now}
	staleAfter := time.Duration(staleCycles*s.config.CheckIntervalS) * time.Second
	switch {
	case engineStatus.LastMetrics == nil:
		telemetry.Status = "unhealthy"
		telemetry.Message = "No metrics collected yet"
	case now.Sub(engineStatus.LastMetrics.Timestamp) > staleAfter:
		telemetry.Status = "unhealthy"
		telemetry.Message = fmt.Sprintf("Last sample is %s old", now.Sub(engineStatus.LastMetrics.Timestamp).Round(time.Second))
	}
	status.Components["telemetry"] = telemetry

	for _, component := range status.Components {
		if component.Status != "healthy" {
			status.Status = "unhealthy"
			break
		}
	}

	return status
}

func memoryInfo() MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
	}
}
