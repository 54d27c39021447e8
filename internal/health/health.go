// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness checks with per-component
// status, suitable for systemd watchdogs and container probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/montyhome/homectl/internal/log"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the full health check response.
type HealthResponse struct {
	Status           Status                 `json:"status"`
	Version          string                 `json:"version,omitempty"`
	ArduinoConnected bool                   `json:"arduino_connected"`
	UptimeS          float64                `json:"uptime_s"`
	Timestamp        time.Time              `json:"timestamp"`
	Checks           map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for component health checks.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// SerialStatus is the transport view the serial checker reads.
type SerialStatus interface {
	Connected() bool
	PortName() string
}

// Manager manages health and readiness checks.
type Manager struct {
	version   string
	startedAt time.Time
	serial    SerialStatus
	checkers  []Checker
}

// NewManager creates a health check manager. serial may be nil when the
// transport is not wired (tests).
func NewManager(version string, serial SerialStatus) *Manager {
	return &Manager{
		version:   version,
		startedAt: time.Now(),
		serial:    serial,
		checkers:  make([]Checker, 0),
	}
}

// RegisterChecker adds a health checker to the manager.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs the liveness check. The process being able to answer is
// the liveness signal; component checks only shade the status.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		UptimeS:   time.Since(m.startedAt).Seconds(),
		Timestamp: time.Now(),
	}
	if m.serial != nil {
		resp.ArduinoConnected = m.serial.Connected()
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult)
		resp.Status = m.runChecks(ctx, resp.Checks)
	}
	return resp
}

// Ready performs the readiness check. An unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	resp.Status = m.runChecks(ctx, resp.Checks)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	return resp
}

func (m *Manager) runChecks(ctx context.Context, out map[string]CheckResult) Status {
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		out[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// ServeHealth handles HTTP health check requests. Always 200: liveness is
// the ability to answer.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness check requests.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}
}

// SerialChecker reports the serial transport state. A disconnected
// transmitter degrades rather than fails: commands queue retry attempts and
// the transport reconnects on demand.
type SerialChecker struct {
	serial SerialStatus
}

// NewSerialChecker creates a checker for the serial transport.
func NewSerialChecker(serial SerialStatus) *SerialChecker {
	return &SerialChecker{serial: serial}
}

func (c *SerialChecker) Name() string { return "serial" }

func (c *SerialChecker) Check(ctx context.Context) CheckResult {
	if c.serial == nil {
		return CheckResult{Status: StatusDegraded, Message: "transport not wired"}
	}
	if !c.serial.Connected() {
		return CheckResult{Status: StatusDegraded, Message: "transmitter disconnected, will reconnect on demand"}
	}
	return CheckResult{Status: StatusHealthy, Message: c.serial.PortName()}
}

// SchedulerChecker reports whether the daily job set is materialized.
type SchedulerChecker struct {
	jobCount func() int
}

// NewSchedulerChecker creates a checker backed by the scheduler's job count.
func NewSchedulerChecker(jobCount func() int) *SchedulerChecker {
	return &SchedulerChecker{jobCount: jobCount}
}

func (c *SchedulerChecker) Name() string { return "scheduler" }

func (c *SchedulerChecker) Check(ctx context.Context) CheckResult {
	n := c.jobCount()
	if n == 0 {
		// Legitimate late at night once every job has fired, hence not
		// unhealthy.
		return CheckResult{Status: StatusDegraded, Message: "no jobs scheduled"}
	}
	return CheckResult{Status: StatusHealthy}
}

// FileChecker checks that a required document exists and is non-empty.
type FileChecker struct {
	name string
	path string
}

// NewFileChecker creates a checker for file existence.
func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (c *FileChecker) Name() string { return c.name }

func (c *FileChecker) Check(ctx context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "file not found", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected file, got directory"}
	}
	if info.Size() == 0 {
		return CheckResult{Status: StatusDegraded, Message: "file is empty"}
	}
	return CheckResult{Status: StatusHealthy}
}
