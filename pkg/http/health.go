package http

import (
	"net/http"
	"runtime"
	"time"

	"phoneme-recognizer/pkg/version"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines       int     `json:"goroutines"`
	MemoryMB         uint64  `json:"memory_mb"`
	CPUCount         int     `json:"cpu_count"`
	BufferFill       float64 `json:"buffer_fill"`
	WebSocketClients int     `json:"websocket_clients"`
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	// Check the analysis engine
	if s.engine != nil {
		stats := s.engine.Stats()
		health.Checks["engine"] = CheckResult{
			Status:  "healthy",
			Message: "Analysis engine running",
		}
		health.System.BufferFill = stats.Buffer.Fill

		if stats.HasProfile {
			health.Checks["profile"] = CheckResult{
				Status:  "healthy",
				Message: "Profile installed",
			}
		} else {
			health.Checks["profile"] = CheckResult{
				Status:  "degraded",
				Message: "No profile installed, cycles are skipped",
			}
			health.Status = "degraded"
		}
	} else {
		health.Checks["engine"] = CheckResult{
			Status:  "unhealthy",
			Message: "Analysis engine not initialized",
		}
		health.Status = "unhealthy"
	}

	// Check WebSocket service
	if s.hub != nil && s.hub.IsRunning() {
		health.Checks["websocket"] = CheckResult{
			Status:  "healthy",
			Message: "WebSocket hub is running",
		}
		health.System.WebSocketClients = s.hub.ClientCount()
	} else {
		health.Checks["websocket"] = CheckResult{
			Status:  "degraded",
			Message: "WebSocket hub not running",
		}
	}

	// Check AMQP if configured
	if s.amqpClient != nil {
		if s.amqpClient.IsConnected() {
			health.Checks["amqp"] = CheckResult{
				Status:  "healthy",
				Message: "AMQP connected",
			}
		} else {
			health.Checks["amqp"] = CheckResult{
				Status:  "degraded",
				Message: "AMQP disconnected",
			}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
	}

	// System information
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("X-Response-Time", time.Since(startTime).String())
	writeJSON(w, statusCode, health)
}

// LivenessHandler handles Kubernetes liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// ReadinessHandler reports ready once the engine has a profile to classify with
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "engine not initialized",
		})
		return
	}

	if !s.engine.Stats().HasProfile {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "no profile installed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
