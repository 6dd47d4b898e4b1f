package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/regimenhq/biovelocity/internal/config"
	"github.com/regimenhq/biovelocity/internal/persistence"
)

// HealthHandler reports service health: snapshot store reachability,
// calibration validity, and process runtime state.
type HealthHandler struct {
	repoHealth  persistence.RepositoryHealth
	calibration *config.CalibrationConfig
	startTime   time.Time
	version     string
	buildStamp  string
}

// NewHealthHandler creates a new health handler. The repository health
// monitor may be nil when the service runs without a snapshot store.
func NewHealthHandler(repoHealth persistence.RepositoryHealth, calibration *config.CalibrationConfig, version, buildStamp string) *HealthHandler {
	if calibration == nil {
		calibration = config.DefaultCalibrationConfig()
	}
	return &HealthHandler{
		repoHealth:  repoHealth,
		calibration: calibration,
		startTime:   time.Now(),
		version:     version,
		buildStamp:  buildStamp,
	}
}

// HealthResponse is the health check response body
type HealthResponse struct {
	Status     string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
	Version    string    `json:"version"`
	BuildStamp string    `json:"build_stamp"`

	System SystemInfo `json:"system"`

	// Snapshot store status, absent when running store-less
	Store *persistence.HealthCheck `json:"store,omitempty"`

	Checks map[string]CheckResult `json:"checks"`
}

// SystemInfo carries process runtime numbers
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	MemSys        uint64 `json:"mem_sys_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult is one named health check outcome
type CheckResult struct {
	Status    string        `json:"status"` // "pass", "warn", "fail"
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServeHTTP implements GET /health. Degraded still answers 200 so load
// balancers keep a store-less compute node in rotation; only a failing
// check flips the response to 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := HealthResponse{
		Timestamp:  time.Now(),
		Uptime:     time.Since(h.startTime).String(),
		Version:    h.version,
		BuildStamp: h.buildStamp,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      memStats.Alloc,
			MemSys:        memStats.Sys,
			NumGC:         memStats.NumGC,
		},
		Checks: make(map[string]CheckResult),
	}

	response.Checks["store"] = h.checkStore(r, &response)
	response.Checks["calibration"] = h.checkCalibration()
	response.Checks["runtime"] = checkRuntime(response.System)
	response.Status = worstStatus(response.Checks)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// checkStore pings the snapshot store when one is attached. Running
// store-less is a warning, not a failure: compute-only deployments are a
// supported mode.
func (h *HealthHandler) checkStore(r *http.Request, response *HealthResponse) CheckResult {
	now := time.Now()
	if h.repoHealth == nil {
		return CheckResult{
			Status:    "warn",
			Message:   "Running without a snapshot store",
			Timestamp: now,
		}
	}

	check := h.repoHealth.Health(r.Context())
	response.Store = &check

	if !check.Healthy {
		message := "Snapshot store unhealthy"
		if len(check.Errors) > 0 {
			message = fmt.Sprintf("Snapshot store unhealthy: %s", check.Errors[0])
		}
		return CheckResult{
			Status:    "fail",
			Message:   message,
			Duration:  time.Since(now),
			Timestamp: now,
		}
	}

	return CheckResult{
		Status:    "pass",
		Message:   fmt.Sprintf("Snapshot store responding in %dms", check.ResponseTimeMS),
		Duration:  time.Since(now),
		Timestamp: now,
	}
}

// checkCalibration revalidates the active calibration. A calibration that
// fails validation would compute garbage velocities, so it fails hard.
func (h *HealthHandler) checkCalibration() CheckResult {
	now := time.Now()
	violations := h.calibration.Validate()
	if len(violations) > 0 {
		return CheckResult{
			Status:    "fail",
			Message:   fmt.Sprintf("Calibration has %d violations: %s", len(violations), violations[0]),
			Timestamp: now,
		}
	}
	return CheckResult{
		Status:    "pass",
		Message:   "Calibration valid",
		Timestamp: now,
	}
}

// checkRuntime flags heap pressure and goroutine leaks. The compute path
// allocates per request and frees everything, so sustained growth in
// either number points at the HTTP or store layers.
func checkRuntime(system SystemInfo) CheckResult {
	now := time.Now()

	heapShare := 0.0
	if system.MemSys > 0 {
		heapShare = float64(system.MemAlloc) / float64(system.MemSys) * 100
	}

	switch {
	case heapShare > 90:
		return CheckResult{
			Status:    "fail",
			Message:   fmt.Sprintf("Heap at %.1f%% of reserved memory", heapShare),
			Timestamp: now,
		}
	case heapShare > 75 || system.NumGoroutines > 1000:
		return CheckResult{
			Status:    "warn",
			Message:   fmt.Sprintf("Heap %.1f%%, %d goroutines", heapShare, system.NumGoroutines),
			Timestamp: now,
		}
	default:
		return CheckResult{
			Status:    "pass",
			Message:   fmt.Sprintf("Heap %.1f%%, %d goroutines", heapShare, system.NumGoroutines),
			Timestamp: now,
		}
	}
}

// worstStatus folds individual checks into the overall service status.
func worstStatus(checks map[string]CheckResult) string {
	status := "healthy"
	for _, check := range checks {
		switch check.Status {
		case "fail":
			return "unhealthy"
		case "warn":
			status = "degraded"
		}
	}
	return status
}
