package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/inferloop/splitlab/internal/api/responses"
	"github.com/inferloop/splitlab/internal/observability/health"
)

type HealthHandler struct {
	startTime   time.Time
	version     string
	environment string
	monitor     *health.Monitor
	json        *responses.JSONResponse
}

type HealthStatus struct {
	*health.SystemStatus
	Version     string       `json:"version"`
	Environment string       `json:"environment"`
	System      SystemHealth `json:"system"`
}

type SystemHealth struct {
	CPUCount   int    `json:"cpu_count"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

func NewHealthHandler(version, environment string, monitor *health.Monitor) *HealthHandler {
	if monitor == nil {
		monitor = health.NewMonitor(0, nil)
	}
	return &HealthHandler{
		startTime:   time.Now(),
		version:     version,
		environment: environment,
		monitor:     monitor,
		json:        responses.NewJSONResponse(nil),
	}
}

// GetHealth reports dependency status. Only a failing critical dependency
// turns the response into 503.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.monitor.Check(r.Context())

	code := http.StatusOK
	if status.OverallStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.json.Write(w, code, &HealthStatus{
		SystemStatus: status,
		Version:      h.version,
		Environment:  h.environment,
		System: SystemHealth{
			CPUCount:   runtime.NumCPU(),
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  mem.HeapAlloc,
			NumGC:      mem.NumGC,
			GoVersion:  runtime.Version(),
		},
	})
}

func (h *HealthHandler) GetLiveness(w http.ResponseWriter, r *http.Request) {
	h.json.Write(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

func (h *HealthHandler) GetReadiness(w http.ResponseWriter, r *http.Request) {
	status := h.monitor.Check(r.Context())

	ready := status.OverallStatus != health.StatusUnhealthy
	code := http.StatusOK
	state := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		state = "not_ready"
	}
	h.json.Write(w, code, map[string]interface{}{
		"status":    state,
		"timestamp": status.CheckedAt,
		"checks":    status.Checks,
	})
}
