package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"gorm.io/gorm"

	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/session"
)

// SnapshotSource reports the latest player snapshot.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// CircuitReporter reports the state of the HTTP client's circuit breaker.
type CircuitReporter interface {
	CircuitState() httpclient.CircuitState
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	player    SnapshotSource
	circuit   CircuitReporter
	db        *gorm.DB
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithPlayer reports the player's state in health responses.
func (h *HealthHandler) WithPlayer(player SnapshotSource) *HealthHandler {
	h.player = player
	return h
}

// WithCircuit reports the HTTP client's circuit state.
func (h *HealthHandler) WithCircuit(c CircuitReporter) *HealthHandler {
	h.circuit = c
	return h
}

// WithDB sets the history database for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// CPUInfo is host load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo is host and process memory.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	// PercentageOfSystem is the process RSS relative to total memory.
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// DatabaseHealth describes the history database.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
}

// PlayerHealth summarizes the mounted session.
type PlayerHealth struct {
	State       models.SessionState `json:"state"`
	SessionID   string              `json:"session_id,omitempty"`
	Backend     string              `json:"backend,omitempty"`
	Unavailable bool                `json:"unavailable"`
	ErrorClass  string              `json:"error_class,omitempty"`
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Player        *PlayerHealth     `json:"player,omitempty"`
	Database      DatabaseHealth    `json:"database"`
	Circuit       string            `json:"circuit,omitempty"`
	Checks        map[string]string `json:"checks"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the liveness response.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the readiness response.
type ReadyzOutput struct {
	Status int
	Body   struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including player state and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service. A failed session or
// an unreachable database degrade the status without failing the request.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
		Database:      h.getDatabaseHealth(ctx),
		Checks:        map[string]string{},
	}
	resp.Checks["database"] = resp.Database.Status
	if resp.Database.Status == "error" {
		resp.Status = "degraded"
	}

	if h.player != nil {
		snap := h.player.Snapshot()
		resp.Player = &PlayerHealth{
			State:       snap.State,
			SessionID:   snap.SessionID,
			Backend:     string(snap.Backend),
			Unavailable: snap.Unavailable,
			ErrorClass:  snap.ErrorClass,
		}
		resp.Checks["player"] = "ok"
		if snap.Unavailable {
			resp.Checks["player"] = "unavailable"
			resp.Status = "degraded"
		}
	}

	if h.circuit != nil {
		state := h.circuit.CircuitState()
		resp.Circuit = state.String()
		resp.Checks["circuit"] = "ok"
		if state == httpclient.CircuitOpen {
			resp.Checks["circuit"] = "open"
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

// GetLivez reports that the process is serving.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the service can take control requests.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{Status: 200}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{}

	if h.player == nil {
		out.Body.Components["player"] = "not_configured"
		out.Body.Status = "not_ready"
	} else {
		out.Body.Components["player"] = "ok"
	}

	switch db := h.getDatabaseHealth(ctx); db.Status {
	case "unknown":
		out.Body.Components["database"] = "disabled"
	case "error":
		out.Body.Components["database"] = "error"
		out.Body.Status = "not_ready"
	default:
		out.Body.Components["database"] = "ok"
	}

	if out.Body.Status != "ready" {
		out.Status = 503
	}
	return out, nil
}

func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
		info.ProcessRSSMB = float64(rss.RSS) / 1024 / 1024
		if info.TotalMemoryMB > 0 {
			info.PercentageOfSystem = info.ProcessRSSMB / info.TotalMemoryMB * 100
		}
	}
	return info
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok"}
	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}
	stats := sqlDB.Stats()
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
	}
	return health
}
