package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/diskmanager"
	"go.uber.org/zap"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// HealthChecker performs health checks for the storage node
type HealthChecker struct {
	nodeID     string
	dataDir    string
	interval   time.Duration
	partitions func() model.PartitionStatus
	usage      diskmanager.UsageFunc
	logger     *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	partStatus  model.PartitionStatus
	livenessOK  bool
	readinessOK bool
	draining    bool
	observers   []func(model.HealthStatus)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Interval time.Duration
	// Partitions reports cluster liveness; nil means the node is standalone
	Partitions func() model.PartitionStatus
	// Usage defaults to statfs
	Usage diskmanager.UsageFunc
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	usage := cfg.Usage
	if usage == nil {
		usage = diskmanager.Statfs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		interval:    cfg.Interval,
		partitions:  cfg.Partitions,
		usage:       usage,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: false,
		status:      model.NodeStatusHealthy,
	}
}

// OnCheck registers fn to receive the status after every round of checks
func (h *HealthChecker) OnCheck(fn func(model.HealthStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
}

// Start runs the checks until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunHealthChecks()

	for {
		select {
		case <-ticker.C:
			h.RunHealthChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunHealthChecks runs every check once and returns the resulting status
func (h *HealthChecker) RunHealthChecks() model.HealthStatus {
	disk, usage := h.checkDiskSpace()
	results := []CheckResult{
		disk,
		h.checkDataDirAccessible(),
		h.checkFileDescriptors(),
	}

	var parts model.PartitionStatus
	if h.partitions != nil {
		parts = h.partitions()
		results = append(results, checkPartitions(parts))
	}

	allHealthy := true
	allReady := true
	for _, result := range results {
		if result.Status != statusHealthy {
			allHealthy = false
			if result.Status == statusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, result := range results {
		h.checks[result.Name] = result
	}
	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.metrics = model.HealthMetrics{
		DiskUsage:      usage,
		GoroutineCount: runtime.NumGoroutine(),
	}
	h.partStatus = parts
	h.livenessOK = true
	h.readinessOK = allReady && !h.draining
	status := h.statusLocked()
	observers := append([]func(model.HealthStatus){}, h.observers...)
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status.Status)),
		zap.Bool("ready", allReady))

	for _, fn := range observers {
		fn(status)
	}
	return status
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace() (CheckResult, float64) {
	usage, err := h.usage(h.dataDir)
	if err != nil || usage.TotalBytes == 0 {
		if err == nil {
			err = fmt.Errorf("filesystem reports no capacity")
		}
		return CheckResult{
			Name:      "disk_space",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}, 0
	}

	usagePercent := float64(usage.TotalBytes-usage.AvailableBytes) / float64(usage.TotalBytes) * 100
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
	switch {
	case usagePercent > 95:
		result.Status = statusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent)
	case usagePercent > 90:
		result.Status = statusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", usagePercent)
	default:
		result.Status = statusHealthy
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			usagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
	}
	return result, usagePercent
}

// checkDataDirAccessible checks the data directory exists and is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	// a dot file is never mistaken for a segment
	probe := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(probe)

	return CheckResult{
		Name:      "data_dir_accessible",
		Status:    statusHealthy,
		Message:   "Data directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

// checkFileDescriptors checks if file descriptor usage is acceptable.
// Segment downloads keep one descriptor per segment open.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		// not Linux
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusHealthy,
			Message:   fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	status := statusHealthy
	if usagePercent > 90 {
		status = statusWarning
	}
	return CheckResult{
		Name:      "file_descriptors",
		Status:    status,
		Message:   fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// checkPartitions is critical when no partition is alive
func checkPartitions(parts model.PartitionStatus) CheckResult {
	result := CheckResult{Name: "partitions", Timestamp: time.Now()}
	switch {
	case len(parts.Alive) == 0:
		result.Status = statusCritical
		result.Message = fmt.Sprintf("No partition alive, %d dead", len(parts.Dead))
	case len(parts.Dead) > 0:
		result.Status = statusWarning
		result.Message = fmt.Sprintf("%d partitions alive, dead: %v", len(parts.Alive), parts.Dead)
	default:
		result.Status = statusHealthy
		result.Message = fmt.Sprintf("%d partitions alive", len(parts.Alive))
	}
	return result
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:     h.nodeID,
		Status:     h.status,
		Timestamp:  h.lastCheck.Unix(),
		Partitions: h.partStatus,
		Metrics:    h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// Drain makes the node report not ready until it exits
func (h *HealthChecker) Drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
	h.readinessOK = false
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	code := http.StatusOK
	if !live {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy":   live,
		"status":    status.Status,
		"node_id":   status.NodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		if c.Status != statusHealthy {
			checks = append(checks, c)
		}
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":            ready,
		"status":           status.Status,
		"alive_partitions": status.Partitions.Alive,
		"dead_partitions":  status.Partitions.Dead,
		"failing_checks":   checks,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
