package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"go.uber.org/zap"
)

// Usage is one filesystem sample
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// UsageFunc samples the filesystem holding dir
type UsageFunc func(dir string) (Usage, error)

// DiskManager gates segment writes on free disk space
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	usage         UsageFunc
	checkInterval time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu              sync.Mutex
	lastCheck       time.Time
	usagePercent    float64
	availableBytes  uint64
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds the thresholds, in percent of the filesystem
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Usage defaults to statfs
	Usage UsageFunc
}

func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	usage := cfg.Usage
	if usage == nil {
		usage = Statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		usage:                   usage,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// Statfs samples the filesystem with statfs(2)
func Statfs(dir string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return Usage{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}

// CheckBeforeWrite fails with DiskFull when the circuit breaker is engaged or
// the write does not fit, and with DiskThrottled for large writes while
// throttled
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes)
	}
	if dm.isThrottled && estimatedBytes > dm.availableBytes/10 {
		return errors.DiskThrottled(dm.usagePercent)
	}
	if estimatedBytes > dm.availableBytes {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

func (dm *DiskManager) checkLocked() error {
	u, err := dm.usage(dm.dataDir)
	if err != nil {
		return err
	}
	if u.TotalBytes == 0 {
		return fmt.Errorf("filesystem of %s reports zero size", dm.dataDir)
	}

	usagePercent := float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
	dm.usagePercent = usagePercent
	dm.availableBytes = u.AvailableBytes
	dm.lastCheck = time.Now()

	wasThrottled, wasBroken := dm.isThrottled, dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	switch {
	case dm.isCircuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", u.AvailableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent))
	}

	if dm.isThrottled && !wasThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && wasThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// GetDiskUsage returns the cached sample, refreshing it when stale
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		_ = dm.checkLocked()
	}
	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}
