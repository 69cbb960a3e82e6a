package service

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"go.uber.org/zap"
)

// PartitionChecker is the part of the cluster the health service drives
type PartitionChecker interface {
	CheckDeadPartitions(ctx context.Context) error
	Status() model.PartitionStatus
}

// HealthServiceConfig holds partition health check configuration
type HealthServiceConfig struct {
	Interval time.Duration
	// Timeout bounds one round of pings
	Timeout time.Duration
}

// HealthService pings dead partitions and brings back the ones that answer
type HealthService struct {
	config   *HealthServiceConfig
	cluster  PartitionChecker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHealthService creates the service and starts its checker
func NewHealthService(cfg *HealthServiceConfig, cluster PartitionChecker, m *metrics.Metrics, logger *zap.Logger) *HealthService {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &HealthService{
		config:   cfg,
		cluster:  cluster,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.checkLoop()
	return s
}

func (s *HealthService) checkLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := stopContext(s.stopChan, s.config.Timeout)
			s.CheckOnce(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// CheckOnce pings every dead partition once and returns the resulting status
func (s *HealthService) CheckOnce(ctx context.Context) model.PartitionStatus {
	before := s.cluster.Status()
	if len(before.Dead) > 0 {
		if err := s.cluster.CheckDeadPartitions(ctx); err != nil {
			s.logger.Warn("Partition health check interrupted", zap.Error(err))
		}
	}

	after := s.cluster.Status()
	s.metrics.UpdatePartitions(len(after.Alive), len(after.Dead))
	if len(after.Dead) > 0 {
		s.logger.Debug("Partitions still dead", zap.Strings("dead", after.Dead))
	}
	return after
}

func (s *HealthService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
}
