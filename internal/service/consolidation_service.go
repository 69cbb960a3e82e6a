package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"go.uber.org/zap"
)

// Consolidator is the part of the file store the consolidation service drives
type Consolidator interface {
	Consolidate(ctx context.Context) (*model.ConsolidationResult, error)
	Segments() ([]model.SegmentInfo, error)
	Tombstones() ([]model.SegmentInfo, error)
}

// ConsolidationConfig holds consolidation scheduling configuration
type ConsolidationConfig struct {
	Interval time.Duration
	// Timeout bounds one pass; zero means no bound
	Timeout time.Duration
}

// ConsolidationService runs file store consolidation in the background
type ConsolidationService struct {
	config   *ConsolidationConfig
	store    Consolidator
	metrics  *metrics.Metrics
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	passes    uint64 // Atomic counter of completed passes
	conflicts uint64 // Atomic counter of passes that lost a race
	failures  uint64 // Atomic counter of failed passes
}

// NewConsolidationService creates the service and starts its scheduler
func NewConsolidationService(cfg *ConsolidationConfig, store Consolidator, m *metrics.Metrics, logger *zap.Logger) *ConsolidationService {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &ConsolidationService{
		config:   cfg,
		store:    store,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.consolidationScheduler()

	logger.Info("Consolidation service started", zap.Duration("interval", cfg.Interval))
	return s
}

func (s *ConsolidationService) consolidationScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := stopContext(s.stopChan, s.config.Timeout)
			_, _ = s.RunOnce(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce runs a single pass and records its outcome. A pass that loses a
// race with another one is not an error; it runs again on the next tick.
func (s *ConsolidationService) RunOnce(ctx context.Context) (*model.ConsolidationResult, error) {
	start := time.Now()
	result, err := s.store.Consolidate(ctx)

	status := string(model.ConsolidationStatusFailed)
	inputs, dropped := 0, 0
	if result != nil {
		status = string(result.Status)
		inputs = len(result.Inputs)
		dropped = result.TombstonesDropped
	}
	s.metrics.RecordConsolidation(status, inputs, dropped, time.Since(start))

	switch {
	case err == nil:
		atomic.AddUint64(&s.passes, 1)
	case errors.HasCode(err, errors.ErrCodeConsolidationConflict):
		atomic.AddUint64(&s.conflicts, 1)
		s.logger.Info("Consolidation skipped", zap.Error(err))
		err = nil
	default:
		atomic.AddUint64(&s.failures, 1)
		s.logger.Error("Consolidation failed", zap.Error(err))
	}

	s.updateSegmentGauges()
	return result, err
}

func (s *ConsolidationService) updateSegmentGauges() {
	segments, err := s.store.Segments()
	if err != nil {
		s.logger.Warn("Failed to list segments", zap.Error(err))
		return
	}
	tombstones, err := s.store.Tombstones()
	if err != nil {
		s.logger.Warn("Failed to list tombstones", zap.Error(err))
		return
	}
	s.metrics.UpdateSegments(len(segments), len(tombstones))
}

// ConsolidationStats is a snapshot of the service counters
type ConsolidationStats struct {
	Passes    uint64
	Conflicts uint64
	Failures  uint64
}

func (s *ConsolidationService) Stats() ConsolidationStats {
	return ConsolidationStats{
		Passes:    atomic.LoadUint64(&s.passes),
		Conflicts: atomic.LoadUint64(&s.conflicts),
		Failures:  atomic.LoadUint64(&s.failures),
	}
}

// Stop stops the scheduler and waits for a running pass
func (s *ConsolidationService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Consolidation service stopped")
	})
}
