package service

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"go.uber.org/zap"
)

// Repartitioner runs one repartition pass
type Repartitioner interface {
	Repartition(ctx context.Context) (model.RepartitionStats, error)
}

// RepartitionServiceConfig holds repartition scheduling configuration
type RepartitionServiceConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// RepartitionService moves local records to their replica sets on an
// interval
type RepartitionService struct {
	config     *RepartitionServiceConfig
	controller Repartitioner
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewRepartitionService(cfg *RepartitionServiceConfig, controller Repartitioner, logger *zap.Logger) *RepartitionService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RepartitionService{
		config:     cfg,
		controller: controller,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.repartitionScheduler()

	logger.Info("Repartition service started", zap.Duration("interval", cfg.Interval))
	return s
}

func (s *RepartitionService) repartitionScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := stopContext(s.stopChan, s.config.Timeout)
			stats, err := s.controller.Repartition(ctx)
			cancel()
			if err != nil {
				s.logger.Error("Repartition pass failed", zap.Error(err))
				continue
			}
			if stats.Failed > 0 {
				s.logger.Warn("Repartition pass left keys in place",
					zap.Uint64("failed", stats.Failed),
					zap.Uint64("all", stats.All))
			}
		case <-s.stopChan:
			return
		}
	}
}

func (s *RepartitionService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Repartition service stopped")
	})
}
