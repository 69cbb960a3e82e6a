package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/mapstore"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

// BackupConfig holds backup scheduling configuration
type BackupConfig struct {
	// Interval of zero disables the scheduler; Backup can still be called
	Interval time.Duration
	Timeout  time.Duration
}

// BackupResult summarises one backup
type BackupResult struct {
	Records     int
	RemovedKeys int
	// Since is the watermark the records were read from
	Since    int64
	Duration time.Duration
}

// BackupService snapshots a map store into a durable store and restores it
// on startup. Backups are incremental: each one copies the records changed
// since the previous successful backup and tombstones the keys removed in
// between.
type BackupService[K constraints.Ordered, S any] struct {
	config  *BackupConfig
	memory  *mapstore.Store[K, S]
	durable crdt.Storage[K, S]
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// mu makes a backup exclusive with ClearRemovedKeys
	mu        sync.Mutex
	watermark int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBackupService creates the service and, when an interval is set,
// starts its scheduler
func NewBackupService[K constraints.Ordered, S any](
	cfg *BackupConfig,
	memory *mapstore.Store[K, S],
	durable crdt.Storage[K, S],
	m *metrics.Metrics,
	logger *zap.Logger,
) *BackupService[K, S] {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &BackupService[K, S]{
		config:   cfg,
		memory:   memory,
		durable:  durable,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	if cfg.Interval > 0 {
		s.wg.Add(1)
		go s.backupScheduler()
		logger.Info("Backup service started", zap.Duration("interval", cfg.Interval))
	}
	return s
}

func (s *BackupService[K, S]) backupScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := stopContext(s.stopChan, s.config.Timeout)
			if _, err := s.Backup(ctx); err != nil {
				s.logger.Error("Backup failed", zap.Error(err))
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// Backup copies the map store into the durable store. Removed keys are
// tombstoned before the records are uploaded, so a key removed and then
// written again stays visible. The removed keys are cleared only once both
// steps are committed.
func (s *BackupService[K, S]) Backup(ctx context.Context) (BackupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	result := BackupResult{Since: s.watermark}

	removed := s.memory.RemovedKeys()
	if len(removed) > 0 {
		if err := crdt.RemoveKeys(ctx, s.durable, removed...); err != nil {
			s.metrics.RecordBackup("failed", 0)
			return result, fmt.Errorf("failed to back up removed keys: %w", err)
		}
	}
	result.RemovedKeys = len(removed)

	src, err := s.memory.Download(ctx, s.watermark)
	if err != nil {
		s.metrics.RecordBackup("failed", 0)
		return result, fmt.Errorf("failed to snapshot map store: %w", err)
	}
	sink, err := s.durable.Upload(ctx)
	if err != nil {
		src.Close()
		s.metrics.RecordBackup("failed", 0)
		return result, fmt.Errorf("failed to open backup upload: %w", err)
	}

	n, err := crdt.Copy[crdt.Record[K, S]](ctx, src, sink)
	result.Records = n
	if err != nil && !errors.IsMergeFailure(err) {
		s.metrics.RecordBackup("failed", n)
		return result, fmt.Errorf("failed to upload backup: %w", err)
	}

	s.memory.ClearRemovedKeys(removed...)

	if err != nil {
		// the records that did not merge are copied again next time
		s.logger.Warn("Backup skipped records that failed to merge", zap.Error(err))
		s.metrics.RecordBackup("partial", n)
	} else {
		s.watermark = start.UnixNano()
		s.metrics.RecordBackup("ok", n)
	}

	result.Duration = time.Since(start)
	s.logger.Info("Backup completed",
		zap.Int("records", result.Records),
		zap.Int("removed_keys", result.RemovedKeys),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Restore merges the durable store into the map store. Merging makes it
// safe to restore into a store that already took writes.
func (s *BackupService[K, S]) Restore(ctx context.Context) (int, error) {
	src, err := s.durable.Download(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup: %w", err)
	}
	sink, err := s.memory.Upload(ctx)
	if err != nil {
		src.Close()
		return 0, fmt.Errorf("failed to open map store: %w", err)
	}

	n, err := crdt.Copy[crdt.Record[K, S]](ctx, src, sink)
	if err != nil && !errors.IsMergeFailure(err) {
		return n, fmt.Errorf("failed to restore backup: %w", err)
	}
	if err != nil {
		s.logger.Warn("Restore skipped records that failed to merge", zap.Error(err))
	}

	s.logger.Info("Backup restored", zap.Int("records", n))
	return n, nil
}

// ClearRemovedKeys forgets removed keys without backing them up. It waits
// for a running backup.
func (s *BackupService[K, S]) ClearRemovedKeys(keys ...K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.ClearRemovedKeys(keys...)
}

// Stop stops the scheduler. A final backup is left to the caller.
func (s *BackupService[K, S]) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
}
