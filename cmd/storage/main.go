package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/client"
	"github.com/devrev/pairdb/crdt-storage/internal/cluster"
	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/config"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/handler"
	"github.com/devrev/pairdb/crdt-storage/internal/health"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/partition"
	"github.com/devrev/pairdb/crdt-storage/internal/repartition"
	"github.com/devrev/pairdb/crdt-storage/internal/server"
	"github.com/devrev/pairdb/crdt-storage/internal/service"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/diskmanager"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/filestore"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/mapstore"
	"github.com/devrev/pairdb/crdt-storage/internal/util/workerpool"
	"github.com/devrev/pairdb/crdt-storage/internal/validation"
	pb "github.com/devrev/pairdb/crdt-storage/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

// The node stores last-writer-wins byte registers under string keys
type (
	key   = string
	state = crdt.Timestamped[[]byte]
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_mode", cfg.Storage.Mode),
		zap.Int("partitions", len(cfg.Cluster.Partitions)),
		zap.Int("replication_count", cfg.Cluster.ReplicationCount))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	merge := crdt.LWW(crdt.MaxBytes())
	keys := codec.String{}
	records := codec.NewRecordCodec[key, state](keys, codec.NewMsgpack[state]())

	// Local storage
	flushPool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "segment-flush",
		MaxWorkers: cfg.Storage.FlushWorkers,
		Logger:     logger,
	})

	disk, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        cfg.Storage.DiskWarningThreshold,
		ThrottleThreshold:       cfg.Storage.DiskThrottleThreshold,
		CircuitBreakerThreshold: cfg.Storage.DiskFullThreshold,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize disk manager", zap.Error(err))
	}

	fileStore, err := filestore.New[key, state](filestore.Config{
		Dir:                    cfg.Storage.DataDir,
		TombstonesDir:          cfg.Storage.TombstonesDir,
		ConsolidationDir:       cfg.Storage.ConsolidationDir,
		SegmentMaxRecords:      cfg.Storage.SegmentMaxRecords,
		ConsolidationMargin:    cfg.Storage.ConsolidationMargin,
		BloomFalsePositiveRate: cfg.Storage.BloomFilterFP,
		MetadataCacheSize:      cfg.Storage.MetadataCacheSize,
	}, filestore.Options[key, state]{
		Keys:         keys,
		States:       codec.NewMsgpack[state](),
		Merge:        merge,
		KeyValidator: validation.StringKey,
		Pool:         flushPool,
		Disk:         disk,
		Logger:       logger.Named("filestore"),
	})
	if err != nil {
		logger.Fatal("Failed to open file store", zap.Error(err))
	}

	var local crdt.Storage[key, state] = fileStore
	var backupSvc *service.BackupService[key, state]
	if cfg.Storage.Mode == config.StorageModeMemory {
		memStore := mapstore.New[key, state](merge, &mapstore.Config[key, state]{
			KeyValidator: validation.StringKey,
			Logger:       logger.Named("mapstore"),
		})
		backupSvc = service.NewBackupService[key, state](&service.BackupConfig{
			Interval: cfg.Backup.Interval,
			Timeout:  cfg.Backup.Timeout,
		}, memStore, fileStore, m, logger.Named("backup"))

		logger.Info("Restoring map store from backup")
		if _, err := backupSvc.Restore(context.Background()); err != nil {
			logger.Fatal("Failed to restore map store", zap.Error(err))
		}
		local = memStore
	}

	consolidationSvc := service.NewConsolidationService(&service.ConsolidationConfig{
		Interval: cfg.Storage.ConsolidationInterval,
	}, fileStore, m, logger.Named("consolidation"))

	// Cluster: the local partition is served in-process, peers over gRPC
	connPool := client.NewConnPool(logger)
	partitions := map[string]crdt.Storage[key, state]{cfg.Server.NodeID: local}
	for id, addr := range cfg.PeerAddresses() {
		partitions[id] = client.NewStorageClient[key, state](client.Config{
			Address:      addr,
			CallTimeout:  cfg.Cluster.CallTimeout,
			MaxRetries:   cfg.Cluster.MaxRetries,
			RetryBackoff: cfg.Cluster.RetryBackoff,
		}, connPool, records, logger)
	}

	scheme, err := partition.NewScheme(cfg.Cluster.Scheme, cfg.Cluster.VirtualNodes)
	if err != nil {
		logger.Fatal("Failed to create partitioning scheme", zap.Error(err))
	}

	crdtCluster, err := cluster.New[key, state](cluster.Config{
		ReplicationCount: cfg.Cluster.ReplicationCount,
		Timeout:          cfg.Cluster.Timeout,
		BufferSize:       cfg.Cluster.BufferSize,
	}, cluster.Options[key, state]{
		Partitions: partitions,
		Scheme:     scheme,
		Keys:       keys,
		Merge:      merge,
		Metrics:    m,
		Logger:     logger.Named("cluster"),
	})
	if err != nil {
		logger.Fatal("Failed to create cluster", zap.Error(err))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Cluster.Timeout)
		defer cancel()
		if err := crdtCluster.CheckAllPartitions(ctx); err != nil {
			logger.Warn("Initial partition check failed", zap.Error(err))
		}
	}()

	healthSvc := service.NewHealthService(&service.HealthServiceConfig{
		Interval: cfg.Cluster.HealthInterval,
		Timeout:  cfg.Cluster.Timeout,
	}, crdtCluster, m, logger.Named("health"))

	var repartitionSvc *service.RepartitionService
	if cfg.Repartition.Enabled {
		controller, err := repartition.NewController[key, state](repartition.Config{
			RateLimit:      cfg.Repartition.RateLimit,
			Burst:          cfg.Repartition.Burst,
			InitialBackoff: cfg.Repartition.InitialBackoff,
			MaxBackoff:     cfg.Repartition.MaxBackoff,
		}, crdtCluster, cfg.Server.NodeID, m, logger.Named("repartition"))
		if err != nil {
			logger.Fatal("Failed to create repartition controller", zap.Error(err))
		}
		repartitionSvc = service.NewRepartitionService(&service.RepartitionServiceConfig{
			Interval: cfg.Repartition.Interval,
			Timeout:  cfg.Repartition.Timeout,
		}, controller, logger.Named("repartition"))
	}

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:     cfg.Server.NodeID,
		DataDir:    cfg.Storage.DataDir,
		Interval:   cfg.Cluster.HealthInterval,
		Partitions: crdtCluster.Status,
	}, logger.Named("health"))

	// Initialize gossip service if enabled
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			AdvertiseAddr:  cfg.Gossip.AdvertiseAddr,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, crdtCluster, m, logger.Named("gossip"))
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			gs := gossipSvc
			checker.OnCheck(func(status model.HealthStatus) {
				gs.UpdateHealthStatus(status.Partitions, status.Metrics)
			})
		}
	}

	healthCtx, stopHealth := context.WithCancel(context.Background())
	go checker.Start(healthCtx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
			DataDir: cfg.Storage.DataDir,
			Pools:   []*workerpool.WorkerPool{flushPool},
		}, registry, m, checker, logger.Named("metrics"))
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	// gRPC server
	crdtHandler := handler.NewCrdtHandler[key, state](
		local,
		records,
		validation.NewValidatorWithLimits(cfg.Storage.MaxKeySize, cfg.Storage.MaxStateSize),
		m,
		logger.Named("handler"),
	)

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
	)
	pb.RegisterCrdtStorageServer(grpcServer, crdtHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("CRDT storage node starting", zap.String("address", addr))

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		checker.Drain()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			logger.Warn("Graceful stop timed out, closing open streams")
			grpcServer.Stop()
		}

		if repartitionSvc != nil {
			repartitionSvc.Stop()
		}
		healthSvc.Stop()
		consolidationSvc.Stop()

		if backupSvc != nil {
			backupSvc.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			if _, err := backupSvc.Backup(ctx); err != nil {
				logger.Error("Final backup failed", zap.Error(err))
			}
			cancel()
		}

		if gossipSvc != nil {
			if err := gossipSvc.Shutdown(); err != nil {
				logger.Warn("Failed to stop gossip", zap.Error(err))
			}
		}
		stopHealth()
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Warn("Failed to stop metrics server", zap.Error(err))
			}
		}
		if err := connPool.Close(); err != nil {
			logger.Warn("Failed to close partition connections", zap.Error(err))
		}
		if err := flushPool.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Failed to stop flush workers", zap.Error(err))
		}
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
	<-done
	logger.Info("CRDT storage node stopped")
}

// initLogger builds the production logger with the configured level and
// encoding
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zapCfg.Build()
}
