package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/health"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/diskmanager"
	"github.com/devrev/pairdb/crdt-storage/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and the health probes via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	checker    *health.HealthChecker
	logger     *zap.Logger
	dataDir    string
	usage      diskmanager.UsageFunc
	pools      []*workerpool.WorkerPool
	interval   time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
	listener   net.Listener
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port    int
	Path    string
	DataDir string
	// CollectInterval is how often system gauges are refreshed
	CollectInterval time.Duration
	Usage           diskmanager.UsageFunc
	// Pools have their task counters exported on every collection
	Pools []*workerpool.WorkerPool
}

// NewMetricsServer creates a new metrics server. gatherer is the registry
// the node's metrics were registered with.
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, m *metrics.Metrics, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}
	usage := cfg.Usage
	if usage == nil {
		usage = diskmanager.Statfs
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		checker:  checker,
		logger:   logger,
		dataDir:  cfg.DataDir,
		usage:    usage,
		pools:    cfg.Pools,
		interval: cfg.CollectInterval,
		stopChan: make(chan struct{}),
	}

	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", checker.LivenessHandler)
	mux.HandleFunc("/ready", checker.ReadinessHandler)

	return ms
}

// Handler returns the HTTP handler, for tests and embedding
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves in the background
func (s *MetricsServer) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = lis
	s.logger.Info("Starting metrics server", zap.String("addr", lis.Addr().String()))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping metrics server")
		close(s.stopChan)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("metrics server shutdown failed: %w", shutdownErr)
		}
	})
	return err
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *MetricsServer) updateSystemMetrics() {
	var usagePercent float64
	var available uint64
	usage, err := s.usage(s.dataDir)
	if err != nil {
		s.logger.Warn("Failed to get disk stats", zap.Error(err))
	} else if usage.TotalBytes > 0 {
		available = usage.AvailableBytes
		usagePercent = float64(usage.TotalBytes-usage.AvailableBytes) / float64(usage.TotalBytes) * 100
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(usagePercent, available, memStats.Alloc, runtime.NumGoroutine())

	for _, pool := range s.pools {
		st := pool.Stats()
		s.metrics.UpdateWorkerPool(st.Name, st.MaxWorkers, st.ActiveWorkers, st.QueuedTasks,
			st.CompletedTasks, st.FailedTasks, st.RejectedTasks)
	}
}
