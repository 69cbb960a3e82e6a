package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/health"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/diskmanager"
	"github.com/devrev/pairdb/crdt-storage/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func halfFull(string) (diskmanager.Usage, error) {
	return diskmanager.Usage{TotalBytes: 2000, AvailableBytes: 1000}, nil
}

func newTestServer(t *testing.T, alive []string) (*MetricsServer, *metrics.Metrics, *health.HealthChecker) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("p1", reg)
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:     "p1",
		DataDir:    t.TempDir(),
		Usage:      halfFull,
		Partitions: func() model.PartitionStatus { return model.PartitionStatus{Alive: alive} },
	}, zap.NewNop())

	s := NewMetricsServer(&MetricsServerConfig{Port: 0, Usage: halfFull}, reg, m, checker, zap.NewNop())
	return s, m, checker
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	s, m, _ := newTestServer(t, []string{"p1"})
	m.UpdatePartitions(2, 1)

	code, body := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `pairdb_crdt_partitions_alive{node_id="p1"} 2`), body)
}

func TestMetricsServer_Probes(t *testing.T) {
	s, _, checker := newTestServer(t, []string{"p1"})

	code, _ := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready before the first check")

	checker.RunHealthChecks()
	code, _ = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"healthy":true`)

	s2, _, checker2 := newTestServer(t, nil)
	checker2.RunHealthChecks()
	code, _ = get(t, s2.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsServer_SystemStats(t *testing.T) {
	s, m, _ := newTestServer(t, []string{"p1"})
	s.updateSystemMetrics()

	assert.Equal(t, 50.0, testutil.ToFloat64(m.DiskUsagePercent))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.DiskAvailableBytes))
	assert.Greater(t, testutil.ToFloat64(m.GoroutinesTotal), 0.0)
}

func TestMetricsServer_WorkerPoolStats(t *testing.T) {
	s, m, _ := newTestServer(t, []string{"p1"})
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "segment-flush", MaxWorkers: 2, Logger: zap.NewNop()})
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	s.pools = []*workerpool.WorkerPool{pool}

	ctx := context.Background()
	require.NoError(t, pool.Run(ctx, "ok", func(context.Context) error { return nil }))
	require.Error(t, pool.Run(ctx, "bad", func(context.Context) error { return errors.New("flush failed") }))

	s.updateSystemMetrics()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerPoolWorkers.WithLabelValues("segment-flush", "max")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerPoolTasks.WithLabelValues("segment-flush", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerPoolTasks.WithLabelValues("segment-flush", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkerPoolTasks.WithLabelValues("segment-flush", "rejected")))
}

func TestMetricsServer_StartStop(t *testing.T) {
	s, _, _ := newTestServer(t, []string{"p1"})
	require.NoError(t, s.Start())
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
