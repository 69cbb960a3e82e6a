package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedUsage(usedPercent float64) diskmanager.UsageFunc {
	return func(string) (diskmanager.Usage, error) {
		total := uint64(1000)
		return diskmanager.Usage{TotalBytes: total, AvailableBytes: total - uint64(usedPercent*10)}, nil
	}
}

func newChecker(t *testing.T, dir string, usage diskmanager.UsageFunc, parts model.PartitionStatus) *HealthChecker {
	t.Helper()
	return NewHealthChecker(&HealthCheckConfig{
		NodeID:     "p1",
		DataDir:    dir,
		Usage:      usage,
		Partitions: func() model.PartitionStatus { return parts },
	}, zap.NewNop())
}

func TestHealthChecker_Status(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		dir       string
		usage     diskmanager.UsageFunc
		parts     model.PartitionStatus
		want      model.NodeStatus
		wantReady bool
	}{
		{
			name:      "healthy",
			dir:       dir,
			usage:     fixedUsage(40),
			parts:     model.PartitionStatus{Alive: []string{"p1", "p2"}},
			want:      model.NodeStatusHealthy,
			wantReady: true,
		},
		{
			name:      "dead partition degrades",
			dir:       dir,
			usage:     fixedUsage(40),
			parts:     model.PartitionStatus{Alive: []string{"p1"}, Dead: []string{"p2"}},
			want:      model.NodeStatusDegraded,
			wantReady: true,
		},
		{
			name:  "no partition alive",
			dir:   dir,
			usage: fixedUsage(40),
			parts: model.PartitionStatus{Dead: []string{"p1", "p2"}},
			want:  model.NodeStatusUnhealthy,
		},
		{
			name:  "missing data dir",
			dir:   filepath.Join(dir, "missing"),
			usage: fixedUsage(40),
			parts: model.PartitionStatus{Alive: []string{"p1"}},
			want:  model.NodeStatusUnhealthy,
		},
		{
			name:  "disk full",
			dir:   dir,
			usage: fixedUsage(97),
			parts: model.PartitionStatus{Alive: []string{"p1"}},
			want:  model.NodeStatusUnhealthy,
		},
		{
			name: "disk unreadable",
			dir:  dir,
			usage: func(string) (diskmanager.Usage, error) {
				return diskmanager.Usage{}, fmt.Errorf("statfs failed")
			},
			parts: model.PartitionStatus{Alive: []string{"p1"}},
			want:  model.NodeStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newChecker(t, tt.dir, tt.usage, tt.parts)
			assert.False(t, h.IsReady(), "not ready before the first check")

			status := h.RunHealthChecks()
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, tt.wantReady, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Equal(t, tt.parts, status.Partitions)
		})
	}
}

func TestHealthChecker_ObserversAndDrain(t *testing.T) {
	h := newChecker(t, t.TempDir(), fixedUsage(50), model.PartitionStatus{Alive: []string{"p1"}})

	var seen []model.HealthStatus
	h.OnCheck(func(s model.HealthStatus) { seen = append(seen, s) })

	h.RunHealthChecks()
	require.Len(t, seen, 1)
	assert.InDelta(t, 50.0, seen[0].Metrics.DiskUsage, 0.01)
	assert.True(t, h.IsReady())

	h.Drain()
	assert.False(t, h.IsReady())
	h.RunHealthChecks()
	assert.False(t, h.IsReady(), "a draining node stays unready")
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := newChecker(t, t.TempDir(), fixedUsage(10), model.PartitionStatus{Dead: []string{"p1"}})
	h.RunHealthChecks()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready          bool          `json:"ready"`
		DeadPartitions []string      `json:"dead_partitions"`
		FailingChecks  []CheckResult `json:"failing_checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, []string{"p1"}, body.DeadPartitions)
	require.Len(t, body.FailingChecks, 1)
	assert.Equal(t, "partitions", body.FailingChecks[0].Name)
}
