package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeCluster revives every dead partition on the first check
type fakeCluster struct {
	mu     sync.Mutex
	ids    []string
	dead   map[string]bool
	checks int
}

func newFakeCluster(ids []string, dead ...string) *fakeCluster {
	c := &fakeCluster{ids: ids, dead: make(map[string]bool)}
	for _, id := range dead {
		c.dead[id] = true
	}
	return c
}

func (c *fakeCluster) PartitionIDs() []string { return c.ids }

func (c *fakeCluster) CheckDeadPartitions(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	c.dead = make(map[string]bool)
	return nil
}

func (c *fakeCluster) Status() model.PartitionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s model.PartitionStatus
	for _, id := range c.ids {
		if c.dead[id] {
			s.Dead = append(s.Dead, id)
		} else {
			s.Alive = append(s.Alive, id)
		}
	}
	return s
}

func (c *fakeCluster) MarkDead(id string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead[id] = true
}

func (c *fakeCluster) MarkAlive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dead, id)
}

func (c *fakeCluster) Checks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

func TestHealthService_RevivesDeadPartitions(t *testing.T) {
	c := newFakeCluster([]string{"p1", "p2", "p3"}, "p2")
	m := metrics.NewMetrics("node-1", prometheus.NewRegistry())

	svc := NewHealthService(&HealthServiceConfig{Interval: time.Hour}, c, m, zap.NewNop())
	defer svc.Stop()

	status := svc.CheckOnce(context.Background())
	assert.Equal(t, []string{"p1", "p2", "p3"}, status.Alive)
	assert.Empty(t, status.Dead)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PartitionsAlive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PartitionsDead))
}

func TestHealthService_SkipsPingsWhenAllAlive(t *testing.T) {
	c := newFakeCluster([]string{"p1", "p2"})
	svc := NewHealthService(&HealthServiceConfig{Interval: time.Hour}, c, nil, zap.NewNop())
	defer svc.Stop()

	svc.CheckOnce(context.Background())
	assert.Equal(t, 0, c.Checks())
}

func TestHealthService_ChecksOnInterval(t *testing.T) {
	c := newFakeCluster([]string{"p1", "p2"}, "p1")
	svc := NewHealthService(&HealthServiceConfig{Interval: 10 * time.Millisecond}, c, nil, zap.NewNop())
	defer svc.Stop()

	assert.Eventually(t, func() bool { return c.Checks() == 1 && len(c.Status().Dead) == 0 },
		2*time.Second, 5*time.Millisecond)
}
