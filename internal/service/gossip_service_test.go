package service

import (
	"net"
	"testing"

	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGossip_LeaveAndJoinDriveLiveness(t *testing.T) {
	c := newFakeCluster([]string{"p1", "p2", "p3"})
	m := metrics.NewMetrics("p1", prometheus.NewRegistry())
	gs := newGossipService(&GossipConfig{}, "p1", c, m, zap.NewNop())
	events := &GossipEventDelegate{service: gs}

	node := func(name string) *memberlist.Node {
		return &memberlist.Node{Name: name, Addr: net.ParseIP("127.0.0.1"), Port: 7946}
	}

	events.NotifyJoin(node("p2"))
	events.NotifyJoin(node("p3"))
	assert.Equal(t, 3, gs.Members())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.GossipMembersTotal))

	events.NotifyLeave(node("p2"))
	assert.Equal(t, []string{"p2"}, c.Status().Dead)
	assert.Equal(t, 2, gs.Members())

	events.NotifyJoin(node("p2"))
	assert.Empty(t, c.Status().Dead)

	// members that are not partitions only count toward membership
	events.NotifyJoin(node("observer"))
	events.NotifyLeave(node("observer"))
	assert.Empty(t, c.Status().Dead)

	// the local node never marks itself dead
	events.NotifyLeave(node("p1"))
	assert.Empty(t, c.Status().Dead)
}

func TestGossip_HealthStatusTravelsBetweenNodes(t *testing.T) {
	c := newFakeCluster([]string{"p1", "p2"})
	local := newGossipService(&GossipConfig{}, "p1", c, nil, zap.NewNop())
	remote := newGossipService(&GossipConfig{}, "p2", c, nil, zap.NewNop())

	local.UpdateHealthStatus(model.PartitionStatus{Alive: []string{"p1"}, Dead: []string{"p2"}},
		model.HealthMetrics{DiskUsage: 40})

	meta := local.NodeMeta(memberlist.MetaMaxSize)
	require.NotEmpty(t, meta)
	remote.NotifyMsg(meta)

	status, ok := remote.RemoteStatus("p1")
	require.True(t, ok)
	assert.Equal(t, model.NodeStatusDegraded, status.Status)
	assert.Equal(t, []string{"p2"}, status.Partitions.Dead)

	// too small a budget yields nothing rather than a truncated status
	assert.Nil(t, local.NodeMeta(1))

	// garbage is ignored
	remote.MergeRemoteState([]byte{0xc1}, false)
	_, ok = remote.RemoteStatus("")
	assert.False(t, ok)
}

func TestGossip_UpdateHealthStatus(t *testing.T) {
	c := newFakeCluster([]string{"p1"})
	gs := newGossipService(&GossipConfig{}, "p1", c, nil, zap.NewNop())

	tests := []struct {
		name       string
		partitions model.PartitionStatus
		disk       float64
		want       model.NodeStatus
	}{
		{"all alive", model.PartitionStatus{Alive: []string{"p1"}}, 10, model.NodeStatusHealthy},
		{"disk nearly full", model.PartitionStatus{Alive: []string{"p1"}}, 95, model.NodeStatusDegraded},
		{"none alive", model.PartitionStatus{Dead: []string{"p1"}}, 10, model.NodeStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs.UpdateHealthStatus(tt.partitions, model.HealthMetrics{DiskUsage: tt.disk})
			gs.mu.RLock()
			defer gs.mu.RUnlock()
			assert.Equal(t, tt.want, gs.healthData.Status)
		})
	}
}
