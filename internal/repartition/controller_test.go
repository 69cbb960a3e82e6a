package repartition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/cluster"
	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/partition"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/mapstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type record = crdt.Record[string, int64]

type refusingStorage struct {
	crdt.Storage[string, int64]
	refuse bool
}

func (r *refusingStorage) Upload(ctx context.Context) (crdt.Sink[record], error) {
	if r.refuse {
		return nil, fmt.Errorf("connection refused")
	}
	return r.Storage.Upload(ctx)
}

type env struct {
	cluster *cluster.Cluster[string, int64]
	stores  map[string]*mapstore.Store[string, int64]
	wrapped map[string]*refusingStorage
}

func newEnv(t *testing.T, r int, ids ...string) *env {
	t.Helper()
	e := &env{
		stores:  make(map[string]*mapstore.Store[string, int64]),
		wrapped: make(map[string]*refusingStorage),
	}
	partitions := make(map[string]crdt.Storage[string, int64])
	for _, id := range ids {
		e.stores[id] = mapstore.New[string, int64](crdt.Max[int64](), nil)
		e.wrapped[id] = &refusingStorage{Storage: e.stores[id]}
		partitions[id] = e.wrapped[id]
	}

	c, err := cluster.New[string, int64](cluster.Config{
		ReplicationCount: r,
		Timeout:          time.Second,
	}, cluster.Options[string, int64]{
		Partitions: partitions,
		Scheme:     partition.Rendezvous{},
		Keys:       codec.String{},
		Merge:      crdt.Max[int64](),
	})
	require.NoError(t, err)
	e.cluster = c
	return e
}

func (e *env) controller(t *testing.T, local string) *Controller[string, int64] {
	t.Helper()
	ctrl, err := NewController[string, int64](Config{InitialBackoff: time.Hour}, e.cluster, local, nil, zap.NewNop())
	require.NoError(t, err)
	return ctrl
}

func (e *env) holders(key string) []string {
	var out []string
	for _, id := range e.cluster.PartitionIDs() {
		if _, ok := e.stores[id].Get(key); ok {
			out = append(out, id)
		}
	}
	return out
}

func keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("key-%03d", i)
	}
	return out
}

func TestRepartition_PlacesEveryKeyOnItsReplicaSet(t *testing.T) {
	e := newEnv(t, 2, "p1", "p2", "p3")
	for i, k := range keys(60) {
		require.NoError(t, e.stores["p1"].Put(k, int64(i)))
	}

	stats, err := e.controller(t, "p1").Repartition(context.Background())
	require.NoError(t, err)

	moved := 0
	for i, k := range keys(60) {
		want, err := e.cluster.ReplicaSet(k, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, e.holders(k), "key %s", k)

		for _, id := range want {
			state, _ := e.stores[id].Get(k)
			assert.Equal(t, int64(i), state)
		}
		if !contains(want, "p1") {
			moved++
		}
	}

	assert.Equal(t, uint64(60), stats.All)
	assert.Equal(t, uint64(60), stats.Ensured)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, uint64(moved), stats.Removed)
	assert.Equal(t, uint64(1), stats.Passes)
}

func TestRepartition_UnreachablePeerKeepsLocalCopies(t *testing.T) {
	e := newEnv(t, 1, "p1", "p2")
	for i, k := range keys(40) {
		require.NoError(t, e.stores["p1"].Put(k, int64(i)))
	}
	e.wrapped["p2"].refuse = true
	ctrl := e.controller(t, "p1")

	stats, err := ctrl.Repartition(context.Background())
	require.NoError(t, err)

	// p2 was marked dead, so p1 is the replica set of every key
	assert.Equal(t, 40, e.stores["p1"].Len())
	assert.Zero(t, e.stores["p2"].Len())
	assert.Zero(t, stats.Removed)
	assert.Contains(t, e.cluster.DeadPartitions(), "p2")

	// revived but backing off: transfers to p2 stay paused
	e.wrapped["p2"].refuse = false
	e.cluster.MarkAlive("p2")

	stats, err = ctrl.Repartition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, e.stores["p1"].Len())
	assert.Zero(t, e.stores["p2"].Len())
	assert.Equal(t, stats.All-stats.Ensured, stats.Failed)
	assert.NotZero(t, stats.Failed)
	assert.Zero(t, stats.Removed)
}

func TestRepartition_SurvivesPartitionLoss(t *testing.T) {
	e := newEnv(t, 2, "p1", "p2", "p3")
	ctx := context.Background()

	require.NoError(t, e.stores["p1"].Put("a", 1))
	require.NoError(t, e.stores["p2"].Put("a", 5))

	got, err := crdt.DownloadAll[string, int64](ctx, e.cluster, 0)
	require.NoError(t, err)
	assert.Equal(t, []record{{Key: "a", State: 5}}, got)

	e.cluster.MarkDead("p1", fmt.Errorf("disk lost"))
	_, err = e.controller(t, "p2").Repartition(ctx)
	require.NoError(t, err)

	got, err = crdt.DownloadAll[string, int64](ctx, e.cluster, 0)
	require.NoError(t, err)
	assert.Equal(t, []record{{Key: "a", State: 5}}, got)
	assert.Contains(t, e.holders("a"), "p3")
}

func TestRepartition_RateLimited(t *testing.T) {
	e := newEnv(t, 1, "p1")
	for i, k := range keys(5) {
		require.NoError(t, e.stores["p1"].Put(k, int64(i)))
	}
	ctrl, err := NewController[string, int64](Config{RateLimit: 1, Burst: 1}, e.cluster, "p1", nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ctrl.Repartition(ctx)
	assert.Error(t, err)
}

func TestNewController_UnknownLocal(t *testing.T) {
	e := newEnv(t, 1, "p1")
	_, err := NewController[string, int64](Config{}, e.cluster, "nope", nil, nil)
	assert.Error(t, err)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
