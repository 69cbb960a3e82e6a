package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/segment"
	"github.com/devrev/pairdb/crdt-storage/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type record = crdt.Record[string, int64]

func rec(key string, state int64) record {
	return record{Key: key, State: state}
}

func newStore(t *testing.T, dir string, cfg Config, merge crdt.MergeFunc[int64]) *Store[string, int64] {
	t.Helper()
	cfg.Dir = dir
	if merge == nil {
		merge = crdt.Max[int64]()
	}
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "filestore-test", MaxWorkers: 2, Logger: zap.NewNop()})
	t.Cleanup(func() { _ = pool.Stop(time.Second) })

	s, err := New[string, int64](cfg, Options[string, int64]{
		Keys:   codec.String{},
		States: codec.Int64{},
		Merge:  merge,
		Pool:   pool,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func download(t *testing.T, s *Store[string, int64], since int64) []record {
	t.Helper()
	out, err := crdt.DownloadAll[string, int64](context.Background(), s, since)
	require.NoError(t, err)
	return out
}

func TestUploadDownload_MergesAcrossSegments(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{}, nil)

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("b", 2), rec("a", 1), rec("a", 4)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 3), rec("c", 9)))

	assert.Equal(t, []record{rec("a", 4), rec("b", 2), rec("c", 9)}, download(t, s, 0))

	segments, err := s.Segments()
	require.NoError(t, err)
	assert.Len(t, segments, 2)
}

func TestUpload_VisibleOnlyAfterClose(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{SegmentMaxRecords: 2}, nil)

	sink, err := s.Upload(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Send(rec(fmt.Sprintf("k%d", i), int64(i))))
	}
	assert.Empty(t, download(t, s, 0))

	require.NoError(t, sink.Close())
	assert.Len(t, download(t, s, 0), 5)

	segments, err := s.Segments()
	require.NoError(t, err)
	assert.Len(t, segments, 3)
	assert.Error(t, sink.Send(rec("late", 1)))
}

func TestUpload_AbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir, Config{SegmentMaxRecords: 1}, nil)

	sink, err := s.Upload(ctx)
	require.NoError(t, err)
	require.NoError(t, sink.Send(rec("a", 1)))
	require.NoError(t, sink.Send(rec("b", 2)))
	sink.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.IsDir(), "unexpected file %s", e.Name())
	}
	assert.Empty(t, download(t, s, 0))
}

func TestRemove_HidesOlderAppendsOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{}, nil)

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1), rec("b", 2), rec("c", 3)))
	require.NoError(t, crdt.RemoveKeys[string, int64](ctx, s, "a", "c", "never"))
	assert.Equal(t, []record{rec("b", 2)}, download(t, s, 0))

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("c", 1)))
	assert.Equal(t, []record{rec("b", 2), rec("c", 3)}, download(t, s, 0))
}

func TestDownload_Since(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{}, nil)

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("old", 1)))
	segments, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	watermark := segments[0].Timestamp + 1

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("new", 2)))

	assert.Equal(t, []record{rec("new", 2)}, download(t, s, watermark))
	assert.Len(t, download(t, s, 0), 2)
}

func TestDownload_FilterAndMergeFailure(t *testing.T) {
	ctx := context.Background()
	merge := crdt.MergeFunc[int64](func(a, b int64) (int64, error) {
		if a == 13 || b == 13 {
			return 0, fmt.Errorf("unlucky state")
		}
		if a > b {
			return a, nil
		}
		return b, nil
	})
	s := newStore(t, t.TempDir(), Config{}, merge)
	s.filter = func(v int64) bool { return v > 0 }

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1), rec("bad", 13), rec("hidden", -5)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 2), rec("bad", 1), rec("z", 7)))

	out, err := crdt.DownloadAll[string, int64](ctx, s, 0)
	require.Error(t, err)
	assert.True(t, errors.IsMergeFailure(err))
	assert.Equal(t, []record{rec("a", 2), rec("z", 7)}, out)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{}, nil)

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1), rec("b", 5)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 3)))
	require.NoError(t, crdt.RemoveKeys[string, int64](ctx, s, "b"))

	v, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(3), v)

	_, found, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReopen_RecoversState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir, Config{}, nil)
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1)))
	segments, err := s.Segments()
	require.NoError(t, err)

	leftover := filepath.Join(dir, "crashed.bin.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))

	reopened := newStore(t, dir, Config{}, nil)
	assert.Equal(t, []record{rec("a", 1)}, download(t, reopened, 0))
	assert.GreaterOrEqual(t, reopened.lastTs, segments[0].Timestamp)
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_CorruptedSegment(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{}, nil)
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1)))

	segments, err := s.Segments()
	require.NoError(t, err)
	data, err := os.ReadFile(segments[0].Path)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(segments[0].Path, data, 0o644))

	_, err = crdt.DownloadAll[string, int64](ctx, s, 0)
	require.Error(t, err)
	assert.False(t, errors.IsMergeFailure(err))
}

func TestPing(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, filepath.Join(dir, "store"), Config{}, nil)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "store")))
	assert.Error(t, s.Ping(context.Background()))
}

func TestConsolidate_FoldsSegmentsAndDropsTombstones(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{ConsolidationMargin: 0}, nil)

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1), rec("b", 2)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("b", 5), rec("c", 3)))
	require.NoError(t, crdt.RemoveKeys[string, int64](ctx, s, "a"))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("d", 4)))
	before := download(t, s, 0)

	result, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ConsolidationStatusCompleted, result.Status)
	assert.Len(t, result.Inputs, 3)
	assert.Equal(t, uint64(3), result.RecordsWritten)
	assert.Equal(t, 1, result.TombstonesDropped)

	assert.Equal(t, before, download(t, s, 0))

	segments, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, result.Output, segments[0].Name)
	tombstones, err := s.Tombstones()
	require.NoError(t, err)
	assert.Empty(t, tombstones)

	again, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ConsolidationStatusNoop, again.Status)
	assert.Equal(t, before, download(t, s, 0))
}

func TestConsolidate_KeepsShadowingTombstone(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{ConsolidationMargin: 0}, nil)

	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("x", 1)))
	blacklisted, err := s.Segments()
	require.NoError(t, err)
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("y", 1)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("z", 1)))
	require.NoError(t, crdt.RemoveKeys[string, int64](ctx, s, "x"))

	// another pass still owns the oldest segment
	require.NoError(t, s.writeManifest(&model.ConsolidationManifest{
		ID:        "foreign",
		Inputs:    []string{blacklisted[0].Name},
		CreatedAt: time.Now().Add(time.Hour).UnixNano(),
	}))

	result, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Inputs, 2)
	assert.NotContains(t, result.Inputs, blacklisted[0].Name)
	assert.Equal(t, 0, result.TombstonesDropped)

	assert.Equal(t, []record{rec("y", 1), rec("z", 1)}, download(t, s, 0))
	_, err = os.Stat(s.manifestPath("foreign"))
	assert.NoError(t, err)
}

func TestConsolidate_RemovesStaleManifest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{ConsolidationMargin: 0}, nil)
	require.NoError(t, s.writeManifest(&model.ConsolidationManifest{
		ID:        "dead",
		Output:    "gone.bin",
		CreatedAt: time.Now().Add(-time.Hour).UnixNano(),
	}))

	result, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.StaleManifests)
	_, err = os.Stat(s.manifestPath("dead"))
	assert.True(t, os.IsNotExist(err))
}

func TestConsolidate_YoungSegmentsAreLeftAlone(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{ConsolidationMargin: time.Hour}, nil)
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("b", 1)))

	result, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ConsolidationStatusNoop, result.Status)

	segments, err := s.Segments()
	require.NoError(t, err)
	assert.Len(t, segments, 2)
}

func TestConsolidate_OnePassAtATime(t *testing.T) {
	s := newStore(t, t.TempDir(), Config{}, nil)
	s.consolidating.Store(true)

	_, err := s.Consolidate(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeConsolidationConflict))
}

func TestConsolidate_ConflictWhenInputVanishes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{ConsolidationMargin: 0}, nil)
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("a", 1)))
	require.NoError(t, crdt.Upload[string, int64](ctx, s, rec("b", 2)))

	result := &model.ConsolidationResult{}
	plan, err := s.plan(time.Now().UnixNano(), result)
	require.NoError(t, err)
	require.Len(t, plan.inputs, 2)

	require.NoError(t, os.Remove(plan.inputs[0].Path))
	err = s.commit(plan, nil, time.Now().UnixNano(), result)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConsolidationConflict))

	segments, err := s.Segments()
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestConsolidate_ConcurrentDownloadSeesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), Config{ConsolidationMargin: 0}, nil)

	for batch := 0; batch < 4; batch++ {
		var records []record
		for i := 0; i < 60; i++ {
			records = append(records, rec(fmt.Sprintf("k%03d", (batch*37+i)%150), int64(batch*100+i)))
		}
		require.NoError(t, crdt.Upload[string, int64](ctx, s, records...))
	}
	require.NoError(t, crdt.RemoveKeys[string, int64](ctx, s, "k000", "k075"))
	before := download(t, s, 0)
	require.NotEmpty(t, before)

	src, err := s.Download(ctx, 0)
	require.NoError(t, err)
	first, err := src.Recv()
	require.NoError(t, err)

	result, err := s.Consolidate(ctx)
	require.NoError(t, err)
	require.Equal(t, model.ConsolidationStatusCompleted, result.Status)

	rest, err := crdt.Collect[record](src)
	require.NoError(t, err)
	assert.Equal(t, before, append([]record{first}, rest...))
	assert.Equal(t, before, download(t, s, 0))
}

func TestStage_PoolStoppedMidTaskLeavesNoFile(t *testing.T) {
	s := newStore(t, t.TempDir(), Config{}, nil)
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "stage-test", MaxWorkers: 1, Logger: zap.NewNop()})
	s.pool = pool

	// park the only worker so the stage task waits in the queue
	busy := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), "busy", func(context.Context) error {
			close(busy)
			<-release
			return nil
		})
	}()
	<-busy

	staged := make(chan error, 1)
	go func() {
		_, err := s.stage(context.Background(), s.dir, segmentExt, segment.KindRecords,
			[]segment.Entry{{Key: []byte("a"), Value: []byte{1}}})
		staged <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_ = pool.Stop(10 * time.Millisecond)
	require.Error(t, <-staged)

	// the worker may still pick the abandoned task up
	close(release)
	time.Sleep(100 * time.Millisecond)

	leftovers, err := filepath.Glob(filepath.Join(s.dir, "*"+tmpExt))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
