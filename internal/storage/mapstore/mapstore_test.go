package mapstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record = crdt.Record[string, int]

func rec(key string, state int) record {
	return record{Key: key, State: state}
}

// manualClock hands out readings that only move when advanced
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func newStore(t *testing.T, cfg *Config[string, int]) *Store[string, int] {
	t.Helper()
	return New[string, int](crdt.Max[int](), cfg)
}

func TestUpload_MergesIntoSlots(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	require.NoError(t, crdt.Upload[string, int](ctx, s, rec("b", 2), rec("a", 1)))
	require.NoError(t, crdt.Upload[string, int](ctx, s, rec("a", 7), rec("b", 1), rec("c", 3)))

	got, err := crdt.DownloadAll[string, int](ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, []record{rec("a", 7), rec("b", 2), rec("c", 3)}, got)
	assert.Equal(t, 3, s.Len())
}

func TestUpload_MergeFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	merge := crdt.MergeFunc[int](func(a, b int) (int, error) {
		if b < 0 {
			return 0, fmt.Errorf("negative")
		}
		return a + b, nil
	})
	s := New[string, int](merge, nil)
	require.NoError(t, s.Put("k", 5))

	sink, err := s.Upload(ctx)
	require.NoError(t, err)
	err = sink.Send(rec("k", -1))
	require.Error(t, err)
	assert.True(t, errors.IsMergeFailure(err))
	require.NoError(t, sink.Send(rec("other", 1)))
	require.NoError(t, sink.Close())

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 5, v)
	_, ok = s.Get("other")
	assert.True(t, ok)
}

func TestDownload_SinceAndFilter(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Unix(100, 0)}
	s := newStore(t, &Config[string, int]{
		Now:    clock.Now,
		Filter: func(state int) bool { return state != 0 },
	})

	require.NoError(t, s.Put("old", 1))
	require.NoError(t, s.Put("zero", 0))
	clock.now = time.Unix(200, 0)
	require.NoError(t, s.Put("new", 2))

	all, err := crdt.DownloadAll[string, int](ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, []record{rec("new", 2), rec("old", 1)}, all)

	recent, err := crdt.DownloadAll[string, int](ctx, s, time.Unix(150, 0).UnixNano())
	require.NoError(t, err)
	assert.Equal(t, []record{rec("new", 2)}, recent)
}

func TestDownload_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	require.NoError(t, s.Put("a", 1))
	require.NoError(t, s.Put("c", 3))

	src, err := s.Download(ctx, 0)
	require.NoError(t, err)

	first, err := src.Recv()
	require.NoError(t, err)
	assert.Equal(t, rec("a", 1), first)

	require.NoError(t, s.Put("b", 2))
	require.NoError(t, s.Put("c", 30))

	rest, err := crdt.Collect[record](src)
	require.NoError(t, err)
	assert.Equal(t, []record{rec("c", 3)}, rest)
}

func TestRemove_TracksRemovedKeys(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	require.NoError(t, crdt.Upload[string, int](ctx, s, rec("a", 1), rec("b", 2), rec("c", 3)))

	require.NoError(t, crdt.RemoveKeys[string, int](ctx, s, "c", "a", "missing"))

	got, err := crdt.DownloadAll[string, int](ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, []record{rec("b", 2)}, got)
	assert.Equal(t, []string{"a", "c", "missing"}, s.RemovedKeys())

	s.ClearRemovedKeys("a", "missing")
	assert.Equal(t, []string{"c"}, s.RemovedKeys())
}

func TestKeyValidator(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, &Config[string, int]{
		KeyValidator: func(key string) error {
			if key == "" {
				return errors.InvalidKey(key, "empty")
			}
			return nil
		},
	})

	sink, err := s.Upload(ctx)
	require.NoError(t, err)
	err = sink.Send(rec("", 1))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidKey))
	require.NoError(t, sink.Close())
	assert.Equal(t, 0, s.Len())
}

func TestList_AndDelete(t *testing.T) {
	s := newStore(t, nil)
	for i := 5; i > 0; i-- {
		require.NoError(t, s.Put(fmt.Sprintf("k%d", i), i))
	}
	assert.True(t, s.Delete("k3"))
	assert.False(t, s.Delete("k3"))

	assert.Equal(t, []record{rec("k1", 1), rec("k2", 2), rec("k4", 4), rec("k5", 5)}, s.List())
	require.NoError(t, s.Ping(context.Background()))
}
