package filestore

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/segment"
	"go.uber.org/multierr"
	"golang.org/x/exp/constraints"
)

// item is one entry of a record or tombstone segment, stamped with the
// timestamp of the segment it came from
type item[K constraints.Ordered, S any] struct {
	key       K
	state     S
	ts        int64
	tombstone bool
}

type accumulator[K constraints.Ordered, S any] struct {
	key       K
	state     S
	hasState  bool
	maxAppend int64
	maxRemove int64
}

// visible decides whether a reduced key survives its tombstones
func (a accumulator[K, S]) visible() bool {
	return a.hasState && a.maxRemove < a.maxAppend
}

// timestampReducer merges states per key and tracks the newest append and
// remove seen for it. Keys are emitted iff visible and accepted by filter.
func timestampReducer[K constraints.Ordered, S any](merge crdt.MergeFunc[S], filter crdt.Filter[S]) crdt.Reducer[K, item[K, S], accumulator[K, S], crdt.Record[K, S]] {
	fold := func(acc accumulator[K, S], it item[K, S]) (accumulator[K, S], error) {
		if it.tombstone {
			if it.ts > acc.maxRemove {
				acc.maxRemove = it.ts
			}
			return acc, nil
		}
		if acc.hasState {
			merged, err := crdt.MergeKey(merge, acc.key, acc.state, it.state)
			if err != nil {
				return acc, err
			}
			acc.state = merged
		} else {
			acc.state, acc.hasState = it.state, true
		}
		if it.ts > acc.maxAppend {
			acc.maxAppend = it.ts
		}
		return acc, nil
	}

	return crdt.Reducer[K, item[K, S], accumulator[K, S], crdt.Record[K, S]]{
		KeyOf: func(it item[K, S]) K { return it.key },
		Init: func(it item[K, S]) accumulator[K, S] {
			acc, _ := fold(accumulator[K, S]{key: it.key}, it)
			return acc
		},
		Fold: fold,
		Complete: func(key K, acc accumulator[K, S]) (crdt.Record[K, S], bool) {
			if !acc.visible() {
				return crdt.Record[K, S]{}, false
			}
			if filter != nil && !filter(acc.state) {
				return crdt.Record[K, S]{}, false
			}
			return crdt.Record[K, S]{Key: key, State: acc.state}, true
		},
	}
}

// segmentSource decodes the entries of one segment
type segmentSource[K constraints.Ordered, S any] struct {
	store  *Store[K, S]
	reader *segment.Reader
	ts     int64
	tomb   bool
}

func (src *segmentSource[K, S]) Recv() (item[K, S], error) {
	entry, err := src.reader.Next()
	if err != nil {
		return item[K, S]{}, err
	}

	key, err := src.store.keys.Decode(entry.Key)
	if err != nil {
		return item[K, S]{}, errors.CorruptedData(fmt.Sprintf("undecodable key in %s", src.reader.Path()), err)
	}
	it := item[K, S]{key: key, ts: src.ts, tombstone: src.tomb}
	if !src.tomb {
		if it.state, err = src.store.states.Decode(entry.Value); err != nil {
			return item[K, S]{}, errors.CorruptedData(fmt.Sprintf("undecodable state in %s", src.reader.Path()), err)
		}
	}
	return it, nil
}

func (src *segmentSource[K, S]) Close() error {
	return src.reader.Close()
}

// openSources opens the given files. Readers keep working after a concurrent
// consolidation unlinks their file.
func (s *Store[K, S]) openSources(infos []model.SegmentInfo) ([]crdt.Source[item[K, S]], error) {
	sources := make([]crdt.Source[item[K, S]], 0, len(infos))
	for _, info := range infos {
		r, err := segment.Open(info.Path)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		sources = append(sources, &segmentSource[K, S]{
			store:  s,
			reader: r,
			ts:     r.Metadata().Timestamp,
			tomb:   info.Tombstone,
		})
	}
	return sources, nil
}

func closeAll[T any](sources []crdt.Source[T]) error {
	var err error
	for _, src := range sources {
		err = multierr.Append(err, src.Close())
	}
	return err
}

// Download streams every visible key whose segments were published at or
// after since. A tombstone older than since cannot hide a newer append, so
// older tombstone files are skipped as well.
func (s *Store[K, S]) Download(ctx context.Context, since int64) (crdt.Source[crdt.Record[K, S]], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.dirMu.RLock()
	sources, err := s.openSince(since)
	s.dirMu.RUnlock()
	if err != nil {
		return nil, err
	}

	return crdt.Reduce(sources, timestampReducer[K, S](s.merge, s.filter)), nil
}

// openSince opens record and tombstone segments stamped at or after since.
// Caller holds dirMu.
func (s *Store[K, S]) openSince(since int64) ([]crdt.Source[item[K, S]], error) {
	segments, err := s.listSegments()
	if err != nil {
		return nil, err
	}
	tombstones, err := s.listTombstones()
	if err != nil {
		return nil, err
	}

	var selected []model.SegmentInfo
	for _, info := range append(segments, tombstones...) {
		if info.Timestamp >= since {
			selected = append(selected, info)
		}
	}
	return s.openSources(selected)
}

// Get reads a single key, skipping segments whose bloom filter rules it out.
// The filter applies as it does on download.
func (s *Store[K, S]) Get(ctx context.Context, key K) (S, bool, error) {
	var zero S
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	encoded, err := s.keys.Encode(key)
	if err != nil {
		return zero, false, fmt.Errorf("failed to encode key: %w", err)
	}

	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	segments, err := s.listSegments()
	if err != nil {
		return zero, false, err
	}
	tombstones, err := s.listTombstones()
	if err != nil {
		return zero, false, err
	}

	acc := accumulator[K, S]{key: key}
	for _, info := range append(segments, tombstones...) {
		value, found, err := s.find(info.Path, encoded)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return zero, false, err
		}
		if !found {
			continue
		}

		if info.Tombstone {
			if info.Timestamp > acc.maxRemove {
				acc.maxRemove = info.Timestamp
			}
			continue
		}
		state, err := s.states.Decode(value)
		if err != nil {
			return zero, false, errors.CorruptedData(fmt.Sprintf("undecodable state in %s", info.Path), err)
		}
		if acc.hasState {
			if state, err = crdt.MergeKey(s.merge, key, acc.state, state); err != nil {
				return zero, false, err
			}
		}
		acc.state, acc.hasState = state, true
		if info.Timestamp > acc.maxAppend {
			acc.maxAppend = info.Timestamp
		}
	}

	if !acc.visible() || (s.filter != nil && !s.filter(acc.state)) {
		return zero, false, nil
	}
	return acc.state, true, nil
}

func (s *Store[K, S]) find(path string, key []byte) ([]byte, bool, error) {
	r, err := segment.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()

	bloom, err := s.bloom(r)
	if err != nil {
		return nil, false, err
	}
	value, found, err := r.Find(key, bloom)
	if err == io.EOF {
		return nil, false, nil
	}
	return value, found, err
}
