package filestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/memtable"
	"github.com/devrev/pairdb/crdt-storage/internal/storage/segment"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

func (s *Store[K, S]) Upload(ctx context.Context) (crdt.Sink[crdt.Record[K, S]], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &uploadSink[K, S]{
		store: s,
		ctx:   ctx,
		table: memtable.NewSkipList[K, S](),
	}, nil
}

func (s *Store[K, S]) Remove(ctx context.Context) (crdt.Sink[K], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &removeSink[K, S]{
		store: s,
		ctx:   ctx,
		table: memtable.NewSkipList[K, struct{}](),
	}, nil
}

// uploadSink buffers records in a memtable and stages one sorted segment per
// full memtable. Staged segments become visible together on Close.
type uploadSink[K constraints.Ordered, S any] struct {
	store  *Store[K, S]
	ctx    context.Context
	table  *memtable.SkipList[K, S]
	staged []*segment.Writer
	done   bool
}

func (u *uploadSink[K, S]) Send(r crdt.Record[K, S]) error {
	if u.done {
		return fmt.Errorf("upload already closed")
	}
	if u.store.validate != nil {
		if err := u.store.validate(r.Key); err != nil {
			return err
		}
	}

	err := u.table.Upsert(r.Key, func(old S, exists bool) (S, error) {
		if !exists {
			return r.State, nil
		}
		return crdt.MergeKey(u.store.merge, r.Key, old, r.State)
	})
	if err != nil {
		return err
	}

	if u.table.Len() >= u.store.cfg.SegmentMaxRecords {
		return u.flush()
	}
	return nil
}

func (u *uploadSink[K, S]) flush() error {
	if u.table.Len() == 0 {
		return nil
	}

	entries := make([]segment.Entry, 0, u.table.Len())
	it := u.table.Iterator()
	for it.Next() {
		key, err := u.store.keys.Encode(it.Key())
		if err != nil {
			u.Abort()
			return fmt.Errorf("failed to encode key: %w", err)
		}
		state, err := u.store.states.Encode(it.Value())
		if err != nil {
			u.Abort()
			return fmt.Errorf("failed to encode state: %w", err)
		}
		entries = append(entries, segment.Entry{Key: key, Value: state})
	}
	u.table.Reset()

	w, err := u.store.stage(u.ctx, u.store.dir, segmentExt, segment.KindRecords, entries)
	if err != nil {
		u.Abort()
		return err
	}
	u.staged = append(u.staged, w)
	return nil
}

func (u *uploadSink[K, S]) Close() error {
	if u.done {
		return fmt.Errorf("upload already closed")
	}
	if err := u.flush(); err != nil {
		return err
	}
	u.done = true

	if err := u.store.publish(u.staged); err != nil {
		return err
	}
	u.store.logger.Debug("Upload committed", zap.Int("segments", len(u.staged)))
	u.staged = nil
	return nil
}

func (u *uploadSink[K, S]) Abort() {
	u.done = true
	for _, w := range u.staged {
		w.Abort()
	}
	u.staged = nil
	u.table.Reset()
}

type removeSink[K constraints.Ordered, S any] struct {
	store  *Store[K, S]
	ctx    context.Context
	table  *memtable.SkipList[K, struct{}]
	staged []*segment.Writer
	done   bool
}

func (r *removeSink[K, S]) Send(key K) error {
	if r.done {
		return fmt.Errorf("remove already closed")
	}
	if r.store.validate != nil {
		if err := r.store.validate(key); err != nil {
			return err
		}
	}
	r.table.Insert(key, struct{}{})

	if r.table.Len() >= r.store.cfg.SegmentMaxRecords {
		return r.flush()
	}
	return nil
}

func (r *removeSink[K, S]) flush() error {
	if r.table.Len() == 0 {
		return nil
	}

	entries := make([]segment.Entry, 0, r.table.Len())
	it := r.table.Iterator()
	for it.Next() {
		key, err := r.store.keys.Encode(it.Key())
		if err != nil {
			r.Abort()
			return fmt.Errorf("failed to encode key: %w", err)
		}
		entries = append(entries, segment.Entry{Key: key})
	}
	r.table.Reset()

	w, err := r.store.stage(r.ctx, r.store.tombDir, tombstoneExt, segment.KindTombstones, entries)
	if err != nil {
		r.Abort()
		return err
	}
	r.staged = append(r.staged, w)
	return nil
}

func (r *removeSink[K, S]) Close() error {
	if r.done {
		return fmt.Errorf("remove already closed")
	}
	if err := r.flush(); err != nil {
		return err
	}
	r.done = true

	if err := r.store.publish(r.staged); err != nil {
		return err
	}
	r.staged = nil
	return nil
}

func (r *removeSink[K, S]) Abort() {
	r.done = true
	for _, w := range r.staged {
		w.Abort()
	}
	r.staged = nil
	r.table.Reset()
}

// stage writes sorted entries to a temporary segment on the worker pool.
// The returned writer still needs Finish, which happens on publish.
func (s *Store[K, S]) stage(ctx context.Context, dir, ext string, kind segment.Kind, entries []segment.Entry) (*segment.Writer, error) {
	if s.disk != nil {
		var size uint64
		for _, e := range entries {
			size += uint64(len(e.Key) + len(e.Value) + 16)
		}
		if err := s.disk.CheckBeforeWrite(size); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(dir, newName(ext)+tmpExt)

	// The pool may give up on a task that a worker still runs; whichever
	// side finishes second discards the staged file.
	var (
		mu        sync.Mutex
		w         *segment.Writer
		abandoned bool
	)
	write := func(context.Context) error {
		sw, err := segment.Create(path, kind, s.cfg.BloomFalsePositiveRate)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := sw.Append(e.Key, e.Value); err != nil {
				sw.Abort()
				return err
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			sw.Abort()
			return fmt.Errorf("staging of %s was abandoned", filepath.Base(path))
		}
		w = sw
		return nil
	}

	var err error
	if s.pool != nil {
		err = s.pool.Run(ctx, "stage-"+filepath.Base(path), write)
	} else {
		err = write(ctx)
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		abandoned = true
		if w != nil {
			w.Abort()
		}
		return nil, err
	}
	return w, nil
}
