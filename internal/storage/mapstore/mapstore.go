package mapstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

const btreeDegree = 32

type entry[K constraints.Ordered, S any] struct {
	key      K
	state    S
	modified int64
}

func less[K constraints.Ordered, S any](a, b entry[K, S]) bool {
	return a.key < b.key
}

// Config holds the optional collaborators of a map store
type Config[K constraints.Ordered, S any] struct {
	Filter       crdt.Filter[S]
	KeyValidator crdt.KeyValidator[K]
	Logger       *zap.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Store is a volatile ordered map of merged states. Every entry remembers
// when it last changed so downloads can start from a watermark.
type Store[K constraints.Ordered, S any] struct {
	merge    crdt.MergeFunc[S]
	filter   crdt.Filter[S]
	validate crdt.KeyValidator[K]
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.RWMutex
	tree     *btree.BTreeG[entry[K, S]]
	removed  map[K]struct{}
	lastTick int64
}

var _ crdt.Storage[string, int] = (*Store[string, int])(nil)

func New[K constraints.Ordered, S any](merge crdt.MergeFunc[S], cfg *Config[K, S]) *Store[K, S] {
	if cfg == nil {
		cfg = &Config[K, S]{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store[K, S]{
		merge:    merge,
		filter:   cfg.Filter,
		validate: cfg.KeyValidator,
		now:      now,
		logger:   logger,
		tree:     btree.NewG[entry[K, S]](btreeDegree, less[K, S]),
		removed:  make(map[K]struct{}),
	}
}

// tick returns a strictly increasing modification stamp. Caller holds mu.
func (s *Store[K, S]) tick() int64 {
	ts := s.now().UnixNano()
	if ts <= s.lastTick {
		ts = s.lastTick + 1
	}
	s.lastTick = ts
	return ts
}

// Put merges state into key
func (s *Store[K, S]) Put(key K, state S) error {
	if s.validate != nil {
		if err := s.validate(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tree.Get(entry[K, S]{key: key}); ok {
		merged, err := crdt.MergeKey(s.merge, key, existing.state, state)
		if err != nil {
			return err
		}
		state = merged
	}
	s.tree.ReplaceOrInsert(entry[K, S]{key: key, state: state, modified: s.tick()})
	return nil
}

// Get returns the state at key, ignoring the filter
func (s *Store[K, S]) Get(key K) (S, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tree.Get(entry[K, S]{key: key})
	return e.state, ok
}

// Delete removes key and remembers it for the next backup
func (s *Store[K, S]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed[key] = struct{}{}
	_, ok := s.tree.Delete(entry[K, S]{key: key})
	return ok
}

func (s *Store[K, S]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Ascend visits every record in key order on a snapshot
func (s *Store[K, S]) Ascend(fn func(crdt.Record[K, S]) bool) {
	snapshot := s.snapshot()
	snapshot.Ascend(func(e entry[K, S]) bool {
		return fn(crdt.Record[K, S]{Key: e.key, State: e.state})
	})
}

// List returns every record in key order
func (s *Store[K, S]) List() []crdt.Record[K, S] {
	var out []crdt.Record[K, S]
	s.Ascend(func(r crdt.Record[K, S]) bool {
		out = append(out, r)
		return true
	})
	return out
}

// RemovedKeys lists, in order, the keys removed since they were last cleared
func (s *Store[K, S]) RemovedKeys() []K {
	s.mu.RLock()
	keys := make([]K, 0, len(s.removed))
	for k := range s.removed {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ClearRemovedKeys forgets the given removed keys
func (s *Store[K, S]) ClearRemovedKeys(keys ...K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.removed, k)
	}
}

// snapshot takes the write lock because Clone touches the copy-on-write
// context of the original tree
func (s *Store[K, S]) snapshot() *btree.BTreeG[entry[K, S]] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Clone()
}

func (s *Store[K, S]) Upload(ctx context.Context) (crdt.Sink[crdt.Record[K, S]], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &uploadSink[K, S]{store: s}, nil
}

func (s *Store[K, S]) Remove(ctx context.Context) (crdt.Sink[K], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &removeSink[K, S]{store: s}, nil
}

func (s *Store[K, S]) Download(ctx context.Context, since int64) (crdt.Source[crdt.Record[K, S]], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &snapshotSource[K, S]{
		tree:   s.snapshot(),
		since:  since,
		filter: s.filter,
	}, nil
}

func (s *Store[K, S]) Ping(ctx context.Context) error {
	return ctx.Err()
}

type uploadSink[K constraints.Ordered, S any] struct {
	store  *Store[K, S]
	closed bool
}

func (u *uploadSink[K, S]) Send(r crdt.Record[K, S]) error {
	if u.closed {
		return fmt.Errorf("upload already closed")
	}
	return u.store.Put(r.Key, r.State)
}

// Records are applied on Send, so commit has nothing left to do
func (u *uploadSink[K, S]) Close() error {
	u.closed = true
	return nil
}

func (u *uploadSink[K, S]) Abort() {
	u.closed = true
}

type removeSink[K constraints.Ordered, S any] struct {
	store  *Store[K, S]
	closed bool
}

func (r *removeSink[K, S]) Send(key K) error {
	if r.closed {
		return fmt.Errorf("remove already closed")
	}
	if r.store.validate != nil {
		if err := r.store.validate(key); err != nil {
			return err
		}
	}
	r.store.Delete(key)
	return nil
}

func (r *removeSink[K, S]) Close() error {
	r.closed = true
	return nil
}

func (r *removeSink[K, S]) Abort() {
	r.closed = true
}

// snapshotSource walks a private clone of the tree, one entry per Recv
type snapshotSource[K constraints.Ordered, S any] struct {
	tree    *btree.BTreeG[entry[K, S]]
	since   int64
	filter  crdt.Filter[S]
	last    K
	started bool
	done    bool
}

func (src *snapshotSource[K, S]) Recv() (crdt.Record[K, S], error) {
	if src.done {
		return crdt.Record[K, S]{}, io.EOF
	}

	var next entry[K, S]
	found := false
	visit := func(e entry[K, S]) bool {
		if src.started && e.key == src.last {
			return true
		}
		src.started, src.last = true, e.key
		if e.modified < src.since {
			return true
		}
		if src.filter != nil && !src.filter(e.state) {
			return true
		}
		next, found = e, true
		return false
	}

	if src.started {
		src.tree.AscendGreaterOrEqual(entry[K, S]{key: src.last}, visit)
	} else {
		src.tree.Ascend(visit)
	}

	if !found {
		src.done = true
		return crdt.Record[K, S]{}, io.EOF
	}
	return crdt.Record[K, S]{Key: next.key, State: next.state}, nil
}

func (src *snapshotSource[K, S]) Close() error {
	src.done = true
	return nil
}
