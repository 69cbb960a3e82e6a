package crdt

import (
	"container/heap"
	"io"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/constraints"
)

// Reducer folds every item of one key, across all inputs, into one output.
// Inputs must be sorted by key.
type Reducer[K constraints.Ordered, T, A, O any] struct {
	KeyOf    func(item T) K
	Init     func(item T) A
	Fold     func(acc A, item T) (A, error)
	Complete func(key K, acc A) (O, bool)
}

// Reduce performs a streaming k-way merge of key-sorted sources. Only the
// head item of every source is held in memory.
func Reduce[K constraints.Ordered, T, A, O any](sources []Source[T], r Reducer[K, T, A, O]) Source[O] {
	return &reduceSource[K, T, A, O]{
		sources: sources,
		reducer: r,
		heap:    &reduceHeap[K, T]{},
	}
}

type reduceSource[K constraints.Ordered, T, A, O any] struct {
	sources []Source[T]
	reducer Reducer[K, T, A, O]
	heap    *reduceHeap[K, T]
	primed  bool
	pending []error
	err     error
}

func (s *reduceSource[K, T, A, O]) Recv() (O, error) {
	var zero O

	if !s.primed {
		s.primed = true
		heap.Init(s.heap)
		for i := range s.sources {
			s.advance(i)
		}
	}

	for {
		if len(s.pending) > 0 {
			err := s.pending[0]
			s.pending = s.pending[1:]
			return zero, err
		}
		if s.err != nil {
			return zero, s.err
		}
		if s.heap.Len() == 0 {
			return zero, io.EOF
		}

		head := heap.Pop(s.heap).(reduceEntry[K, T])
		s.advance(head.source)

		acc := s.reducer.Init(head.item)
		var foldErr error
		for s.heap.Len() > 0 && (*s.heap)[0].key == head.key {
			next := heap.Pop(s.heap).(reduceEntry[K, T])
			s.advance(next.source)
			if foldErr != nil {
				continue
			}
			acc, foldErr = s.reducer.Fold(acc, next.item)
		}
		if s.err != nil {
			return zero, s.err
		}
		if foldErr != nil {
			return zero, foldErr
		}

		if out, ok := s.reducer.Complete(head.key, acc); ok {
			return out, nil
		}
	}
}

// advance pulls the next item of one source onto the heap
func (s *reduceSource[K, T, A, O]) advance(idx int) {
	for {
		item, err := s.sources[idx].Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if errors.IsMergeFailure(err) {
				s.pending = append(s.pending, err)
				continue
			}
			if s.err == nil {
				s.err = err
			}
			return
		}
		heap.Push(s.heap, reduceEntry[K, T]{key: s.reducer.KeyOf(item), item: item, source: idx})
		return
	}
}

func (s *reduceSource[K, T, A, O]) Close() error {
	var err error
	for _, src := range s.sources {
		err = multierr.Append(err, src.Close())
	}
	*s.heap = (*s.heap)[:0]
	return err
}

type reduceEntry[K constraints.Ordered, T any] struct {
	key    K
	item   T
	source int
}

type reduceHeap[K constraints.Ordered, T any] []reduceEntry[K, T]

func (h reduceHeap[K, T]) Len() int           { return len(h) }
func (h reduceHeap[K, T]) Less(i, j int) bool { return h[i].key < h[j].key }
func (h reduceHeap[K, T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *reduceHeap[K, T]) Push(x interface{}) {
	*h = append(*h, x.(reduceEntry[K, T]))
}

func (h *reduceHeap[K, T]) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// MergeRecords is the reducer used when several stores hold the same keys:
// states are merged with m and hidden by filter when it is set.
func MergeRecords[K constraints.Ordered, S any](m MergeFunc[S], filter Filter[S]) Reducer[K, Record[K, S], Record[K, S], Record[K, S]] {
	return Reducer[K, Record[K, S], Record[K, S], Record[K, S]]{
		KeyOf: func(r Record[K, S]) K { return r.Key },
		Init:  func(r Record[K, S]) Record[K, S] { return r },
		Fold: func(acc Record[K, S], r Record[K, S]) (Record[K, S], error) {
			state, err := MergeKey(m, acc.Key, acc.State, r.State)
			if err != nil {
				return acc, err
			}
			acc.State = state
			return acc, nil
		},
		Complete: func(_ K, acc Record[K, S]) (Record[K, S], bool) {
			if filter != nil && !filter(acc.State) {
				return acc, false
			}
			return acc, true
		},
	}
}
