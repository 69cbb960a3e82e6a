package crdt

import (
	"context"
	"io"

	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/constraints"
)

// SliceSource streams a fixed slice
type SliceSource[T any] struct {
	items []T
	pos   int
}

func NewSliceSource[T any](items ...T) *SliceSource[T] {
	return &SliceSource[T]{items: items}
}

func (s *SliceSource[T]) Recv() (T, error) {
	if s.pos >= len(s.items) {
		var zero T
		return zero, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *SliceSource[T]) Close() error {
	s.pos = len(s.items)
	return nil
}

// SliceSink collects everything sent to it
type SliceSink[T any] struct {
	items   []T
	closed  bool
	aborted bool
}

func NewSliceSink[T any]() *SliceSink[T] {
	return &SliceSink[T]{}
}

func (s *SliceSink[T]) Send(item T) error {
	if s.closed || s.aborted {
		return io.ErrClosedPipe
	}
	s.items = append(s.items, item)
	return nil
}

func (s *SliceSink[T]) Close() error {
	s.closed = true
	return nil
}

func (s *SliceSink[T]) Abort() {
	s.aborted = true
}

// Items returns what was sent so far
func (s *SliceSink[T]) Items() []T {
	return s.items
}

// Collect drains src. Merge failures are skipped and returned together with
// the items once the stream is exhausted; any other error stops the drain.
func Collect[T any](src Source[T]) ([]T, error) {
	defer src.Close()

	var items []T
	var failures *multierror.Error
	for {
		item, err := src.Recv()
		if err == io.EOF {
			return items, failures.ErrorOrNil()
		}
		if err != nil {
			if errors.IsMergeFailure(err) {
				failures = multierror.Append(failures, err)
				continue
			}
			return items, err
		}
		items = append(items, item)
	}
}

// Copy pumps src into dst and commits dst. Records whose merge failed on
// either side are skipped; those failures are returned after the commit.
// On any other error dst is aborted.
func Copy[T any](ctx context.Context, src Source[T], dst Sink[T]) (int, error) {
	defer src.Close()

	var failures *multierror.Error
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			dst.Abort()
			return n, err
		}

		item, err := src.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.IsMergeFailure(err) {
				failures = multierror.Append(failures, err)
				continue
			}
			dst.Abort()
			return n, err
		}

		if err := dst.Send(item); err != nil {
			if errors.IsMergeFailure(err) {
				failures = multierror.Append(failures, err)
				continue
			}
			dst.Abort()
			return n, err
		}
		n++
	}

	if err := dst.Close(); err != nil {
		return n, err
	}
	return n, failures.ErrorOrNil()
}

// Upload is a convenience for sending a batch of records and committing them
func Upload[K constraints.Ordered, S any](ctx context.Context, st Storage[K, S], records ...Record[K, S]) error {
	sink, err := st.Upload(ctx)
	if err != nil {
		return err
	}
	_, err = Copy[Record[K, S]](ctx, NewSliceSource(records...), sink)
	return err
}

// RemoveKeys tombstones a batch of keys and commits them
func RemoveKeys[K constraints.Ordered, S any](ctx context.Context, st Storage[K, S], keys ...K) error {
	sink, err := st.Remove(ctx)
	if err != nil {
		return err
	}
	_, err = Copy[K](ctx, NewSliceSource(keys...), sink)
	return err
}

// DownloadAll reads every record changed at or after since
func DownloadAll[K constraints.Ordered, S any](ctx context.Context, st Storage[K, S], since int64) ([]Record[K, S], error) {
	src, err := st.Download(ctx, since)
	if err != nil {
		return nil, err
	}
	return Collect[Record[K, S]](src)
}
