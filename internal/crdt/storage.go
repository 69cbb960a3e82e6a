package crdt

import (
	"context"

	"golang.org/x/exp/constraints"
)

// Record is one key with its merged state
type Record[K constraints.Ordered, S any] struct {
	Key   K
	State S
}

// Filter hides states on download when it returns false
type Filter[S any] func(state S) bool

// KeyValidator rejects malformed keys before they reach a backend
type KeyValidator[K constraints.Ordered] func(key K) error

// Sink accepts a stream of items.
// Send blocks until the backend accepted the item, which is how backpressure
// reaches the producer. Close commits the stream and returns once the backend
// acknowledged it under its durability guarantees. Abort drops whatever has not
// been committed; records already merged stay merged.
type Sink[T any] interface {
	Send(item T) error
	Close() error
	Abort()
}

// Source is a lazy, pull-based stream. Recv returns io.EOF after the last item.
// A MergeFailure returned by Recv concerns a single key and the stream stays usable.
type Source[T any] interface {
	Recv() (T, error)
	Close() error
}

// Storage is the contract shared by every backend: the in-memory map, the
// file store, the protocol client and the cluster.
//
// Download yields records in ascending key order, one record per key. A since
// watermark (unix nanoseconds) of zero selects everything; a positive one
// selects at least the records changed at or after it.
type Storage[K constraints.Ordered, S any] interface {
	Upload(ctx context.Context) (Sink[Record[K, S]], error)
	Download(ctx context.Context, since int64) (Source[Record[K, S]], error)
	Remove(ctx context.Context) (Sink[K], error)
	Ping(ctx context.Context) error
}
