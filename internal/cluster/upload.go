package cluster

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

// openSinks opens a sink of kind T on every alive partition
func openSinks[K constraints.Ordered, S any, T any](ctx context.Context, c *Cluster[K, S], op string,
	open func(ctx context.Context, p crdt.Storage[K, S]) (crdt.Sink[T], error),
) (*fanout[T], error) {
	alive := c.AlivePartitions()
	if len(alive) == 0 {
		return nil, errors.PartitionUnreachable("", fmt.Errorf("no alive partitions"))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sinks, releases := openAll(streamCtx, alive, c.cfg.Timeout,
		func(ctx context.Context, id string) (crdt.Sink[T], error) { return open(ctx, c.partitions[id]) },
		func(s crdt.Sink[T]) { s.Abort() },
		c.MarkDead)
	if len(sinks) == 0 {
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.PartitionUnreachable("", fmt.Errorf("%s failed to open on all %d alive partitions", op, len(alive)))
	}

	return newFanout(streamCtx, sinks, releases, c.cfg.BufferSize, c.cfg.Timeout, cancel, c.MarkDead), nil
}

// Upload sends every record to the first R usable candidates of its key.
// Cancelling ctx ends the stream with ctx's error; partitions are not
// marked dead for it.
func (c *Cluster[K, S]) Upload(ctx context.Context) (crdt.Sink[crdt.Record[K, S]], error) {
	f, err := openSinks(ctx, c, "upload", func(ctx context.Context, p crdt.Storage[K, S]) (crdt.Sink[crdt.Record[K, S]], error) {
		return p.Upload(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &uploadSink[K, S]{cluster: c, fanout: f}, nil
}

// Remove broadcasts every key to all alive partitions
func (c *Cluster[K, S]) Remove(ctx context.Context) (crdt.Sink[K], error) {
	f, err := openSinks(ctx, c, "remove", func(ctx context.Context, p crdt.Storage[K, S]) (crdt.Sink[K], error) {
		return p.Remove(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &removeSink[K, S]{cluster: c, fanout: f}, nil
}

type uploadSink[K constraints.Ordered, S any] struct {
	cluster *Cluster[K, S]
	fanout  *fanout[crdt.Record[K, S]]
}

func (u *uploadSink[K, S]) Send(r crdt.Record[K, S]) error {
	if err := u.fanout.err(); err != nil {
		return err
	}
	usable := func(id string) bool {
		return u.fanout.usable(id) && u.cluster.IsAlive(id)
	}

	// A target that stalls or fails is dropped by send, so the next round
	// tops the replica set up from the following candidates. Every round
	// either places the record or loses a target, so this ends.
	accepted := make(map[string]bool, u.cluster.cfg.ReplicationCount)
	for {
		targets, err := u.cluster.ReplicaSet(r.Key, usable)
		if err != nil {
			return err
		}

		pending := make([]string, 0, len(targets))
		for _, id := range targets {
			if !accepted[id] {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			if len(accepted) == 0 {
				return errors.PartitionUnreachable("", fmt.Errorf("no usable partition for key '%v'", r.Key))
			}
			return nil
		}

		for _, id := range u.fanout.send(pending, r) {
			accepted[id] = true
		}
		if err := u.fanout.err(); err != nil {
			return err
		}
	}
}

// Close succeeds once at least one partition committed its share
func (u *uploadSink[K, S]) Close() error {
	return u.cluster.finish("upload", u.fanout.close())
}

func (u *uploadSink[K, S]) Abort() {
	u.fanout.abort()
}

type removeSink[K constraints.Ordered, S any] struct {
	cluster *Cluster[K, S]
	fanout  *fanout[K]
	ids     []string
}

func (r *removeSink[K, S]) Send(key K) error {
	if r.ids == nil {
		r.ids = r.cluster.PartitionIDs()
	}
	if len(r.fanout.send(r.ids, key)) == 0 {
		if err := r.fanout.err(); err != nil {
			return err
		}
		return errors.PartitionUnreachable("", fmt.Errorf("no usable partition for key '%v'", key))
	}
	return nil
}

func (r *removeSink[K, S]) Close() error {
	return r.cluster.finish("remove", r.fanout.close())
}

func (r *removeSink[K, S]) Abort() {
	r.fanout.abort()
}

func (c *Cluster[K, S]) finish(op string, res fanoutResult) error {
	if res.err != nil {
		return res.err
	}
	if len(res.committed) == 0 {
		var failures *multierror.Error
		for _, err := range res.failed {
			failures = multierror.Append(failures, err)
		}
		return errors.PartitionUnreachable("", fmt.Errorf("%s committed on no partition: %w", op, failures.ErrorOrNil()))
	}
	if len(res.failed) > 0 {
		failed := make([]string, 0, len(res.failed))
		for id := range res.failed {
			failed = append(failed, id)
		}
		c.logger.Warn("Stream committed on a subset of partitions",
			zap.String("operation", op),
			zap.Strings("committed", res.committed),
			zap.Strings("failed", failed))
	}
	return res.mergeFailures
}
