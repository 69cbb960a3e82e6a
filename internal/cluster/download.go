package cluster

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
)

// Download merges the downloads of every alive partition. A partition that
// fails or stalls is marked dead and dropped, leaving a partial view. When
// ctx ends the stream fails with ctx's error and no partition is blamed.
func (c *Cluster[K, S]) Download(ctx context.Context, since int64) (crdt.Source[crdt.Record[K, S]], error) {
	alive := c.AlivePartitions()
	if len(alive) == 0 {
		return nil, errors.PartitionUnreachable("", fmt.Errorf("no alive partitions"))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	opened, releases := openAll(streamCtx, alive, c.cfg.Timeout,
		func(ctx context.Context, id string) (crdt.Source[crdt.Record[K, S]], error) {
			return c.partitions[id].Download(ctx, since)
		},
		func(src crdt.Source[crdt.Record[K, S]]) { _ = src.Close() },
		c.MarkDead)
	if len(opened) == 0 {
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.PartitionUnreachable("", fmt.Errorf("download failed to open on all %d alive partitions", len(alive)))
	}

	sources := make([]crdt.Source[crdt.Record[K, S]], 0, len(opened))
	for _, id := range alive {
		if src, ok := opened[id]; ok {
			sources = append(sources, newPumpSource(streamCtx, id, src, releases[id], c.cfg.BufferSize, c.cfg.Timeout, c.MarkDead))
		}
	}

	return &cancelSource[crdt.Record[K, S]]{
		Source: crdt.Reduce(sources, crdt.MergeRecords[K](c.merge, c.filter)),
		cancel: cancel,
	}, nil
}

// cancelSource releases the partition streams on Close
type cancelSource[T any] struct {
	crdt.Source[T]
	cancel context.CancelFunc
}

func (s *cancelSource[T]) Close() error {
	err := s.Source.Close()
	s.cancel()
	return err
}

type pumped[T any] struct {
	item T
	err  error
}

// pumpSource reads a partition stream ahead on its own goroutine, so all
// partitions download concurrently and a stalled one can be given up on
type pumpSource[T any] struct {
	ctx      context.Context
	release  context.CancelFunc
	id       string
	ch       chan pumped[T]
	stop     chan struct{}
	stopOnce sync.Once
	timeout  time.Duration
	onFail   func(id string, err error)
	done     bool
}

func newPumpSource[T any](ctx context.Context, id string, src crdt.Source[T], release context.CancelFunc, buffer int, timeout time.Duration, onFail func(string, error)) *pumpSource[T] {
	p := &pumpSource[T]{
		ctx:     ctx,
		release: release,
		id:      id,
		ch:      make(chan pumped[T], buffer),
		stop:    make(chan struct{}),
		timeout: timeout,
		onFail:  onFail,
	}
	go p.pump(src)
	return p
}

func (p *pumpSource[T]) pump(src crdt.Source[T]) {
	defer src.Close()
	for {
		item, err := src.Recv()
		select {
		case p.ch <- pumped[T]{item: item, err: err}:
		case <-p.stop:
			return
		}
		if err != nil && !errors.IsMergeFailure(err) {
			return
		}
	}
}

func (p *pumpSource[T]) Recv() (T, error) {
	var zero T
	if p.done {
		return zero, io.EOF
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		if r.err == nil || errors.IsMergeFailure(r.err) {
			return r.item, r.err
		}
		p.Close()
		if r.err == io.EOF {
			return zero, io.EOF
		}
		if err := p.ctx.Err(); err != nil {
			return zero, err
		}
		p.onFail(p.id, r.err)
		return zero, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return zero, p.ctx.Err()
	case <-timer.C:
		p.Close()
		if err := p.ctx.Err(); err != nil {
			return zero, err
		}
		p.onFail(p.id, errors.PartitionUnreachable(p.id, fmt.Errorf("download stalled for %v", p.timeout)))
		return zero, io.EOF
	}
}

func (p *pumpSource[T]) Close() error {
	p.done = true
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.release != nil {
			p.release()
		}
	})
	return nil
}

var _ crdt.Source[int] = (*pumpSource[int])(nil)
