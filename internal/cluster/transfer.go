package cluster

import (
	"context"

	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/constraints"
)

// Transfer streams records to explicitly chosen partitions, bypassing the
// replica selection of Upload. Each partition has its own bounded queue, so
// a stalled partition only fails the records routed to it.
type Transfer[K constraints.Ordered, S any] struct {
	fanout *fanout[crdt.Record[K, S]]
}

// TransferResult tells which partitions acknowledged a transfer
type TransferResult struct {
	Committed     map[string]bool
	Failed        map[string]error
	MergeFailures []error
}

// OpenTransfer opens an upload on every listed partition that answers in
// time. Partitions that do not are marked dead and left out.
func (c *Cluster[K, S]) OpenTransfer(ctx context.Context, ids []string) *Transfer[K, S] {
	streamCtx, cancel := context.WithCancel(ctx)
	sinks, releases := openAll(streamCtx, ids, c.cfg.Timeout,
		func(ctx context.Context, id string) (crdt.Sink[crdt.Record[K, S]], error) { return c.partitions[id].Upload(ctx) },
		func(s crdt.Sink[crdt.Record[K, S]]) { s.Abort() },
		c.MarkDead)
	return &Transfer[K, S]{fanout: newFanout(streamCtx, sinks, releases, c.cfg.BufferSize, c.cfg.Timeout, cancel, c.MarkDead)}
}

// Usable reports whether id is open and has not failed
func (t *Transfer[K, S]) Usable(id string) bool {
	return t.fanout.usable(id)
}

// Send queues r for id and reports whether it was accepted
func (t *Transfer[K, S]) Send(id string, r crdt.Record[K, S]) bool {
	return len(t.fanout.send([]string{id}, r)) == 1
}

// Close commits every partition and waits for their acknowledgements
func (t *Transfer[K, S]) Close() TransferResult {
	res := t.fanout.close()
	out := TransferResult{
		Committed: make(map[string]bool, len(res.committed)),
		Failed:    res.failed,
	}
	for _, id := range res.committed {
		out.Committed[id] = true
	}
	if merr, ok := res.mergeFailures.(*multierror.Error); ok {
		out.MergeFailures = merr.Errors
	}
	return out
}

func (t *Transfer[K, S]) Abort() {
	t.fanout.abort()
}
