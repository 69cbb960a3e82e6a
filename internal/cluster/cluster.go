// Package cluster combines partition storages into one replicated storage.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/devrev/pairdb/crdt-storage/internal/partition"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"
)

// Config holds the replication settings of a cluster
type Config struct {
	ReplicationCount int
	// Timeout bounds opening a partition stream, a stalled partition and a ping
	Timeout time.Duration
	// BufferSize is the number of records queued per partition on upload
	BufferSize int
}

func (c *Config) setDefaults() {
	if c.ReplicationCount <= 0 {
		c.ReplicationCount = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

// Options holds the collaborators of a cluster
type Options[K constraints.Ordered, S any] struct {
	Partitions map[string]crdt.Storage[K, S]
	Scheme     partition.Scheme
	// Keys encodes keys for the partitioning scheme
	Keys    codec.Codec[K]
	Merge   crdt.MergeFunc[S]
	Filter  crdt.Filter[S]
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Cluster is a crdt.Storage over a fixed set of partitions. Records go to
// the first R alive candidates of their key; downloads merge every alive
// partition. A partition that fails is marked dead and skipped until a
// health check or the gossip layer brings it back.
type Cluster[K constraints.Ordered, S any] struct {
	cfg     Config
	scheme  partition.Scheme
	keys    codec.Codec[K]
	merge   crdt.MergeFunc[S]
	filter  crdt.Filter[S]
	metrics *metrics.Metrics
	logger  *zap.Logger

	ids        []string
	partitions map[string]crdt.Storage[K, S]

	mu   sync.RWMutex
	dead map[string]error
}

var _ crdt.Storage[string, int] = (*Cluster[string, int])(nil)

func New[K constraints.Ordered, S any](cfg Config, opts Options[K, S]) (*Cluster[K, S], error) {
	cfg.setDefaults()
	if len(opts.Partitions) == 0 {
		return nil, fmt.Errorf("cluster needs at least one partition")
	}
	if opts.Merge == nil {
		return nil, fmt.Errorf("merge function is required")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("key codec is required")
	}
	if opts.Scheme == nil {
		opts.Scheme = partition.Rendezvous{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ids := make([]string, 0, len(opts.Partitions))
	for id := range opts.Partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	c := &Cluster[K, S]{
		cfg:        cfg,
		scheme:     opts.Scheme,
		keys:       opts.Keys,
		merge:      opts.Merge,
		filter:     opts.Filter,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		ids:        ids,
		partitions: opts.Partitions,
		dead:       make(map[string]error),
	}
	c.metrics.UpdatePartitions(len(ids), 0)
	return c, nil
}

// ReplicationCount returns R
func (c *Cluster[K, S]) ReplicationCount() int {
	return c.cfg.ReplicationCount
}

// PartitionIDs returns every configured partition, sorted
func (c *Cluster[K, S]) PartitionIDs() []string {
	return append([]string(nil), c.ids...)
}

// Partition returns the storage of one partition
func (c *Cluster[K, S]) Partition(id string) (crdt.Storage[K, S], bool) {
	p, ok := c.partitions[id]
	return p, ok
}

// Candidates returns every partition in preference order for key
func (c *Cluster[K, S]) Candidates(key K) ([]string, error) {
	kb, err := c.keys.Encode(key)
	if err != nil {
		return nil, errors.InvalidKey(fmt.Sprint(key), err.Error())
	}
	return c.scheme.Candidates(kb, c.ids), nil
}

// ReplicaSet returns the first R candidates of key accepted by usable
func (c *Cluster[K, S]) ReplicaSet(key K, usable func(id string) bool) ([]string, error) {
	kb, err := c.keys.Encode(key)
	if err != nil {
		return nil, errors.InvalidKey(fmt.Sprint(key), err.Error())
	}
	return partition.ReplicaSet(c.scheme, kb, c.ids, usable, c.cfg.ReplicationCount), nil
}

func (c *Cluster[K, S]) IsAlive(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, dead := c.dead[id]
	_, known := c.partitions[id]
	return known && !dead
}

// AlivePartitions returns the partitions not marked dead, sorted
func (c *Cluster[K, S]) AlivePartitions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.ids))
	for _, id := range c.ids {
		if _, dead := c.dead[id]; !dead {
			out = append(out, id)
		}
	}
	return out
}

// DeadPartitions returns the partitions marked dead, sorted
func (c *Cluster[K, S]) DeadPartitions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.dead))
	for _, id := range c.ids {
		if _, dead := c.dead[id]; dead {
			out = append(out, id)
		}
	}
	return out
}

// Status is a snapshot of partition liveness
func (c *Cluster[K, S]) Status() model.PartitionStatus {
	return model.PartitionStatus{Alive: c.AlivePartitions(), Dead: c.DeadPartitions()}
}

// MarkDead excludes a partition from routing until it is marked alive
func (c *Cluster[K, S]) MarkDead(id string, cause error) {
	c.mu.Lock()
	_, known := c.partitions[id]
	_, already := c.dead[id]
	if !known || already {
		c.mu.Unlock()
		return
	}
	c.dead[id] = cause
	alive, dead := len(c.ids)-len(c.dead), len(c.dead)
	c.mu.Unlock()

	c.logger.Warn("Partition marked dead",
		zap.String("partition_id", id),
		zap.Int("alive", alive),
		zap.Error(cause))
	c.metrics.RecordPartitionDeath(id)
	c.metrics.UpdatePartitions(alive, dead)
}

// MarkAlive returns a partition to routing
func (c *Cluster[K, S]) MarkAlive(id string) {
	c.mu.Lock()
	if _, dead := c.dead[id]; !dead {
		c.mu.Unlock()
		return
	}
	delete(c.dead, id)
	alive, dead := len(c.ids)-len(c.dead), len(c.dead)
	c.mu.Unlock()

	c.logger.Info("Partition marked alive",
		zap.String("partition_id", id),
		zap.Int("alive", alive))
	c.metrics.UpdatePartitions(alive, dead)
}

// CheckAllPartitions pings every partition and updates liveness
func (c *Cluster[K, S]) CheckAllPartitions(ctx context.Context) error {
	return c.check(ctx, c.ids)
}

// CheckDeadPartitions pings the dead partitions and revives those that answer
func (c *Cluster[K, S]) CheckDeadPartitions(ctx context.Context) error {
	return c.check(ctx, c.DeadPartitions())
}

func (c *Cluster[K, S]) check(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(gctx, c.cfg.Timeout)
			defer cancel()

			if err := c.partitions[id].Ping(pingCtx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.MarkDead(id, err)
				return nil
			}
			c.MarkAlive(id)
			return nil
		})
	}
	return g.Wait()
}

// Ping checks every partition and fails only when none is alive
func (c *Cluster[K, S]) Ping(ctx context.Context) error {
	if err := c.CheckAllPartitions(ctx); err != nil {
		return err
	}
	if len(c.AlivePartitions()) == 0 {
		return errors.PartitionUnreachable("", fmt.Errorf("all %d partitions are dead", len(c.ids)))
	}
	return nil
}
