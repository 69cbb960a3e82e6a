// Package repartition moves the records of the local partition to the
// partitions that should own them.
package repartition

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/cluster"
	"github.com/devrev/pairdb/crdt-storage/internal/crdt"
	"github.com/devrev/pairdb/crdt-storage/internal/errors"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config holds repartition settings
type Config struct {
	// RateLimit caps records read from the local partition per second; zero
	// means unlimited
	RateLimit float64
	Burst     int
	// A peer that failed is skipped for InitialBackoff, doubling on every
	// further failure up to MaxBackoff
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) setDefaults() {
	if c.Burst <= 0 {
		c.Burst = 1000
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 5 * time.Minute
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
}

type backoff struct {
	until time.Time
	delay time.Duration
}

// Controller runs repartition passes for one local partition of a cluster
type Controller[K constraints.Ordered, S any] struct {
	cfg     Config
	cluster *cluster.Cluster[K, S]
	localID string
	local   crdt.Storage[K, S]
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	stats   model.RepartitionStats
	backoff map[string]backoff
}

// NewController binds a controller to the partition localID of c
func NewController[K constraints.Ordered, S any](cfg Config, c *cluster.Cluster[K, S], localID string, m *metrics.Metrics, logger *zap.Logger) (*Controller[K, S], error) {
	cfg.setDefaults()
	local, ok := c.Partition(localID)
	if !ok {
		return nil, fmt.Errorf("local partition %q is not part of the cluster", localID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Controller[K, S]{
		cfg:     cfg,
		cluster: c,
		localID: localID,
		local:   local,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		backoff: make(map[string]backoff),
	}, nil
}

// Stats returns the counters of the last completed pass
func (c *Controller[K, S]) Stats() model.RepartitionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Repartition runs one pass. A call made while a pass is running waits for
// it and shares its result.
func (c *Controller[K, S]) Repartition(ctx context.Context) (model.RepartitionStats, error) {
	v, err, shared := c.group.Do("repartition", func() (interface{}, error) {
		return c.run(ctx)
	})
	if shared {
		c.logger.Debug("Joined running repartition pass")
	}
	stats, _ := v.(model.RepartitionStats)
	return stats, err
}

// pending is a key sent to peers, with what must hold for it to count as
// ensured
type pending[K constraints.Ordered] struct {
	key     K
	targets []string
	// drop marks a key whose replica set excludes the local partition
	drop bool
}

func (c *Controller[K, S]) run(ctx context.Context) (model.RepartitionStats, error) {
	start := c.now()
	var stats model.RepartitionStats

	peers := c.usablePeers()
	transfer := c.cluster.OpenTransfer(ctx, peers)

	src, err := c.local.Download(ctx, 0)
	if err != nil {
		transfer.Abort()
		return stats, fmt.Errorf("failed to read local partition: %w", err)
	}

	alive := func(id string) bool {
		return id == c.localID || c.cluster.IsAlive(id)
	}

	var keys []pending[K]
	failedKeys := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			src.Close()
			transfer.Abort()
			return stats, err
		}

		r, err := src.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.IsMergeFailure(err) {
				stats.All++
				failedKeys++
				continue
			}
			src.Close()
			transfer.Abort()
			return stats, fmt.Errorf("failed to read local partition: %w", err)
		}
		stats.All++

		selected, err := c.cluster.ReplicaSet(r.Key, alive)
		if err != nil {
			failedKeys++
			continue
		}

		p := pending[K]{key: r.Key, drop: true}
		ok := true
		for _, id := range selected {
			if id == c.localID {
				p.drop = false
				continue
			}
			if !transfer.Usable(id) || !transfer.Send(id, r) {
				ok = false
				continue
			}
			p.targets = append(p.targets, id)
		}
		if !ok {
			failedKeys++
			continue
		}
		if len(p.targets) > 0 || p.drop {
			keys = append(keys, p)
		} else {
			stats.Ensured++
		}
	}
	src.Close()

	res := transfer.Close()
	c.updateBackoff(peers, res)

	var removals []K
	for _, p := range keys {
		acked := true
		for _, id := range p.targets {
			if !res.Committed[id] {
				acked = false
				break
			}
		}
		if !acked {
			failedKeys++
			continue
		}
		stats.Ensured++
		// the last local copy goes only once R peers acknowledged it
		if p.drop && len(p.targets) >= c.cluster.ReplicationCount() {
			removals = append(removals, p.key)
		}
	}
	stats.Failed = uint64(failedKeys) + uint64(len(res.MergeFailures))
	if stats.Failed > stats.All {
		stats.Failed = stats.All
	}

	if len(removals) > 0 {
		if err := crdt.RemoveKeys[K, S](ctx, c.local, removals...); err != nil {
			c.logger.Error("Failed to remove moved keys locally",
				zap.Int("keys", len(removals)),
				zap.Error(err))
		} else {
			stats.Removed = uint64(len(removals))
		}
	}

	duration := c.now().Sub(start)
	stats.LastDuration = duration.Nanoseconds()

	c.mu.Lock()
	stats.Passes = c.stats.Passes + 1
	c.stats = stats
	c.mu.Unlock()

	c.metrics.RecordRepartition(stats.All, stats.Ensured, stats.Failed, stats.Removed, duration)
	c.logger.Info("Repartition pass completed",
		zap.String("partition_id", c.localID),
		zap.Uint64("all", stats.All),
		zap.Uint64("ensured", stats.Ensured),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("removed", stats.Removed),
		zap.Duration("duration", duration))
	return stats, nil
}

// usablePeers lists the alive peers that are not backing off
func (c *Controller[K, S]) usablePeers() []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var peers []string
	for _, id := range c.cluster.AlivePartitions() {
		if id == c.localID {
			continue
		}
		if b, ok := c.backoff[id]; ok && now.Before(b.until) {
			continue
		}
		peers = append(peers, id)
	}
	return peers
}

func (c *Controller[K, S]) updateBackoff(peers []string, res cluster.TransferResult) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range peers {
		if res.Committed[id] {
			delete(c.backoff, id)
			continue
		}
		b := c.backoff[id]
		if b.delay == 0 {
			b.delay = c.cfg.InitialBackoff
		} else {
			b.delay *= 2
			if b.delay > c.cfg.MaxBackoff {
				b.delay = c.cfg.MaxBackoff
			}
		}
		b.until = now.Add(b.delay)
		c.backoff[id] = b

		c.logger.Warn("Pausing transfers to partition",
			zap.String("partition_id", id),
			zap.Duration("backoff", b.delay),
			zap.Error(res.Failed[id]))
	}
}
