package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/codec"
	"github.com/devrev/pairdb/crdt-storage/internal/metrics"
	"github.com/devrev/pairdb/crdt-storage/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// MembershipTarget receives liveness changes observed by gossip. The cluster
// implements it; member names are partition ids.
type MembershipTarget interface {
	PartitionIDs() []string
	MarkDead(id string, cause error)
	MarkAlive(id string)
}

// GossipService runs memberlist and turns join and leave events into
// partition liveness
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	target     MembershipTarget
	known      map[string]bool
	codec      *codec.Msgpack[model.HealthStatus]
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu         sync.RWMutex
	healthData model.HealthStatus
	members    map[string]bool
	remote     map[string]model.HealthStatus
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NewGossipService creates the memberlist and joins the seed nodes
func NewGossipService(cfg *GossipConfig, nodeID string, target MembershipTarget, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := newGossipService(cfg, nodeID, target, m, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(gs.logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			gs.logger.Warn("Failed to join some seed nodes",
				zap.Int("joined", joined),
				zap.Error(err))
		}
	}

	gs.logger.Info("Gossip service started",
		zap.String("bind_addr", mlConfig.BindAddr),
		zap.Int("bind_port", mlConfig.BindPort),
		zap.Int("members", ml.NumMembers()))
	return gs, nil
}

func newGossipService(cfg *GossipConfig, nodeID string, target MembershipTarget, m *metrics.Metrics, logger *zap.Logger) *GossipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]bool)
	for _, id := range target.PartitionIDs() {
		known[id] = true
	}
	return &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		target:  target,
		known:   known,
		codec:   codec.NewMsgpack[model.HealthStatus](),
		metrics: m,
		logger:  logger,
		healthData: model.HealthStatus{
			NodeID:    nodeID,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
		members: map[string]bool{nodeID: true},
		remote:  make(map[string]model.HealthStatus),
	}
}

func (s *GossipService) encodeHealth() []byte {
	s.mu.RLock()
	status := s.healthData
	s.mu.RUnlock()

	data, err := s.codec.Encode(status)
	if err != nil {
		s.logger.Warn("Failed to encode health status", zap.Error(err))
		return nil
	}
	return data
}

func (s *GossipService) decodeHealth(data []byte) (model.HealthStatus, bool) {
	if len(data) == 0 {
		return model.HealthStatus{}, false
	}
	status, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("Failed to decode gossip health status", zap.Error(err))
		return model.HealthStatus{}, false
	}
	return status, true
}

func (s *GossipService) recordRemote(status model.HealthStatus) {
	if status.NodeID == "" || status.NodeID == s.nodeID {
		return
	}
	s.mu.Lock()
	s.remote[status.NodeID] = status
	s.mu.Unlock()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data := s.encodeHealth()
	if len(data) > limit {
		// a truncated status would not decode; peers fall back to LocalState
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	if status, ok := s.decodeHealth(data); ok {
		s.recordRemote(status)
	}
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.encodeHealth()
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	if status, ok := s.decodeHealth(buf); ok {
		s.recordRemote(status)
	}
}

// UpdateHealthStatus updates the status this node advertises
func (s *GossipService) UpdateHealthStatus(partitions model.PartitionStatus, m model.HealthMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.healthData.Timestamp = time.Now().Unix()
	s.healthData.Partitions = partitions
	s.healthData.Metrics = m

	switch {
	case len(partitions.Alive) == 0:
		s.healthData.Status = model.NodeStatusUnhealthy
	case len(partitions.Dead) > 0 || m.DiskUsage > 90:
		s.healthData.Status = model.NodeStatusDegraded
	default:
		s.healthData.Status = model.NodeStatusHealthy
	}
}

// RemoteStatus returns the last status a member advertised
func (s *GossipService) RemoteStatus(nodeID string) (model.HealthStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.remote[nodeID]
	return status, ok
}

// Members returns the number of live members, this node included
func (s *GossipService) Members() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

func (s *GossipService) join(name string, meta []byte) {
	s.mu.Lock()
	s.members[name] = true
	n := len(s.members)
	s.mu.Unlock()
	s.metrics.UpdateGossipMembers(n)

	if status, ok := s.decodeHealth(meta); ok {
		s.recordRemote(status)
	}
	if name != s.nodeID && s.known[name] {
		s.target.MarkAlive(name)
	}
}

func (s *GossipService) leave(name string) {
	s.mu.Lock()
	delete(s.members, name)
	delete(s.remote, name)
	n := len(s.members)
	s.mu.Unlock()
	s.metrics.UpdateGossipMembers(n)

	if name != s.nodeID && s.known[name] {
		s.target.MarkDead(name, fmt.Errorf("partition %s left the gossip membership", name))
	}
}

// Shutdown leaves the cluster and stops memberlist
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip membership", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.join(node.Name, node.Meta)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.leave(node.Name)
}

// NotifyUpdate is called when a node changes its metadata
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	if status, ok := d.service.decodeHealth(node.Meta); ok {
		d.service.recordRemote(status)
	}
}
