package model

// HealthStatus is the health report of a node
type HealthStatus struct {
	NodeID     string
	Status     NodeStatus
	Timestamp  int64
	Partitions PartitionStatus
	Metrics    HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// PartitionStatus is the cluster view of this node
type PartitionStatus struct {
	Alive []string
	Dead  []string
}

type HealthMetrics struct {
	DiskUsage      float64
	MemoryUsage    float64
	GoroutineCount int
}

// RepartitionStats are the key counters of the last repartition pass
type RepartitionStats struct {
	All          uint64
	Ensured      uint64
	Failed       uint64
	Removed      uint64
	LastDuration int64
	Passes       uint64
}
