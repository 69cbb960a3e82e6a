package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "crdt"
)

// Metrics holds the Prometheus metrics of a CRDT storage node. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Protocol operations, labelled by operation
	RecordsTotal       *prometheus.CounterVec
	StreamsTotal       *prometheus.CounterVec
	StreamDuration     *prometheus.HistogramVec
	MergeFailuresTotal *prometheus.CounterVec

	// Consolidation
	ConsolidationRunsTotal  *prometheus.CounterVec
	ConsolidationDuration   prometheus.Histogram
	ConsolidationInputs     prometheus.Histogram
	ConsolidationTombstones prometheus.Counter
	SegmentsTotal           prometheus.Gauge
	TombstoneSegmentsTotal  prometheus.Gauge

	// Cluster
	PartitionsAlive      prometheus.Gauge
	PartitionsDead       prometheus.Gauge
	PartitionDeathsTotal *prometheus.CounterVec

	// Repartition
	RepartitionKeysTotal *prometheus.CounterVec
	RepartitionDuration  prometheus.Histogram

	// Backup
	BackupRunsTotal *prometheus.CounterVec
	BackupRecords   prometheus.Gauge

	// Gossip
	GossipMembersTotal prometheus.Gauge

	// Worker pools, labelled by pool
	WorkerPoolWorkers *prometheus.GaugeVec
	WorkerPoolTasks   *prometheus.GaugeVec

	// System
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics registers every metric on reg with a node_id const label
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counterVec := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, labelNames)
	}
	gaugeVec := func(name, help string, labelNames ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, labelNames)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		return f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels, Buckets: buckets,
		})
	}

	return &Metrics{
		RecordsTotal: counterVec("records_total",
			"Total number of records streamed, by operation", "operation"),
		StreamsTotal: counterVec("streams_total",
			"Total number of protocol streams, by operation and result", "operation", "result"),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "stream_duration_seconds",
			Help:        "Histogram of protocol stream durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4m
		}, []string{"operation"}),
		MergeFailuresTotal: counterVec("merge_failures_total",
			"Total number of records whose merge failed, by operation", "operation"),

		ConsolidationRunsTotal: counterVec("consolidation_runs_total",
			"Total number of consolidation passes, by status", "status"),
		ConsolidationDuration: histogram("consolidation_duration_seconds",
			"Histogram of consolidation pass durations", prometheus.DefBuckets),
		ConsolidationInputs: histogram("consolidation_input_segments",
			"Histogram of segments folded per consolidation pass", prometheus.LinearBuckets(0, 4, 10)),
		ConsolidationTombstones: counter("consolidation_tombstones_dropped_total",
			"Total number of tombstone segments dropped by consolidation"),
		SegmentsTotal:          gauge("segments", "Number of published record segments"),
		TombstoneSegmentsTotal: gauge("tombstone_segments", "Number of published tombstone segments"),

		PartitionsAlive: gauge("partitions_alive", "Number of partitions considered alive"),
		PartitionsDead:  gauge("partitions_dead", "Number of partitions considered dead"),
		PartitionDeathsTotal: counterVec("partition_deaths_total",
			"Total number of times a partition was marked dead", "partition_id"),

		RepartitionKeysTotal: counterVec("repartition_keys_total",
			"Total number of keys handled by repartition, by outcome", "outcome"),
		RepartitionDuration: histogram("repartition_duration_seconds",
			"Histogram of repartition pass durations", prometheus.ExponentialBuckets(0.01, 4, 10)),

		BackupRunsTotal: counterVec("backup_runs_total", "Total number of backups, by status", "status"),
		BackupRecords:   gauge("backup_records", "Records uploaded by the last backup"),

		GossipMembersTotal: gauge("gossip_members", "Number of gossip members"),

		WorkerPoolWorkers: gaugeVec("worker_pool_workers",
			"Workers of a pool, by state (max, active)", "pool", "state"),
		WorkerPoolTasks: gaugeVec("worker_pool_tasks",
			"Tasks of a pool, by state (queued, completed, failed, rejected)", "pool", "state"),

		DiskUsagePercent:   gauge("disk_usage_percent", "Disk usage of the data directory in percent"),
		DiskAvailableBytes: gauge("disk_available_bytes", "Available bytes on the data directory filesystem"),
		MemoryUsageBytes:   gauge("memory_usage_bytes", "Heap bytes in use"),
		GoroutinesTotal:    gauge("goroutines", "Number of goroutines"),
	}
}

// RecordStream records one finished protocol stream
func (m *Metrics) RecordStream(operation string, records, mergeFailures int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StreamsTotal.WithLabelValues(operation, result).Inc()
	m.StreamDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.RecordsTotal.WithLabelValues(operation).Add(float64(records))
	if mergeFailures > 0 {
		m.MergeFailuresTotal.WithLabelValues(operation).Add(float64(mergeFailures))
	}
}

// RecordConsolidation records one consolidation pass
func (m *Metrics) RecordConsolidation(status string, inputs, tombstonesDropped int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConsolidationRunsTotal.WithLabelValues(status).Inc()
	m.ConsolidationDuration.Observe(duration.Seconds())
	m.ConsolidationInputs.Observe(float64(inputs))
	m.ConsolidationTombstones.Add(float64(tombstonesDropped))
}

func (m *Metrics) UpdateSegments(segments, tombstones int) {
	if m == nil {
		return
	}
	m.SegmentsTotal.Set(float64(segments))
	m.TombstoneSegmentsTotal.Set(float64(tombstones))
}

func (m *Metrics) UpdatePartitions(alive, dead int) {
	if m == nil {
		return
	}
	m.PartitionsAlive.Set(float64(alive))
	m.PartitionsDead.Set(float64(dead))
}

func (m *Metrics) RecordPartitionDeath(partitionID string) {
	if m == nil {
		return
	}
	m.PartitionDeathsTotal.WithLabelValues(partitionID).Inc()
}

// RecordRepartition records the key counters of one repartition pass
func (m *Metrics) RecordRepartition(all, ensured, failed, removed uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.RepartitionKeysTotal.WithLabelValues("all").Add(float64(all))
	m.RepartitionKeysTotal.WithLabelValues("ensured").Add(float64(ensured))
	m.RepartitionKeysTotal.WithLabelValues("failed").Add(float64(failed))
	m.RepartitionKeysTotal.WithLabelValues("removed").Add(float64(removed))
	m.RepartitionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordBackup(status string, records int) {
	if m == nil {
		return
	}
	m.BackupRunsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		m.BackupRecords.Set(float64(records))
	}
}

func (m *Metrics) UpdateGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(n))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsagePercent float64, diskAvailable uint64, memoryUsage uint64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}

// UpdateWorkerPool publishes a snapshot of one worker pool's counters
func (m *Metrics) UpdateWorkerPool(pool string, maxWorkers, active, queued int, completed, failed, rejected uint64) {
	if m == nil {
		return
	}
	m.WorkerPoolWorkers.WithLabelValues(pool, "max").Set(float64(maxWorkers))
	m.WorkerPoolWorkers.WithLabelValues(pool, "active").Set(float64(active))
	m.WorkerPoolTasks.WithLabelValues(pool, "queued").Set(float64(queued))
	m.WorkerPoolTasks.WithLabelValues(pool, "completed").Set(float64(completed))
	m.WorkerPoolTasks.WithLabelValues(pool, "failed").Set(float64(failed))
	m.WorkerPoolTasks.WithLabelValues(pool, "rejected").Set(float64(rejected))
}
