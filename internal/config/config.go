package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/partition"
	"gopkg.in/yaml.v3"
)

const (
	StorageModeFile   = "file"
	StorageModeMemory = "memory"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration for a CRDT storage node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Repartition RepartitionConfig `yaml:"repartition"`
	Backup      BackupConfig      `yaml:"backup"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig holds local storage configuration
type StorageConfig struct {
	// Mode is "file" for the segment store or "memory" for the map store
	// backed up into the segment store
	Mode                  string        `yaml:"mode"`
	DataDir               string        `yaml:"data_dir"`
	TombstonesDir         string        `yaml:"tombstones_dir"`
	ConsolidationDir      string        `yaml:"consolidation_dir"`
	SegmentMaxRecords     int           `yaml:"segment_max_records"`
	ConsolidationMargin   time.Duration `yaml:"consolidation_margin"`
	ConsolidationInterval time.Duration `yaml:"consolidation_interval"`
	BloomFilterFP         float64       `yaml:"bloom_filter_fp"`
	MetadataCacheSize     int           `yaml:"metadata_cache_size"`
	FlushWorkers          int           `yaml:"flush_workers"`
	MaxKeySize            int           `yaml:"max_key_size"`
	MaxStateSize          int           `yaml:"max_state_size"`
	// Disk thresholds in percent of the filesystem
	DiskWarningThreshold  float64 `yaml:"disk_warning_threshold"`
	DiskThrottleThreshold float64 `yaml:"disk_throttle_threshold"`
	DiskFullThreshold     float64 `yaml:"disk_full_threshold"`
}

// ClusterConfig holds partitioning and replication configuration
type ClusterConfig struct {
	// Partitions maps partition id to its gRPC address. The entry for
	// server.node_id is served in-process.
	Partitions       map[string]string `yaml:"partitions"`
	ReplicationCount int               `yaml:"replication_count"`
	Scheme           string            `yaml:"scheme"`
	VirtualNodes     int               `yaml:"virtual_nodes"`
	Timeout          time.Duration     `yaml:"timeout"`
	BufferSize       int               `yaml:"buffer_size"`
	HealthInterval   time.Duration     `yaml:"health_interval"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	MaxRetries       int               `yaml:"max_retries"`
	RetryBackoff     time.Duration     `yaml:"retry_backoff"`
}

// RepartitionConfig holds repartition controller configuration
type RepartitionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// BackupConfig holds map store backup configuration
type BackupConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file, then applies environment
// overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) error {
	if nodeID := os.Getenv("CRDT_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if port := os.Getenv("CRDT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("CRDT_PORT must be a number: %w", err)
		}
		cfg.Server.Port = p
	}
	if dataDir := os.Getenv("CRDT_DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if peers := os.Getenv("CRDT_PEERS"); peers != "" {
		parsed, err := ParsePeers(peers)
		if err != nil {
			return err
		}
		if cfg.Cluster.Partitions == nil {
			cfg.Cluster.Partitions = make(map[string]string)
		}
		for id, addr := range parsed {
			cfg.Cluster.Partitions[id] = addr
		}
	}
	if r := os.Getenv("CRDT_REPLICATION_COUNT"); r != "" {
		n, err := strconv.Atoi(r)
		if err != nil {
			return fmt.Errorf("CRDT_REPLICATION_COUNT must be a number: %w", err)
		}
		cfg.Cluster.ReplicationCount = n
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

// ParsePeers parses "id=host:port" pairs separated by commas
func ParsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, addr, ok := strings.Cut(pair, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=host:port", pair)
		}
		peers[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}
	return peers, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50052
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeFile
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb/crdt"
	}
	if cfg.Storage.SegmentMaxRecords == 0 {
		cfg.Storage.SegmentMaxRecords = 10000
	}
	if cfg.Storage.ConsolidationMargin == 0 {
		cfg.Storage.ConsolidationMargin = 30 * time.Minute
	}
	if cfg.Storage.ConsolidationInterval == 0 {
		cfg.Storage.ConsolidationInterval = 5 * time.Minute
	}
	if cfg.Storage.FlushWorkers == 0 {
		cfg.Storage.FlushWorkers = 4
	}
	if cfg.Storage.DiskWarningThreshold == 0 {
		cfg.Storage.DiskWarningThreshold = 80
	}
	if cfg.Storage.DiskThrottleThreshold == 0 {
		cfg.Storage.DiskThrottleThreshold = 90
	}
	if cfg.Storage.DiskFullThreshold == 0 {
		cfg.Storage.DiskFullThreshold = 95
	}

	if cfg.Server.NodeID != "" {
		if cfg.Cluster.Partitions == nil {
			cfg.Cluster.Partitions = make(map[string]string)
		}
		if _, ok := cfg.Cluster.Partitions[cfg.Server.NodeID]; !ok {
			cfg.Cluster.Partitions[cfg.Server.NodeID] = fmt.Sprintf("localhost:%d", cfg.Server.Port)
		}
	}
	if cfg.Cluster.ReplicationCount == 0 {
		cfg.Cluster.ReplicationCount = 1
	}
	if cfg.Cluster.Scheme == "" {
		cfg.Cluster.Scheme = partition.SchemeRendezvous
	}
	if cfg.Cluster.VirtualNodes == 0 {
		cfg.Cluster.VirtualNodes = partition.DefaultVirtualNodes
	}
	if cfg.Cluster.Timeout == 0 {
		cfg.Cluster.Timeout = 10 * time.Second
	}
	if cfg.Cluster.BufferSize == 0 {
		cfg.Cluster.BufferSize = 256
	}
	if cfg.Cluster.HealthInterval == 0 {
		cfg.Cluster.HealthInterval = 10 * time.Second
	}
	if cfg.Cluster.CallTimeout == 0 {
		cfg.Cluster.CallTimeout = 5 * time.Second
	}
	if cfg.Cluster.MaxRetries == 0 {
		cfg.Cluster.MaxRetries = 3
	}
	if cfg.Cluster.RetryBackoff == 0 {
		cfg.Cluster.RetryBackoff = 100 * time.Millisecond
	}

	if cfg.Repartition.Interval == 0 {
		cfg.Repartition.Interval = time.Minute
	}
	if cfg.Repartition.InitialBackoff == 0 {
		cfg.Repartition.InitialBackoff = time.Second
	}
	if cfg.Repartition.MaxBackoff == 0 {
		cfg.Repartition.MaxBackoff = 5 * time.Minute
	}

	if cfg.Backup.Interval == 0 {
		cfg.Backup.Interval = time.Minute
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Storage.Mode {
	case StorageModeFile, StorageModeMemory:
	default:
		return fmt.Errorf("storage.mode must be %q or %q", StorageModeFile, StorageModeMemory)
	}
	if c.Storage.ConsolidationMargin < 0 {
		return fmt.Errorf("storage.consolidation_margin must not be negative")
	}
	for name, dir := range map[string]string{
		"storage.tombstones_dir":    c.Storage.TombstonesDir,
		"storage.consolidation_dir": c.Storage.ConsolidationDir,
	} {
		if filepath.IsAbs(dir) || strings.Contains(dir, "..") {
			return fmt.Errorf("%s must be a folder name inside the data directory", name)
		}
	}
	if !(c.Storage.DiskWarningThreshold <= c.Storage.DiskThrottleThreshold &&
		c.Storage.DiskThrottleThreshold <= c.Storage.DiskFullThreshold &&
		c.Storage.DiskFullThreshold <= 100) {
		return fmt.Errorf("storage disk thresholds must be ordered warning <= throttle <= full <= 100")
	}

	if c.Cluster.ReplicationCount < 1 {
		return fmt.Errorf("cluster.replication_count must be at least 1")
	}
	if c.Cluster.ReplicationCount > len(c.Cluster.Partitions) {
		return fmt.Errorf("cluster.replication_count %d exceeds the %d configured partitions",
			c.Cluster.ReplicationCount, len(c.Cluster.Partitions))
	}
	if _, err := partition.NewScheme(c.Cluster.Scheme, c.Cluster.VirtualNodes); err != nil {
		return fmt.Errorf("cluster.scheme: %w", err)
	}
	for id, addr := range c.Cluster.Partitions {
		if id == "" || addr == "" {
			return fmt.Errorf("cluster.partitions entries need an id and an address")
		}
	}

	if c.Repartition.RateLimit < 0 {
		return fmt.Errorf("repartition.rate_limit must not be negative")
	}
	if c.Repartition.MaxBackoff < c.Repartition.InitialBackoff {
		return fmt.Errorf("repartition.max_backoff must not be below initial_backoff")
	}
	return nil
}

// PeerAddresses returns the addresses of every partition except the local one
func (c *Config) PeerAddresses() map[string]string {
	peers := make(map[string]string, len(c.Cluster.Partitions))
	for id, addr := range c.Cluster.Partitions {
		if id != c.Server.NodeID {
			peers[id] = addr
		}
	}
	return peers
}
