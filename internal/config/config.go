package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds network listener configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds on-disk layout configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ChunkConfig holds chunk log configuration
type ChunkConfig struct {
	MaxChunkSize uint64 `yaml:"max_chunk_size"`
}

// IndexConfig holds LSM index configuration
type IndexConfig struct {
	MemTableCap         int           `yaml:"memtable_cap"`
	L0CompactThreshold  int           `yaml:"l0_compact_threshold"`
	L0HardCap           int           `yaml:"l0_hard_cap"`
	LevelSizeMultiplier int           `yaml:"level_size_multiplier"`
	BaseLevelSize       int64         `yaml:"base_level_size"`
	CompactionWorkers   int           `yaml:"compaction_workers"`
	CompactionInterval  time.Duration `yaml:"compaction_interval"`
}

// SubscriptionConfig holds subscription fan-out configuration
type SubscriptionConfig struct {
	Buffer int `yaml:"buffer"`
}

// ClusterConfig holds cluster membership configuration
type ClusterConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds telemetry endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete configuration of a strand node
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Storage       StorageConfig      `yaml:"storage"`
	Chunk         ChunkConfig        `yaml:"chunk"`
	Index         IndexConfig        `yaml:"index"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`
	Cluster       ClusterConfig      `yaml:"cluster"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// Load reads configuration from a yaml file, applies environment
// overrides, fills defaults, and validates. A missing file is not an
// error: defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Run on defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file values with STRAND_* environment variables
func applyEnv(cfg *Config) {
	if v := os.Getenv("STRAND_NODE_ID"); v != "" {
		cfg.Server.NodeID = v
	}
	if v := os.Getenv("STRAND_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("STRAND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("STRAND_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STRAND_MAX_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Chunk.MaxChunkSize = n
		}
	}
	if v := os.Getenv("STRAND_MEMTABLE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.MemTableCap = n
		}
	}
	if v := os.Getenv("STRAND_L0_COMPACT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.L0CompactThreshold = n
		}
	}
	if v := os.Getenv("STRAND_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Port = p
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "strand-0"
		}
		cfg.Server.NodeID = host
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 2113
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/strand"
	}

	if cfg.Chunk.MaxChunkSize == 0 {
		cfg.Chunk.MaxChunkSize = 256 * 1024 * 1024
	}

	if cfg.Index.MemTableCap == 0 {
		cfg.Index.MemTableCap = 100_000
	}
	if cfg.Index.L0CompactThreshold == 0 {
		cfg.Index.L0CompactThreshold = 4
	}
	if cfg.Index.L0HardCap == 0 {
		cfg.Index.L0HardCap = 8
	}
	if cfg.Index.LevelSizeMultiplier == 0 {
		cfg.Index.LevelSizeMultiplier = 10
	}
	if cfg.Index.BaseLevelSize == 0 {
		cfg.Index.BaseLevelSize = 16 * 1024 * 1024
	}
	if cfg.Index.CompactionWorkers == 0 {
		cfg.Index.CompactionWorkers = 2
	}
	if cfg.Index.CompactionInterval == 0 {
		cfg.Index.CompactionInterval = 10 * time.Second
	}

	if cfg.Subscriptions.Buffer == 0 {
		cfg.Subscriptions.Buffer = 256
	}

	if cfg.Cluster.BindPort == 0 {
		cfg.Cluster.BindPort = 7946
	}
	if cfg.Cluster.GossipInterval == 0 {
		cfg.Cluster.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Cluster.ProbeTimeout == 0 {
		cfg.Cluster.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Cluster.ProbeInterval == 0 {
		cfg.Cluster.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9464
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Chunk.MaxChunkSize < 4096 {
		return fmt.Errorf("chunk.max_chunk_size must be at least 4096 bytes")
	}
	if c.Index.MemTableCap < 1 {
		return fmt.Errorf("index.memtable_cap must be positive")
	}
	if c.Index.L0HardCap < c.Index.L0CompactThreshold {
		return fmt.Errorf("index.l0_hard_cap must not be below index.l0_compact_threshold")
	}
	if c.Cluster.Enabled && (c.Cluster.BindPort < 1 || c.Cluster.BindPort > 65535) {
		return fmt.Errorf("cluster.bind_port must be between 1 and 65535")
	}
	return nil
}
