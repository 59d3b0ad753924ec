package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds daemon-level configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BucketConfig holds the engine tuning surface.
type BucketConfig struct {
	MaxSize              uint64        `yaml:"max_size"`
	MemLowWat            float64       `yaml:"mem_low_wat"`
	MemHighWat           float64       `yaml:"mem_high_wat"`
	MaxVBuckets          int           `yaml:"max_vbuckets"`
	HTSize               int           `yaml:"ht_size"`
	HTLocks              int           `yaml:"ht_locks"`
	ChkMaxItems          int           `yaml:"chk_max_items"`
	ChkPeriod            time.Duration `yaml:"chk_period"`
	MaxCheckpoints       int           `yaml:"max_checkpoints"`
	WarmupMinMemory      float64       `yaml:"warmup_min_memory_threshold"`
	WarmupMinItems       float64       `yaml:"warmup_min_items_threshold"`
	BackfillMemThreshold float64       `yaml:"backfill_mem_threshold"`
	MutationMemThreshold float64       `yaml:"mutation_mem_threshold"`
	BloomFilterEnabled   bool          `yaml:"bfilter_enabled"`
	ItemEvictionPolicy   string        `yaml:"item_eviction_policy"`
	MaxTTL               time.Duration `yaml:"max_ttl"`
	PagerActiveVBPcnt    int           `yaml:"pager_active_vb_pcnt"`
	MaxFailoverEntries   int           `yaml:"max_failover_entries"`
}

// DcpConfig holds change-stream tuning.
type DcpConfig struct {
	NoopInterval        time.Duration `yaml:"noop_interval"`
	BatchSize           int           `yaml:"batch_size"`
	MinCompressionRatio float64       `yaml:"dcp_min_compression_ratio"`
}

// StoreConfig holds file-store tuning.
type StoreConfig struct {
	SegmentSize int64 `yaml:"segment_size"`
	SyncWrites  bool  `yaml:"sync_writes"`
}

// ExecutorConfig sizes the shared task pool.
type ExecutorConfig struct {
	ReaderWorkers int `yaml:"reader_workers"`
	WriterWorkers int `yaml:"writer_workers"`
	AuxIOWorkers  int `yaml:"aux_io_workers"`
	NonIOWorkers  int `yaml:"non_io_workers"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete configuration of the engine daemon.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bucket   BucketConfig   `yaml:"bucket"`
	Dcp      DcpConfig      `yaml:"dcp"`
	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`

	mu        sync.Mutex
	listeners map[string][]func(*Config)
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Server.DataDir == "" {
		c.Server.DataDir = "/var/lib/riptide"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Bucket.MaxSize == 0 {
		c.Bucket.MaxSize = 256 << 20
	}
	if c.Bucket.MemLowWat == 0 {
		c.Bucket.MemLowWat = 0.75
	}
	if c.Bucket.MemHighWat == 0 {
		c.Bucket.MemHighWat = 0.85
	}
	if c.Bucket.MaxVBuckets == 0 {
		c.Bucket.MaxVBuckets = 1024
	}
	if c.Bucket.HTSize == 0 {
		c.Bucket.HTSize = 3079
	}
	if c.Bucket.HTLocks == 0 {
		c.Bucket.HTLocks = 47
	}
	if c.Bucket.ChkMaxItems == 0 {
		c.Bucket.ChkMaxItems = 10000
	}
	if c.Bucket.ChkPeriod == 0 {
		c.Bucket.ChkPeriod = 5 * time.Second
	}
	if c.Bucket.MaxCheckpoints == 0 {
		c.Bucket.MaxCheckpoints = 10
	}
	if c.Bucket.WarmupMinMemory == 0 {
		c.Bucket.WarmupMinMemory = 1.0
	}
	if c.Bucket.WarmupMinItems == 0 {
		c.Bucket.WarmupMinItems = 1.0
	}
	if c.Bucket.BackfillMemThreshold == 0 {
		c.Bucket.BackfillMemThreshold = 0.96
	}
	if c.Bucket.MutationMemThreshold == 0 {
		c.Bucket.MutationMemThreshold = 0.93
	}
	if c.Bucket.ItemEvictionPolicy == "" {
		c.Bucket.ItemEvictionPolicy = "value_only"
	}
	if c.Bucket.PagerActiveVBPcnt == 0 {
		c.Bucket.PagerActiveVBPcnt = 40
	}

	if c.Dcp.NoopInterval == 0 {
		c.Dcp.NoopInterval = 20 * time.Second
	}
	if c.Dcp.BatchSize == 0 {
		c.Dcp.BatchSize = 256
	}
	if c.Dcp.MinCompressionRatio == 0 {
		c.Dcp.MinCompressionRatio = 0.85
	}

	if c.Store.SegmentSize == 0 {
		c.Store.SegmentSize = 64 << 20
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9440
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Bucket.MemLowWat <= 0 || c.Bucket.MemLowWat >= 1 {
		return fmt.Errorf("bucket.mem_low_wat must be in (0, 1)")
	}
	if c.Bucket.MemHighWat <= c.Bucket.MemLowWat || c.Bucket.MemHighWat >= 1 {
		return fmt.Errorf("bucket.mem_high_wat must be in (mem_low_wat, 1)")
	}
	if c.Bucket.MaxVBuckets < 1 || c.Bucket.MaxVBuckets > 65536 {
		return fmt.Errorf("bucket.max_vbuckets must be in [1, 65536]")
	}
	switch c.Bucket.ItemEvictionPolicy {
	case "value_only", "full_eviction":
	default:
		return fmt.Errorf("bucket.item_eviction_policy must be value_only or full_eviction")
	}
	return nil
}

// Subscribe registers a hot-reload listener keyed to one setting; Apply
// invokes the listeners of keys whose values changed.
func (c *Config) Subscribe(key string, fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[string][]func(*Config))
	}
	c.listeners[key] = append(c.listeners[key], fn)
}

// Apply folds a newly loaded configuration into this one and fires the
// listeners of changed keys. Only the watermarks, max_ttl and the noop
// interval reload at runtime; structural settings (partition count, data dir) stay fixed.
func (c *Config) Apply(next *Config) {
	c.mu.Lock()
	changed := make([]string, 0, 4)
	if next.Bucket.MemLowWat != c.Bucket.MemLowWat {
		c.Bucket.MemLowWat = next.Bucket.MemLowWat
		changed = append(changed, "mem_low_wat")
	}
	if next.Bucket.MemHighWat != c.Bucket.MemHighWat {
		c.Bucket.MemHighWat = next.Bucket.MemHighWat
		changed = append(changed, "mem_high_wat")
	}
	if next.Bucket.MaxTTL != c.Bucket.MaxTTL {
		c.Bucket.MaxTTL = next.Bucket.MaxTTL
		changed = append(changed, "max_ttl")
	}
	if next.Dcp.NoopInterval != c.Dcp.NoopInterval {
		c.Dcp.NoopInterval = next.Dcp.NoopInterval
		changed = append(changed, "noop_interval")
	}
	var fns []func(*Config)
	for _, key := range changed {
		fns = append(fns, c.listeners[key]...)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
