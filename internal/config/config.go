package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's full runtime configuration, loaded from a YAML
// file and then overridden by IGGY_-prefixed environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Segment  SegmentConfig  `yaml:"segment"`
	Cache    CacheConfig    `yaml:"cache"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig configures the TCP command transport and the ops-only
// admin HTTP surface.
type ServerConfig struct {
	TCPAddress   string `yaml:"tcp_address" default:"0.0.0.0:8090"`
	AdminAddress string `yaml:"admin_address" default:"0.0.0.0:8091"`
	LogLevel     string `yaml:"log_level" default:"info"`
	DataDir      string `yaml:"data_dir" default:"./iggy_data"`
}

// StreamConfig bounds default topic/partition creation.
type StreamConfig struct {
	DefaultPartitions int           `yaml:"default_partitions" default:"1"`
	RetentionPeriod   time.Duration `yaml:"retention_period" default:"168h"`
}

// SegmentConfig controls on-disk segment rotation and integrity
// checking.
type SegmentConfig struct {
	MaxSizeBytes   int64  `yaml:"max_size_bytes" default:"1073741824"`
	Compression    string `yaml:"compression" default:"none"` // "none" | "gzip"
	ValidateCRC    bool   `yaml:"validate_checksum" default:"true"`
}

// CacheConfig bounds the per-partition read cache.
type CacheConfig struct {
	ReadCacheEntries int `yaml:"read_cache_entries" default:"4096"`
}

// SecurityConfig configures at-rest payload encryption and connection
// rate limiting.
type SecurityConfig struct {
	EncryptionEnabled   bool   `yaml:"encryption_enabled" default:"false"`
	EncryptionKeyHex    string `yaml:"encryption_key_hex"`
	MaxConnectionsPerIP int    `yaml:"max_connections_per_ip" default:"100"`
}

// Default returns the broker's out-of-the-box configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddress:   "0.0.0.0:8090",
			AdminAddress: "0.0.0.0:8091",
			LogLevel:     "info",
			DataDir:      "./iggy_data",
		},
		Stream: StreamConfig{
			DefaultPartitions: 1,
			RetentionPeriod:   7 * 24 * time.Hour,
		},
		Segment: SegmentConfig{
			MaxSizeBytes: 1 << 30,
			Compression:  "none",
			ValidateCRC:  true,
		},
		Cache: CacheConfig{
			ReadCacheEntries: 4096,
		},
		Security: SecurityConfig{
			MaxConnectionsPerIP: 100,
		},
	}
}

// Load reads a YAML config file, applying it on top of Default, then
// layers environment variable overrides (LoadFromEnv) on top of that.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that can't be expressed as struct defaults.
func (c *Config) Validate() error {
	if c.Segment.Compression != "none" && c.Segment.Compression != "gzip" {
		return fmt.Errorf("config: segment.compression must be \"none\" or \"gzip\", got %q", c.Segment.Compression)
	}
	if c.Stream.DefaultPartitions <= 0 {
		return fmt.Errorf("config: stream.default_partitions must be positive")
	}
	return nil
}
