package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv applies IGGY_-prefixed environment variable overrides on
// top of a config already populated from YAML/defaults.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("IGGY_TCP_ADDRESS"); v != "" {
		cfg.Server.TCPAddress = v
	}
	if v := os.Getenv("IGGY_ADMIN_ADDRESS"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v := os.Getenv("IGGY_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("IGGY_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("IGGY_DEFAULT_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.DefaultPartitions = n
		}
	}
	if v := os.Getenv("IGGY_RETENTION_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.RetentionPeriod = d
		}
	}
	if v := os.Getenv("IGGY_SEGMENT_MAX_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Segment.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("IGGY_SEGMENT_COMPRESSION"); v != "" {
		cfg.Segment.Compression = v
	}
	if v := os.Getenv("IGGY_SEGMENT_VALIDATE_CHECKSUM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Segment.ValidateCRC = b
		}
	}
	if v := os.Getenv("IGGY_ENCRYPTION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.EncryptionEnabled = b
		}
	}
	if v := os.Getenv("IGGY_ENCRYPTION_KEY_HEX"); v != "" {
		cfg.Security.EncryptionKeyHex = v
	}
}

// GetEnvOrDefault returns the named environment variable, or
// defaultValue if it is unset or empty.
func GetEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
