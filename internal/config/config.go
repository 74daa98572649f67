// Package config loads the engine's environment-tunable settings: the
// two LRU capacities, adapter selection, and the front-end server
// ports, using a flat-struct, getEnv-with-default style rather than a
// templating config library.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the complete set of environment-tunable knobs.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
}

// StoreConfig configures the content-addressed object store (internal/store)
// and which adapter backs it.
type StoreConfig struct {
	// ObjectCacheSize is the data-object LRU capacity (env-overridable,
	// default 16).
	ObjectCacheSize int `json:"object_cache_size"`

	// OrderCacheSize is the array-descriptor rebuilt-order LRU capacity
	// (env-overridable, default 16).
	OrderCacheSize int `json:"order_cache_size"`

	// Adapter selects which storage adapter backs the store: "memory",
	// "local", or "s3".
	Adapter string `json:"adapter"`

	// LocalPath is the base directory for the local filesystem adapter.
	LocalPath string `json:"local_path"`

	S3 S3Config `json:"s3"`
}

// S3Config configures the S3 storage adapter.
type S3Config struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	Prefix string `json:"prefix"`
}

// ServerConfig configures the replicad HTTP front-end.
type ServerConfig struct {
	Port        int `json:"port"`
	MetricsPort int `json:"metrics_port"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level      string `json:"level"`
	JSONOutput bool   `json:"json_output"`
}

// Load reads configuration from environment variables, falling back to
// defaults that match where one is named there.
func Load() *Config {
	return &Config{
		Store: StoreConfig{
			ObjectCacheSize: getEnvInt("DELTACRDT_OBJECT_CACHE_SIZE", 16),
			OrderCacheSize:  getEnvInt("DELTACRDT_ORDER_CACHE_SIZE", 16),
			Adapter:         getEnvString("DELTACRDT_ADAPTER", "local"),
			LocalPath:       getEnvString("DELTACRDT_DATA_DIR", "./data"),
			S3: S3Config{
				Bucket: getEnvString("DELTACRDT_S3_BUCKET", ""),
				Region: getEnvString("DELTACRDT_S3_REGION", "us-east-1"),
				Prefix: getEnvString("DELTACRDT_S3_PREFIX", ""),
			},
		},
		Server: ServerConfig{
			Port:        getEnvInt("DELTACRDT_PORT", 8080),
			MetricsPort: getEnvInt("DELTACRDT_METRICS_PORT", 9090),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("DELTACRDT_LOG_LEVEL", "info"),
			JSONOutput: getEnvBool("DELTACRDT_LOG_JSON", false),
		},
	}
}

// String returns a pretty-printed JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks invariants Load alone can't enforce (env vars parsed to
// out-of-range values).
func (c *Config) Validate() error {
	switch c.Store.Adapter {
	case "memory", "local", "s3":
	default:
		return fmt.Errorf("invalid store adapter: %s", c.Store.Adapter)
	}
	if c.Store.Adapter == "s3" && c.Store.S3.Bucket == "" {
		return fmt.Errorf("s3 adapter requires DELTACRDT_S3_BUCKET")
	}
	if c.Store.ObjectCacheSize <= 0 || c.Store.OrderCacheSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
