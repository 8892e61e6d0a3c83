// Package config provides configuration loading and validation for the robot agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jonathan/ontology-robot/internal/blob"
	"github.com/jonathan/ontology-robot/internal/workerpool"
)

// Config is the agent configuration. It can be loaded from a JSON or TOML file;
// environment variables override file values and CLI flags override both.
type Config struct {
	Port        int    `json:"port,omitempty" toml:"port"`
	DatabaseURL string `json:"database_url,omitempty" toml:"database_url"` // PostgreSQL connection URL; empty keeps state in memory
	Verbose     bool   `json:"verbose,omitempty" toml:"verbose"`

	Engine    EngineConfig   `json:"engine" toml:"engine"`
	Snapshots SnapshotConfig `json:"snapshots" toml:"snapshots"`
	Outputs   OutputConfig   `json:"outputs" toml:"outputs"`
	Pool      PoolConfig     `json:"pool" toml:"pool"`
	Auth      AuthConfig     `json:"auth" toml:"auth"`
}

// EngineConfig locates the ontology-processing engine.
type EngineConfig struct {
	URL            string `json:"url,omitempty" toml:"url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" toml:"timeout_seconds"`
}

// Timeout returns the engine request timeout.
func (c EngineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SnapshotConfig selects where ontology snapshots come from: a project service
// over HTTP or a directory with one sub-directory per project.
type SnapshotConfig struct {
	URL string `json:"url,omitempty" toml:"url"`
	Dir string `json:"dir,omitempty" toml:"dir"`
}

// OutputConfig selects where stage outputs and final artifacts are written.
type OutputConfig struct {
	Dir   string            `json:"dir,omitempty" toml:"dir"`
	Minio *blob.MinioConfig `json:"minio,omitempty" toml:"minio"`
}

// PoolConfig sizes the background worker pool.
type PoolConfig struct {
	CoreSize         int `json:"core_size,omitempty" toml:"core_size"`
	MaxSize          int `json:"max_size,omitempty" toml:"max_size"`
	QueueSize        int `json:"queue_size,omitempty" toml:"queue_size"`
	KeepAliveSeconds int `json:"keep_alive_seconds,omitempty" toml:"keep_alive_seconds"`
}

// Worker converts the pool settings to a workerpool.Config.
func (c PoolConfig) Worker() workerpool.Config {
	return workerpool.Config{
		CoreSize:  c.CoreSize,
		MaxSize:   c.MaxSize,
		QueueSize: c.QueueSize,
		KeepAlive: time.Duration(c.KeepAliveSeconds) * time.Second,
	}
}

// AuthConfig toggles bearer-token authentication on the API.
type AuthConfig struct {
	Enabled bool `json:"enabled,omitempty" toml:"enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	pool := workerpool.DefaultConfig()
	return Config{
		Port:    8080,
		Engine:  EngineConfig{TimeoutSeconds: 300},
		Outputs: OutputConfig{Dir: "outputs"},
		Pool: PoolConfig{
			CoreSize:         pool.CoreSize,
			MaxSize:          pool.MaxSize,
			QueueSize:        pool.QueueSize,
			KeepAliveSeconds: int(pool.KeepAlive / time.Second),
		},
	}
}

// LoadConfig loads configuration from a JSON or TOML file, chosen by extension.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// ApplyEnv overrides fields with values from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("ENGINE_URL"); v != "" {
		c.Engine.URL = v
	}
	if v := os.Getenv("SNAPSHOT_URL"); v != "" {
		c.Snapshots.URL = v
	}
	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		c.Snapshots.Dir = v
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		c.Outputs.Dir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		if c.Outputs.Minio == nil {
			c.Outputs.Minio = &blob.MinioConfig{}
		}
		c.Outputs.Minio.Endpoint = v
		c.Outputs.Minio.Bucket = envOr("MINIO_BUCKET", c.Outputs.Minio.Bucket)
		c.Outputs.Minio.AccessKey = envOr("MINIO_ACCESS_KEY", c.Outputs.Minio.AccessKey)
		c.Outputs.Minio.SecretKey = envOr("MINIO_SECRET_KEY", c.Outputs.Minio.SecretKey)
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Auth.Enabled = enabled
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those depend on the
// command being run.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.Snapshots.URL != "" && c.Snapshots.Dir != "" {
		return fmt.Errorf("config error: 'snapshots.url' and 'snapshots.dir' are mutually exclusive")
	}
	if c.Engine.TimeoutSeconds < 0 {
		return fmt.Errorf("config error: 'engine.timeout_seconds' must be non-negative")
	}
	if c.Pool.CoreSize < 0 || c.Pool.MaxSize < 0 || c.Pool.QueueSize < 0 || c.Pool.KeepAliveSeconds < 0 {
		return fmt.Errorf("config error: pool sizes must be non-negative")
	}
	if c.Pool.MaxSize > 0 && c.Pool.CoreSize > c.Pool.MaxSize {
		return fmt.Errorf("config error: 'pool.core_size' cannot exceed 'pool.max_size'")
	}
	if m := c.Outputs.Minio; m != nil {
		if c.Outputs.Dir != "" {
			return fmt.Errorf("config error: 'outputs.dir' and 'outputs.minio' are mutually exclusive")
		}
		if m.Endpoint == "" || m.Bucket == "" {
			return fmt.Errorf("config error: 'outputs.minio' needs an endpoint and a bucket")
		}
	}
	if c.Snapshots.Dir != "" {
		if _, err := os.Stat(c.Snapshots.Dir); os.IsNotExist(err) {
			return fmt.Errorf("config error: snapshot directory not found: %s", c.Snapshots.Dir)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.Engine.URL == "" {
		result.Engine.URL = defaults.Engine.URL
	}
	if result.Engine.TimeoutSeconds == 0 {
		result.Engine.TimeoutSeconds = defaults.Engine.TimeoutSeconds
	}
	if result.Snapshots.URL == "" && result.Snapshots.Dir == "" {
		result.Snapshots = defaults.Snapshots
	}
	if result.Outputs.Dir == "" && result.Outputs.Minio == nil {
		result.Outputs = defaults.Outputs
	}
	if result.Pool.CoreSize == 0 {
		result.Pool.CoreSize = defaults.Pool.CoreSize
	}
	if result.Pool.MaxSize == 0 {
		result.Pool.MaxSize = defaults.Pool.MaxSize
	}
	if result.Pool.QueueSize == 0 {
		result.Pool.QueueSize = defaults.Pool.QueueSize
	}
	if result.Pool.KeepAliveSeconds == 0 {
		result.Pool.KeepAliveSeconds = defaults.Pool.KeepAliveSeconds
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}
