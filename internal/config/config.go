// Package config holds the daemon's file-backed configuration and build
// metadata.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edirooss/renderd/internal/pool"
	"github.com/edirooss/renderd/internal/resource"
)

// Build metadata, injected via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Config is the daemon configuration, loaded from renderd.yaml.
type Config struct {
	Addr string `yaml:"address"`
	Port string `yaml:"port"`

	RedisAddr            string        `yaml:"redis_address"`
	RedisDB              int           `yaml:"redis_db"`
	RedisPublishInterval time.Duration `yaml:"redis_publish_interval"`

	Pool     PoolConfig     `yaml:"pool"`
	Resource ResourceConfig `yaml:"resource"`
	Renderer RendererConfig `yaml:"renderer"`
}

// PoolConfig mirrors pool.Config in yaml form.
type PoolConfig struct {
	MinSize              int           `yaml:"min_size"`
	MaxSize              int           `yaml:"max_size"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	AcquireWaitTimeout   time.Duration `yaml:"acquire_wait_timeout"`
	CreateTimeout        time.Duration `yaml:"create_timeout"`
	HealthCheckTimeout   time.Duration `yaml:"health_check_timeout"`
	GracefulCloseTimeout time.Duration `yaml:"graceful_close_timeout"`
	ForceKillWait        time.Duration `yaml:"force_kill_wait"`
}

// ResourceConfig mirrors resource.Config in yaml form.
type ResourceConfig struct {
	SampleInterval time.Duration       `yaml:"sample_interval"`
	HistorySize    int                 `yaml:"history_size"`
	Thresholds     resource.Thresholds `yaml:"thresholds"`
	ThrottlePerSec float64             `yaml:"throttle_per_sec"`
	ThrottleBurst  int                 `yaml:"throttle_burst"`
	DiskRoot       string              `yaml:"disk_root"` // mount point sampled for disk pressure
}

// RendererConfig tunes the browser factory.
type RendererConfig struct {
	BinaryPath string `yaml:"binary_path"`
	ProfileDir string `yaml:"profile_dir"`
}

// Load reads and decodes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if cfg.Port == "" {
		cfg.Port = "8090"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	return &cfg, nil
}

// PoolConfig converts the yaml section to the pool package's config.
// Zero fields fall through to the pool's own defaults.
func (c *Config) PoolConfig() pool.Config {
	p := c.Pool
	return pool.Config{
		MinSize:              p.MinSize,
		MaxSize:              p.MaxSize,
		IdleTimeout:          p.IdleTimeout,
		CleanupInterval:      p.CleanupInterval,
		AcquireWaitTimeout:   p.AcquireWaitTimeout,
		CreateTimeout:        p.CreateTimeout,
		HealthCheckTimeout:   p.HealthCheckTimeout,
		GracefulCloseTimeout: p.GracefulCloseTimeout,
		ForceKillWait:        p.ForceKillWait,
	}
}

// ResourceConfig converts the yaml section to the resource package's
// config. MaxPoolSize follows the pool section so both layers agree on
// the cap; when unset both fall back to the same default.
func (c *Config) ResourceConfig() resource.Config {
	r := c.Resource
	return resource.Config{
		SampleInterval: r.SampleInterval,
		HistorySize:    r.HistorySize,
		Thresholds:     r.Thresholds,
		MaxPoolSize:    c.Pool.MaxSize,
		ThrottlePerSec: r.ThrottlePerSec,
		ThrottleBurst:  r.ThrottleBurst,
	}
}
