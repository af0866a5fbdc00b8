// Package config loads cacheit settings from the config file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"

	"github.com/cacheit/cacheit/internal/cache"
)

// Config contains all cacheit configuration options.
type Config struct {
	// Lifecycle log level: none, info or debug
	LogLevel string `yaml:"log_level" env:"CACHEIT_LOG_LEVEL"`

	Transient  TransientConfig  `yaml:"transient"`
	Persistent PersistentConfig `yaml:"persistent"`
}

// TransientConfig contains in-memory tier settings.
type TransientConfig struct {
	TTL time.Duration `yaml:"ttl" env:"CACHEIT_TRANSIENT_TTL"`
}

// PersistentConfig contains disk tier settings.
type PersistentConfig struct {
	Dir string        `yaml:"dir" env:"CACHEIT_PERSISTENT_DIR"`
	TTL time.Duration `yaml:"ttl" env:"CACHEIT_PERSISTENT_TTL"`

	// Advisory disk budget, e.g. "200 B" or "64MiB". Not enforced.
	MaxDisk string `yaml:"max_disk" env:"CACHEIT_PERSISTENT_MAX_DISK"`

	// zstd level for payloads over 1KB; 0 disables compression
	CompressionLevel int  `yaml:"compression_level" env:"CACHEIT_PERSISTENT_COMPRESSION_LEVEL"`
	Watch            bool `yaml:"watch" env:"CACHEIT_PERSISTENT_WATCH"`
}

// DefaultConfig returns a Config matching the cache's factory defaults.
func DefaultConfig() Config {
	transient := cache.DefaultTransientDefaults()
	persistent := cache.DefaultPersistentDefaults()

	return Config{
		LogLevel: cache.LogNone.String(),
		Transient: TransientConfig{
			TTL: transient.TTL,
		},
		Persistent: PersistentConfig{
			Dir:     cache.DefaultDir(),
			TTL:     persistent.TTL,
			MaxDisk: humanize.Bytes(persistent.MaxDiskBytes),
		},
	}
}

// ApplyEnv overrides cfg with any CACHEIT_* variables that are set. It is
// the only place environment variables are read; the CLI does not enable
// viper's automatic env lookup.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, nil)
}

func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "none", "info", "debug", "":
	default:
		return fmt.Errorf("invalid log level '%s': must be one of [none info debug]", c.LogLevel)
	}

	// a zero default would expire every entry on creation
	if c.Transient.TTL <= 0 {
		return fmt.Errorf("transient ttl must be positive, got %s", c.Transient.TTL)
	}
	if c.Persistent.TTL <= 0 {
		return fmt.Errorf("persistent ttl must be positive, got %s", c.Persistent.TTL)
	}

	if _, err := c.maxDiskBytes(); err != nil {
		return err
	}

	if c.Persistent.CompressionLevel < 0 || c.Persistent.CompressionLevel > 22 {
		return fmt.Errorf("compression level must be between 0 and 22, got %d", c.Persistent.CompressionLevel)
	}

	if _, err := c.dir(); err != nil {
		return err
	}

	return nil
}

func (c *Config) maxDiskBytes() (uint64, error) {
	if strings.TrimSpace(c.Persistent.MaxDisk) == "" {
		return cache.DefaultPersistentDefaults().MaxDiskBytes, nil
	}
	n, err := humanize.ParseBytes(c.Persistent.MaxDisk)
	if err != nil {
		return 0, fmt.Errorf("invalid max disk size %q: %w", c.Persistent.MaxDisk, err)
	}
	return n, nil
}

func (c *Config) dir() (string, error) {
	if c.Persistent.Dir == "" {
		return cache.DefaultDir(), nil
	}
	dir, err := homedir.Expand(c.Persistent.Dir)
	if err != nil {
		return "", fmt.Errorf("invalid cache directory %q: %w", c.Persistent.Dir, err)
	}
	return dir, nil
}

// Level returns the configured lifecycle log level.
func (c *Config) Level() cache.LogLevel {
	return cache.ParseLogLevel(c.LogLevel)
}

// Defaults returns the per-tier defaults described by the configuration.
// Call Validate first; invalid sizes fall back to the factory budget.
func (c *Config) Defaults(tier cache.Tier) cache.Defaults {
	if tier == cache.Persistent {
		maxDisk, err := c.maxDiskBytes()
		if err != nil {
			maxDisk = cache.DefaultPersistentDefaults().MaxDiskBytes
		}
		return cache.Defaults{
			Tier:         cache.Persistent,
			TTL:          c.Persistent.TTL,
			MaxDiskBytes: maxDisk,
		}
	}
	return cache.Defaults{Tier: cache.Transient, TTL: c.Transient.TTL}
}

// Options returns the controller options for this configuration.
func (c *Config) Options() []cache.Option {
	dir, err := c.dir()
	if err != nil {
		dir = cache.DefaultDir()
	}
	return []cache.Option{
		cache.WithDir(dir),
		cache.WithCompression(c.Persistent.CompressionLevel),
		cache.WithDirWatch(c.Persistent.Watch),
	}
}
