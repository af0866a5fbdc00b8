package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFromViper loads configuration from v, then applies environment
// overrides and validates the result.
func LoadFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}

	// Transient tier
	if v.IsSet("transient.ttl") {
		cfg.Transient.TTL = v.GetDuration("transient.ttl")
	}

	// Persistent tier
	if v.IsSet("persistent.dir") {
		cfg.Persistent.Dir = v.GetString("persistent.dir")
	}
	if v.IsSet("persistent.ttl") {
		cfg.Persistent.TTL = v.GetDuration("persistent.ttl")
	}
	if v.IsSet("persistent.max_disk") {
		cfg.Persistent.MaxDisk = v.GetString("persistent.max_disk")
	}
	if v.IsSet("persistent.compression_level") {
		cfg.Persistent.CompressionLevel = v.GetInt("persistent.compression_level")
	}
	if v.IsSet("persistent.watch") {
		cfg.Persistent.Watch = v.GetBool("persistent.watch")
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SetDefaults sets default values in v for every configuration key.
func SetDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("log_level", defaults.LogLevel)

	v.SetDefault("transient.ttl", defaults.Transient.TTL)

	v.SetDefault("persistent.dir", defaults.Persistent.Dir)
	v.SetDefault("persistent.ttl", defaults.Persistent.TTL)
	v.SetDefault("persistent.max_disk", defaults.Persistent.MaxDisk)
	v.SetDefault("persistent.compression_level", defaults.Persistent.CompressionLevel)
	v.SetDefault("persistent.watch", defaults.Persistent.Watch)
}
