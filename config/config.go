// Package config loads transfer-engine settings from the environment and an
// optional config file, with sane defaults for everything.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when neither the environment nor a config file provides a
// value.
const (
	DefaultSliceSize        = 64 * 1024
	DefaultMaxMRSize        = int64(1) << 32
	DefaultHandshakePort    = 12001
	DefaultHandshakeTimeout = 5 * time.Second
)

// Config carries every tunable of the transfer engine.
type Config struct {
	// LocalHost is the host identity used in NIC paths. Defaults to the
	// hostname reported by the OS when left empty.
	LocalHost string `mapstructure:"local_host"`

	// SliceSize is the maximum bytes per posted write; larger requests are
	// split into slices of this size.
	SliceSize int `mapstructure:"slice_size"`

	// MaxMRSize caps the length of a single memory registration. Longer
	// buffers are clamped with a warning.
	MaxMRSize int64 `mapstructure:"max_mr_size"`

	// HandshakePort is the TCP port the handshake server listens on.
	HandshakePort int `mapstructure:"handshake_port"`

	// HandshakeTimeout bounds one handshake round trip.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// Load reads configuration from RDM_-prefixed environment variables and, when
// path is non-empty, the named config file. Environment variables win over
// the file; defaults fill the rest.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RDM")
	v.AutomaticEnv()

	// Defaults also register the keys so AutomaticEnv can fill them during
	// Unmarshal.
	v.SetDefault("local_host", "")
	v.SetDefault("slice_size", DefaultSliceSize)
	v.SetDefault("max_mr_size", DefaultMaxMRSize)
	v.SetDefault("handshake_port", DefaultHandshakePort)
	v.SetDefault("handshake_timeout", DefaultHandshakeTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.SliceSize <= 0 {
		return fmt.Errorf("config: slice_size must be positive, got %d", c.SliceSize)
	}
	if c.MaxMRSize <= 0 {
		return fmt.Errorf("config: max_mr_size must be positive, got %d", c.MaxMRSize)
	}
	if c.HandshakePort <= 0 || c.HandshakePort > 65535 {
		return fmt.Errorf("config: handshake_port out of range: %d", c.HandshakePort)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: handshake_timeout must be positive, got %s", c.HandshakeTimeout)
	}
	return nil
}
