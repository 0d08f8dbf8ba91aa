// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads broker configuration.
//
// Configuration comes from a single YAML file named by the
// COURIER_CONFIG environment variable or a --config flag. There is no
// search path and no automatic discovery: a missing file means the
// built-in defaults, a named-but-unreadable file is an error. The
// shared registration secret is deliberately not a config field — it
// is read from COURIER_SHARED_SECRET so that it never lands on disk
// next to the database it protects.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings such as "5m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EnvConfigFile names the config file when no flag is given.
const EnvConfigFile = "COURIER_CONFIG"

// EnvSharedSecret holds the optional registration secret. Absent or
// empty means open mode: any registration proof is accepted.
const EnvSharedSecret = "COURIER_SHARED_SECRET"

// Config is the broker configuration. All fields have defaults; the
// zero value is not usable — obtain one from Default or Load.
type Config struct {
	// Listen is the broker's loopback TCP address. The port is the
	// rendezvous point: the first process to bind it becomes the
	// broker, everyone else a client.
	Listen string `yaml:"listen"`

	// DataDir is the owner-only directory holding the SQLite
	// database, large-message side files, and purge archives.
	DataDir string `yaml:"data_dir"`

	// Store selects the persistence backend: "sqlite" (default) or
	// "memory" for an ephemeral broker.
	Store string `yaml:"store"`

	// PoolSize is the SQLite connection pool size.
	PoolSize int `yaml:"pool_size"`

	// GCInterval is how often retention runs (expired forwards,
	// expired sessions, 7-day undelivered purge).
	GCInterval Duration `yaml:"gc_interval"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration. The data directory
// defaults to ~/.courier; on systems with no resolvable home it must
// be set explicitly.
func Default() Config {
	dataDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".courier")
	}
	return Config{
		Listen:     "127.0.0.1:9876",
		DataDir:    dataDir,
		Store:      "sqlite",
		PoolSize:   4,
		GCInterval: Duration(time.Hour),
		LogLevel:   "info",
	}
}

// Load reads the config file at path, which may be empty: an empty
// path falls back to COURIER_CONFIG, and if that is unset too the
// defaults are returned. A named file that cannot be read or parsed
// is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values. Called by Load; callers constructing a
// Config by hand should call it too.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	switch c.Store {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store must be %q or %q, got %q", "sqlite", "memory", c.Store)
	}
	if c.Store == "sqlite" && c.DataDir == "" {
		return fmt.Errorf("data_dir is required for the sqlite store")
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative")
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("gc_interval must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// SharedSecret reads the registration secret from the environment.
// Empty means open mode.
func SharedSecret() string {
	return os.Getenv(EnvSharedSecret)
}
