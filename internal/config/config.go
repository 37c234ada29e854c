// Package config loads tool-level configuration: where the project manifest
// lives, how to log, and how the status server binds.
//
// Project semantics (stages, detectors, retry policy) live in the project
// manifest, not here; this file covers the operator's environment only.
// Sources in precedence order: flags (applied by the commands), environment
// variables with the PROPAGATOR_ prefix, a config file, then defaults.
package config

import (
	"time"
)

// Config is the tool configuration.
type Config struct {
	// Manifest is the default project manifest path, overridable per
	// command with --manifest.
	Manifest string `mapstructure:"manifest"`

	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}
