// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmeurisse/maestro/pkg/errors"
)

// Duration wraps time.Duration so YAML accepts "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Execution ExecutionConfig `yaml:"execution"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	// Environment: MAESTRO_LISTEN_ADDR
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file path.
	// Environment: MAESTRO_DB_PATH
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging for concurrent reads.
	WAL bool `yaml:"wal"`
}

// ExecutionConfig configures the execution engine.
type ExecutionConfig struct {
	// Timeout is the per-execution wall-clock budget.
	// Environment: MAESTRO_EXECUTION_TIMEOUT
	Timeout Duration `yaml:"timeout,omitempty"`

	// SweepInterval is how often stale RUNNING executions are reaped.
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`

	// ConditionDialect selects the If-condition evaluator: "strict"
	// (the default: true, false, params.<name>) or "expr" for full
	// expressions over params and outputs.
	// Environment: MAESTRO_CONDITION_DIALECT
	ConditionDialect string `yaml:"condition_dialect,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Environment: MAESTRO_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	// Environment: LOG_FORMAT
	Format string `yaml:"format,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8580",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "maestro.db",
			WAL:  true,
		},
		Execution: ExecutionConfig{
			Timeout:          Duration(10 * time.Minute),
			SweepInterval:    Duration(time.Minute),
			ConditionDialect: "strict",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (when non-empty), overlays it on the defaults, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{
				Key:    "config",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies MAESTRO_* environment variables on top of
// whatever the file supplied.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv("MAESTRO_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("MAESTRO_DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("MAESTRO_EXECUTION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Execution.Timeout = Duration(d)
		}
	}
	if val := os.Getenv("MAESTRO_SWEEP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Execution.SweepInterval = Duration(d)
		}
	}
	if val := os.Getenv("MAESTRO_CONDITION_DIALECT"); val != "" {
		c.Execution.ConditionDialect = val
	}
	if val := os.Getenv("MAESTRO_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &errors.ConfigError{Key: "server.addr", Reason: "listen address must not be empty"}
	}
	if c.Database.Path == "" {
		return &errors.ConfigError{Key: "database.path", Reason: "database path must not be empty"}
	}
	if c.Execution.Timeout.Std() <= 0 {
		return &errors.ConfigError{Key: "execution.timeout", Reason: "timeout must be positive"}
	}
	if c.Execution.SweepInterval.Std() <= 0 {
		return &errors.ConfigError{Key: "execution.sweep_interval", Reason: "sweep interval must be positive"}
	}
	switch c.Execution.ConditionDialect {
	case "", "strict", "expr":
	default:
		return &errors.ConfigError{Key: "execution.condition_dialect", Reason: "dialect must be strict or expr"}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &errors.ConfigError{Key: "log.format", Reason: "format must be json or text"}
	}
	return nil
}
