// Package config loads the engine's configuration surface from a YAML file
// and CONVO_-prefixed environment variables. Every tunable the runtime
// consults lives here; nothing is hardcoded downstream.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Session   SessionConfig   `koanf:"session"`
	Interrupt InterruptConfig `koanf:"interrupt"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Tools     []ToolConfig    `koanf:"tools"`
	States    []StateConfig   `koanf:"states"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr              string `koanf:"addr"`
	ReadHeaderTimeout string `koanf:"read_header_timeout"`
	ShutdownGrace     string `koanf:"shutdown_grace"`
}

type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver   string         `koanf:"driver"`
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Postgres PostgresConfig `koanf:"postgres"`
	// Retention bounds how long tool invocation records are kept for
	// idempotent replay.
	Retention string `koanf:"retention"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type SessionConfig struct {
	MaxDuration        string `koanf:"max_duration"`
	MaxSessionsPerHost int    `koanf:"max_sessions_per_host"`
}

type InterruptConfig struct {
	MinWords    int    `koanf:"min_words"`
	GraceWindow string `koanf:"grace_window"`
}

type GatewayConfig struct {
	Retry    RetryConfig          `koanf:"retry"`
	Timeouts TimeoutClassesConfig `koanf:"timeouts"`
	Limits   LimitsConfig         `koanf:"limits"`
}

type RetryConfig struct {
	Base        string  `koanf:"base"`
	Multiplier  float64 `koanf:"multiplier"`
	MaxDelay    string  `koanf:"max_delay"`
	Jitter      string  `koanf:"jitter"`
	MaxAttempts int     `koanf:"max_attempts"`
}

type TimeoutClassesConfig struct {
	DataFetch   string `koanf:"data_fetch"`
	Computation string `koanf:"computation"`
	Action      string `koanf:"action"`
}

type LimitsConfig struct {
	Key     BucketConfig `koanf:"key"`
	Session BucketConfig `koanf:"session"`
	Tenant  BucketConfig `koanf:"tenant"`
	Global  BucketConfig `koanf:"global"`
}

type BucketConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type ToolConfig struct {
	Name                 string        `koanf:"name"`
	Version              string        `koanf:"version"`
	Class                string        `koanf:"class"`
	Endpoint             string        `koanf:"endpoint"`
	Timeout              string        `koanf:"timeout"`
	CancelOnInterruption bool          `koanf:"cancel_on_interruption"`
	RequiredPermissions  []string      `koanf:"required_permissions"`
	Compensation         string        `koanf:"compensation"`
	Params               []FieldConfig `koanf:"params"`
	Result               []FieldConfig `koanf:"result"`
}

type FieldConfig struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"`
	Required bool   `koanf:"required"`
}

// StateConfig retunes one state of the stock flow. The flow's structure is
// fixed in code; only the interruption flag and the timeout are deployable
// knobs.
type StateConfig struct {
	Name          string `koanf:"name"`
	Interruptible bool   `koanf:"interruptible"`
	Timeout       string `koanf:"timeout"`
}

type TelemetryConfig struct {
	Enabled    bool `koanf:"enabled"`
	SinkBuffer int  `koanf:"sink_buffer"`
}

// Load reads the optional YAML file, overlays CONVO_ environment variables,
// and applies defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CONVO_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CONVO_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ReadHeaderTimeout == "" {
		c.Server.ReadHeaderTimeout = "10s"
	}
	if c.Server.ShutdownGrace == "" {
		c.Server.ShutdownGrace = "15s"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "convoctl.db"
	}
	if c.Storage.Retention == "" {
		c.Storage.Retention = "720h"
	}
	if c.Session.MaxDuration == "" {
		c.Session.MaxDuration = "30m"
	}
	if c.Interrupt.MinWords <= 0 {
		c.Interrupt.MinWords = 2
	}
	if c.Interrupt.GraceWindow == "" {
		c.Interrupt.GraceWindow = "500ms"
	}
	if c.Gateway.Retry.Base == "" {
		c.Gateway.Retry.Base = "1s"
	}
	if c.Gateway.Retry.Multiplier == 0 {
		c.Gateway.Retry.Multiplier = 2
	}
	if c.Gateway.Retry.MaxDelay == "" {
		c.Gateway.Retry.MaxDelay = "25s"
	}
	if c.Gateway.Retry.Jitter == "" {
		c.Gateway.Retry.Jitter = "250ms"
	}
	if c.Gateway.Retry.MaxAttempts <= 0 {
		c.Gateway.Retry.MaxAttempts = 4
	}
	if c.Gateway.Timeouts.DataFetch == "" {
		c.Gateway.Timeouts.DataFetch = "8s"
	}
	if c.Gateway.Timeouts.Computation == "" {
		c.Gateway.Timeouts.Computation = "20s"
	}
	if c.Gateway.Timeouts.Action == "" {
		c.Gateway.Timeouts.Action = "25s"
	}
	if c.Telemetry.SinkBuffer <= 0 {
		c.Telemetry.SinkBuffer = 1024
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	durations := map[string]string{
		"server.read_header_timeout":   c.Server.ReadHeaderTimeout,
		"server.shutdown_grace":        c.Server.ShutdownGrace,
		"storage.retention":            c.Storage.Retention,
		"session.max_duration":         c.Session.MaxDuration,
		"interrupt.grace_window":       c.Interrupt.GraceWindow,
		"gateway.retry.base":           c.Gateway.Retry.Base,
		"gateway.retry.max_delay":      c.Gateway.Retry.MaxDelay,
		"gateway.retry.jitter":         c.Gateway.Retry.Jitter,
		"gateway.timeouts.data_fetch":  c.Gateway.Timeouts.DataFetch,
		"gateway.timeouts.computation": c.Gateway.Timeouts.Computation,
		"gateway.timeouts.action":      c.Gateway.Timeouts.Action,
	}
	for key, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, v)
		}
	}
	for i, t := range c.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tools[%d].name must be non-empty", i)
		}
		if strings.TrimSpace(t.Endpoint) == "" {
			return fmt.Errorf("tools[%d].endpoint must be non-empty", i)
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				return fmt.Errorf("tools[%d].timeout: invalid duration %q", i, t.Timeout)
			}
		}
		for j, f := range append(append([]FieldConfig(nil), t.Params...), t.Result...) {
			if strings.TrimSpace(f.Name) == "" {
				return fmt.Errorf("tools[%d] field %d: name must be non-empty", i, j)
			}
			switch f.Type {
			case "string", "number", "integer", "bool", "object", "array":
			default:
				return fmt.Errorf("tools[%d].%s: unknown field type %q", i, f.Name, f.Type)
			}
		}
	}
	for i, s := range c.States {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("states[%d].name must be non-empty", i)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("states[%d].timeout: invalid duration %q", i, s.Timeout)
			}
		}
	}
	return nil
}

// Duration parses a validated duration field.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
