package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName is the per-butler configuration file looked up in the
// config directory.
const ConfigFileName = "butler.toml"

// Load reads, expands, parses, and validates butler.toml from configDir.
func Load(configDir string) (*ButlerConfig, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, &LoadError{File: path, Err: err}
	}

	slog.Info("Configuration loaded",
		"path", path,
		"butler", cfg.Name,
		"modules", len(cfg.Modules))
	return cfg, nil
}

// Parse decodes raw butler.toml bytes into a validated ButlerConfig.
// Unknown fields are rejected so typos fail fast instead of silently
// falling back to defaults.
func Parse(data []byte) (*ButlerConfig, error) {
	expanded := ExpandEnv(data)

	var cfg ButlerConfig
	dec := toml.NewDecoder(bytes.NewReader(expanded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTOML, strict.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidTOML, err)
	}

	if err := mergo.Merge(&cfg, *DefaultConfig()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants a daemon relies on at startup.
func (c *ButlerConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, NewValidationError("butler", "(unnamed)", "name", ErrMissingRequiredField))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, NewValidationError("butler", c.Name, "port", ErrInvalidValue))
	}
	if c.DB.Name == "" {
		errs = append(errs, NewValidationError("butler", c.Name, "db.name", ErrMissingRequiredField))
	}

	switch c.Runtime.Adapter {
	case "claude", "gemini":
	default:
		errs = append(errs, NewValidationError("runtime", c.Runtime.Adapter, "adapter", ErrInvalidValue))
	}
	if c.Runtime.MaxConcurrentSessions < 1 {
		errs = append(errs, NewValidationError("runtime", c.Name, "max_concurrent_sessions", ErrInvalidValue))
	}
	if c.Runtime.MaxTurns < 1 {
		errs = append(errs, NewValidationError("runtime", c.Name, "max_turns", ErrInvalidValue))
	}
	if c.Runtime.SessionTimeoutS <= 0 {
		errs = append(errs, NewValidationError("runtime", c.Name, "session_timeout_s", ErrInvalidValue))
	}

	if c.Shutdown.TimeoutS <= 0 {
		errs = append(errs, NewValidationError("shutdown", c.Name, "timeout_s", ErrInvalidValue))
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		errs = append(errs, NewValidationError("heartbeat", c.Name, "interval_seconds", ErrInvalidValue))
	}

	if c.Buffer.WorkerCount < 1 || c.Buffer.WorkerCount > 50 {
		errs = append(errs, NewValidationError("buffer", c.Name, "worker_count", ErrInvalidValue))
	}
	if c.Buffer.RingSize < 1 {
		errs = append(errs, NewValidationError("buffer", c.Name, "ring_size", ErrInvalidValue))
	}
	if c.Buffer.ScannerIntervalS <= 0 || c.Buffer.ScannerGraceS <= 0 || c.Buffer.ScannerBatchSize <= 0 {
		errs = append(errs, NewValidationError("buffer", c.Name, "scanner", ErrInvalidValue))
	}

	for name, sched := range c.Schedules {
		if sched.Cron == "" {
			errs = append(errs, NewValidationError("schedule", name, "cron", ErrMissingRequiredField))
		}
		if sched.Prompt == "" {
			errs = append(errs, NewValidationError("schedule", name, "prompt", ErrMissingRequiredField))
		}
	}

	if len(errs) > 0 {
		return &ValidationErrors{Errors: errs}
	}
	return nil
}

// IsSwitchboard reports whether this butler is the fleet's ingress/egress.
func (c *ButlerConfig) IsSwitchboard() bool {
	return c.Name == "switchboard"
}
